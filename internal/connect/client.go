// Package connect is a client for the Kafka Connect REST API.
package connect

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	resty "github.com/go-resty/resty/v2"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
)

const (
	RequestTimeout   = 30 * time.Second
	DialTimeout      = 10 * time.Second
	IdleConnTimeout  = 90 * time.Second
	KeepAlive        = 30 * time.Second
	MaxIdleConns     = 32
	RetryCount       = 3
	RetryWaitTime    = 200 * time.Millisecond
	RetryWaitTimeMax = 3 * time.Second
)

// Connector and task states reported by the status endpoint
const (
	StateRunning    = "RUNNING"
	StatePaused     = "PAUSED"
	StateFailed     = "FAILED"
	StateUnassigned = "UNASSIGNED"
	StateRestarting = "RESTARTING"
)

// Options configure a Client
type Options struct {
	URL     string
	Timeout time.Duration
	// RetryCount of -1 disables retries
	RetryCount int
	Verbose    bool
	// TLS is used for https URLs when set
	TLS *tls.Config
}

// Client talks to one Kafka Connect cluster
type Client struct {
	http   *resty.Client
	logger *zap.Logger
}

// NewClient creates a Client for the cluster at opts.URL
func NewClient(opts Options) *Client {
	c := &Client{logger: logger.Named("connect")}
	c.http = createHTTPClient(opts, c.logger)
	return c
}

func createHTTPClient(opts Options, log *zap.Logger) *resty.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	retries := opts.RetryCount
	switch {
	case retries == 0:
		retries = RetryCount
	case retries < 0:
		retries = 0
	}

	c := resty.New()
	c.SetBaseURL(opts.URL)
	c.SetLogger(log.Sugar())
	c.SetHeader("Accept", "application/json")
	c.SetTimeout(timeout)
	c.SetTransport(createTransport(opts.TLS))
	c.SetRetryCount(retries)
	c.SetRetryWaitTime(RetryWaitTime)
	c.SetRetryMaxWaitTime(RetryWaitTimeMax)
	c.AddRetryCondition(retryable)

	if opts.Verbose {
		c.SetDebug(true)
		c.SetDebugBodyLimit(2 * 1024)
	}
	c.OnAfterResponse(func(_ *resty.Client, response *resty.Response) error {
		log.Debug("Connect request",
			zap.String("method", response.Request.Method),
			zap.String("url", response.Request.URL),
			zap.Int("status", response.StatusCode()),
			zap.Duration("took", response.Time()))
		return nil
	})
	c.OnError(func(request *resty.Request, err error) {
		log.Warn("Connect request failed",
			zap.String("method", request.Method),
			zap.String("url", request.URL),
			zap.Error(err))
	})
	return c
}

// retryable reports whether a request is worth repeating. Connect answers 409
// while a worker rebalance is in progress, except on create where it means the
// connector already exists.
func retryable(response *resty.Response, err error) bool {
	if response == nil {
		return err != nil
	}
	switch response.StatusCode() {
	case http.StatusConflict:
		return !isCreate(response.Request)
	case
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func isCreate(request *resty.Request) bool {
	if request == nil || request.Method != http.MethodPost {
		return false
	}
	path := request.URL
	if u, err := url.Parse(request.URL); err == nil {
		path = u.Path
	}
	return strings.HasSuffix(strings.TrimRight(path, "/"), "/connectors")
}

func createTransport(tlsConfig *tls.Config) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   DialTimeout,
		KeepAlive: KeepAlive,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          MaxIdleConns,
		MaxIdleConnsPerHost:   MaxIdleConns,
		TLSClientConfig:       tlsConfig,
		IdleConnTimeout:       IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// APIError is a non-2xx answer from Kafka Connect
type APIError struct {
	Method     string
	Path       string
	Connector  string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("connect %s %s (%s): %d %s", e.Method, e.Path, e.Connector, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from Kafka Connect
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type errorBody struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path, name string, body, result any) error {
	req := c.http.R().SetContext(ctx).SetError(&errorBody{})
	if name != "" {
		req.SetPathParam("name", name)
	}
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("connect %s %s (%s): %w", method, path, name, err)
	}
	if resp.IsError() {
		apiErr := &APIError{
			Method:     method,
			Path:       path,
			Connector:  name,
			StatusCode: resp.StatusCode(),
			Message:    resp.String(),
		}
		if eb, ok := resp.Error().(*errorBody); ok && eb.Message != "" {
			apiErr.Message = eb.Message
		}
		return apiErr
	}
	return nil
}
