package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/withobsrvr/connectctl/internal/connect"
	"github.com/withobsrvr/connectctl/internal/deploy"
	"github.com/withobsrvr/connectctl/internal/monitor"
	"github.com/withobsrvr/connectctl/internal/storage"
)

// errorResponse is the body of every failed request
type errorResponse struct {
	Error          string `json:"error"`
	RequiresAction bool   `json:"requiresAction,omitempty"`
}

// statusFor maps an error to its HTTP status code
func statusFor(err error) int {
	var apiErr *connect.APIError
	switch {
	case deploy.IsValidation(err):
		return http.StatusUnprocessableEntity
	case storage.IsNotFound(err), connect.IsNotFound(err):
		return http.StatusNotFound
	case monitor.IsRequiresAction(err):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), errorResponse{
		Error:          err.Error(),
		RequiresAction: monitor.IsRequiresAction(err),
	})
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func unprocessable(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnprocessableEntity, errorResponse{Error: msg})
}
