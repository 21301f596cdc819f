// Package normalize turns stored, loosely structured connector configuration
// documents into the flat string map Kafka Connect accepts.
//
// Normalize is pure: the same Request always produces the same map, and
// feeding a result back in produces that result again.
package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/withobsrvr/connectctl/internal/model"
)

// Canonical configuration keys the normalizer reads or writes
const (
	KeyName             = "name"
	KeyConnectorClass   = "connector.class"
	KeyHostname         = "database.hostname"
	KeyServerName       = "database.server.name"
	KeyTopicPrefix      = "topic.prefix"
	KeySlotName         = "slot.name"
	KeyPluginName       = "plugin.name"
	KeySnapshotMode     = "snapshot.mode"
	KeyTopics           = "topics"
	KeyTopicsRegex      = "topics.regex"
	KeyConnectionURL    = "connection.url"
	KeyConnectionUser   = "connection.username"
	KeyPrimaryKeyMode   = "primary.key.mode"
	KeyDeleteEnabled    = "delete.enabled"
	KeyErrorsTolerance  = "errors.tolerance"
	KeyDLQTopic         = "errors.deadletterqueue.topic.name"
	KeyDLQReplication   = "errors.deadletterqueue.topic.replication.factor"
	KeyDLQContextHeader = "errors.deadletterqueue.context.headers.enable"

	legacyConnectorClass = "connector_class"
	legacyConnectionUser = "connection.user"
)

// metadataKeys describe the stored record, not the connector
var metadataKeys = map[string]struct{}{
	"id":           {},
	"pipeline_id":  {},
	"type":         {},
	"description":  {},
	"created_at":   {},
	"updated_at":   {},
	"display_name": {},
	"version":      {},
}

var loopbackHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
	"0.0.0.0":   {},
}

var (
	slotDisallowed = regexp.MustCompile(`[^a-z0-9_]`)
	restoreSuffix  = regexp.MustCompile(`_r\d+$`)
)

// Request is one normalization input
type Request struct {
	// Raw is the stored configuration document, nested at most one level deep
	Raw           map[string]any
	ConnectorName string
	PipelineName  string
	Kind          model.ConnectorType
	// RestoreCount > 0 renames source identities to avoid colliding with a prior registration
	RestoreCount int
}

// Options configure environment-specific rewrites
type Options struct {
	// InClusterHosts maps a database family ("postgres", "mysql") to the
	// hostname the Connect workers reach it under.
	InClusterHosts map[string]string
	// DLQReplicationFactor is forced onto every connector's dead-letter topic
	DLQReplicationFactor int
}

// DefaultOptions returns options suitable for a single-node development cluster
func DefaultOptions() Options {
	return Options{
		InClusterHosts: map[string]string{
			familyPostgres: "postgres",
			familyMySQL:    "mysql",
		},
		DLQReplicationFactor: 1,
	}
}

// Error reports a configuration that cannot be made deployable
type Error struct {
	Connector string
	Field     string
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("normalize %s: %s: %s", e.Connector, e.Field, e.Reason)
}

// Normalizer applies Options to normalization requests
type Normalizer struct {
	opts Options
}

// New creates a Normalizer. Zero-valued options fall back to DefaultOptions.
func New(opts Options) *Normalizer {
	def := DefaultOptions()
	if opts.InClusterHosts == nil {
		opts.InClusterHosts = def.InClusterHosts
	}
	if opts.DLQReplicationFactor <= 0 {
		opts.DLQReplicationFactor = def.DLQReplicationFactor
	}
	return &Normalizer{opts: opts}
}

// Normalize produces the deploy-ready flat configuration for req
func (n *Normalizer) Normalize(req Request) (map[string]string, error) {
	if !req.Kind.Valid() {
		return nil, &Error{Connector: req.ConnectorName, Field: "kind", Reason: fmt.Sprintf("unknown connector kind %q", req.Kind)}
	}
	if req.ConnectorName == "" {
		return nil, &Error{Connector: req.PipelineName, Field: KeyName, Reason: "connector name is required"}
	}

	cfg, err := flatten(req.Raw)
	if err != nil {
		return nil, &Error{Connector: req.ConnectorName, Field: "config", Reason: err.Error()}
	}

	class := cfg[KeyConnectorClass]
	if class == "" {
		return nil, &Error{Connector: req.ConnectorName, Field: KeyConnectorClass, Reason: "missing"}
	}
	rule := ruleFor(class)

	n.rewriteHost(cfg, rule)
	if req.Kind == model.ConnectorSink {
		n.correctSink(cfg)
	}
	if err := rule.correct(cfg, req); err != nil {
		return nil, err
	}

	cfg[KeyName] = req.ConnectorName
	if slot, ok := cfg[KeySlotName]; ok {
		cfg[KeySlotName] = SanitizeSlotName(slot)
	}
	cfg[KeyDLQTopic] = DLQTopic(req.PipelineName, req.ConnectorName)
	cfg[KeyDLQReplication] = strconv.Itoa(n.opts.DLQReplicationFactor)
	cfg[KeyDLQContextHeader] = "true"
	cfg[KeyErrorsTolerance] = "all"

	if req.RestoreCount > 0 && req.Kind == model.ConnectorSource {
		suffix := fmt.Sprintf("_r%d", req.RestoreCount)
		for _, key := range []string{KeyServerName, KeySlotName, KeyTopicPrefix} {
			if v, ok := cfg[key]; ok && v != "" {
				cfg[key] = restoreSuffix.ReplaceAllString(v, "") + suffix
			}
		}
	}

	return cfg, nil
}

// flatten hoists one level of nesting and stringifies every value. Scalar
// top-level keys are applied first, then object-valued fields in sorted key
// order, so the last write for a duplicated key is deterministic.
func flatten(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	var nested []string

	for _, k := range sortedKeys(raw) {
		if _, ok := raw[k].(map[string]any); ok {
			nested = append(nested, k)
			continue
		}
		if err := put(out, k, raw[k]); err != nil {
			return nil, err
		}
	}
	for _, k := range nested {
		obj := raw[k].(map[string]any)
		for _, inner := range sortedKeys(obj) {
			if err := put(out, inner, obj[inner]); err != nil {
				return nil, err
			}
		}
	}

	if legacy, ok := out[legacyConnectorClass]; ok {
		if _, has := out[KeyConnectorClass]; !has {
			out[KeyConnectorClass] = legacy
		}
		delete(out, legacyConnectorClass)
	}
	for k := range metadataKeys {
		delete(out, k)
	}
	return out, nil
}

func put(out map[string]string, key string, v any) error {
	s, ok, err := stringify(v)
	if err != nil {
		return fmt.Errorf("key %s: %w", key, err)
	}
	if ok {
		out[key] = s
	}
	return nil
}

// stringify renders v the way Connect expects. Nulls report ok=false.
func stringify(v any) (string, bool, error) {
	switch t := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return t, true, nil
	case bool:
		return strconv.FormatBool(t), true, nil
	case int:
		return strconv.Itoa(t), true, nil
	case int64:
		return strconv.FormatInt(t, 10), true, nil
	case int32:
		return strconv.FormatInt(int64(t), 10), true, nil
	case uint64:
		return strconv.FormatUint(t, 10), true, nil
	case float32:
		return formatFloat(float64(t)), true, nil
	case float64:
		return formatFloat(t), true, nil
	case json.Number:
		return t.String(), true, nil
	case []string:
		return strings.Join(t, ","), true, nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			s, ok, err := stringify(item)
			if err != nil {
				return "", false, err
			}
			if ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ","), true, nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", false, err
		}
		return string(data), true, nil
	}
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (n *Normalizer) inClusterHost(family string) string {
	if family == "" {
		return ""
	}
	return n.opts.InClusterHosts[family]
}

func (n *Normalizer) rewriteHost(cfg map[string]string, rule classRule) {
	host, ok := cfg[KeyHostname]
	if !ok || !IsLoopback(host) {
		return
	}
	if target := n.inClusterHost(rule.family()); target != "" {
		cfg[KeyHostname] = target
	}
}

func (n *Normalizer) correctSink(cfg map[string]string) {
	if user, ok := cfg[legacyConnectionUser]; ok {
		if _, has := cfg[KeyConnectionUser]; !has {
			cfg[KeyConnectionUser] = user
		}
		delete(cfg, legacyConnectionUser)
	}

	if topics, ok := cfg[KeyTopics]; ok {
		if isPlaceholder(topics) {
			if _, hasRegex := cfg[KeyTopicsRegex]; hasRegex {
				delete(cfg, KeyTopics)
			}
		} else {
			delete(cfg, KeyTopicsRegex)
		}
	}

	if url, ok := cfg[KeyConnectionURL]; ok {
		cfg[KeyConnectionURL] = n.rewriteJDBCURL(url)
	}

	if _, ok := cfg[KeyPrimaryKeyMode]; !ok {
		cfg[KeyPrimaryKeyMode] = "record_key"
	}
	if _, ok := cfg[KeyDeleteEnabled]; !ok {
		cfg[KeyDeleteEnabled] = "true"
	}
}

// rewriteJDBCURL replaces a loopback host in jdbc:<family>://host[:port]/... URLs
func (n *Normalizer) rewriteJDBCURL(url string) string {
	const prefix = "jdbc:"
	if !strings.HasPrefix(url, prefix) {
		return url
	}
	rest := url[len(prefix):]
	sep := strings.Index(rest, "://")
	if sep < 0 {
		return url
	}
	family := jdbcFamily(rest[:sep])
	target := n.inClusterHost(family)
	if target == "" {
		return url
	}

	authorityStart := len(prefix) + sep + len("://")
	authority := url[authorityStart:]
	end := strings.IndexAny(authority, "/?;")
	if end < 0 {
		end = len(authority)
	}
	hostPort := authority[:end]

	userinfo := ""
	if at := strings.LastIndex(hostPort, "@"); at >= 0 {
		userinfo, hostPort = hostPort[:at+1], hostPort[at+1:]
	}
	host, port := splitHostPort(hostPort)
	if !IsLoopback(host) {
		return url
	}
	return url[:authorityStart] + userinfo + target + port + authority[end:]
}

func splitHostPort(hostPort string) (host, port string) {
	if strings.HasPrefix(hostPort, "[") {
		if end := strings.Index(hostPort, "]"); end >= 0 {
			return hostPort[1:end], hostPort[end+1:]
		}
	}
	if strings.Count(hostPort, ":") == 1 {
		i := strings.Index(hostPort, ":")
		return hostPort[:i], hostPort[i:]
	}
	return hostPort, ""
}

func jdbcFamily(scheme string) string {
	switch scheme {
	case "postgresql", "postgres":
		return familyPostgres
	case "mysql", "mariadb":
		return familyMySQL
	}
	return ""
}

// IsLoopback reports whether host refers to the local machine
func IsLoopback(host string) bool {
	_, ok := loopbackHosts[strings.ToLower(strings.TrimSpace(host))]
	return ok
}

func isPlaceholder(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return true
	}
	lower := strings.ToLower(v)
	return lower == "placeholder" || lower == "changeme" ||
		strings.HasPrefix(v, "${") || strings.HasPrefix(v, "<")
}

// SanitizeSlotName lowercases s and replaces characters replication slots do not allow
func SanitizeSlotName(s string) string {
	return slotDisallowed.ReplaceAllString(strings.ToLower(s), "_")
}

// DLQTopic returns the dead-letter topic name for a pipeline's connector
func DLQTopic(pipelineName, connectorName string) string {
	return "dlq." + pipelineName + "." + connectorName
}
