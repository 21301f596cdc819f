package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/withobsrvr/connectctl/internal/model"
)

func postgresRequest() Request {
	return Request{
		Raw: map[string]any{
			"id":              "c-1",
			"description":     "orders capture",
			"connector_class": ClassPostgresSource,
			"config": map[string]any{
				"database.hostname":  "localhost",
				"database.port":      5432,
				"topic.prefix":       "orders",
				"table.include.list": []any{"public.orders", "public.items"},
				"heartbeat.interval": nil,
			},
		},
		ConnectorName: "orders-source",
		PipelineName:  "Orders-Pipe",
		Kind:          model.ConnectorSource,
	}
}

func toRaw(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func TestNormalize_PostgresSource(t *testing.T) {
	n := New(DefaultOptions())

	cfg, err := n.Normalize(postgresRequest())
	require.NoError(t, err)

	assert.Equal(t, ClassPostgresSource, cfg[KeyConnectorClass])
	assert.Equal(t, "postgres", cfg[KeyHostname])
	assert.Equal(t, "5432", cfg["database.port"])
	assert.Equal(t, "public.orders,public.items", cfg["table.include.list"])
	assert.Equal(t, "pgoutput", cfg[KeyPluginName])
	assert.Equal(t, "orders_pipe_slot", cfg[KeySlotName])
	assert.Equal(t, "orders-source", cfg[KeyName])
	assert.Equal(t, "dlq.Orders-Pipe.orders-source", cfg[KeyDLQTopic])
	assert.Equal(t, "1", cfg[KeyDLQReplication])
	assert.Equal(t, "all", cfg[KeyErrorsTolerance])

	for _, dropped := range []string{"id", "description", "connector_class", "heartbeat.interval", "config"} {
		assert.NotContains(t, cfg, dropped)
	}
	assert.NotContains(t, cfg, KeyPrimaryKeyMode, "sink defaults must not leak into sources")
}

func TestNormalize_PureAndIdempotent(t *testing.T) {
	n := New(DefaultOptions())

	for _, restores := range []int{0, 2} {
		req := postgresRequest()
		req.RestoreCount = restores

		first, err := n.Normalize(req)
		require.NoError(t, err)
		again, err := n.Normalize(req)
		require.NoError(t, err)
		assert.Equal(t, first, again)

		req.Raw = toRaw(first)
		second, err := n.Normalize(req)
		require.NoError(t, err)
		assert.Equal(t, first, second, "restores=%d", restores)
	}
}

func TestNormalize_RestoreSuffixDoesNotCompound(t *testing.T) {
	n := New(DefaultOptions())
	req := Request{
		Raw: map[string]any{
			"connector.class":      ClassPostgresSource,
			"slot.name":            "abc_slot_r1",
			"topic.prefix":         "orders",
			"database.server.name": "srv_r1",
		},
		ConnectorName: "orders-source",
		PipelineName:  "orders",
		Kind:          model.ConnectorSource,
		RestoreCount:  2,
	}

	cfg, err := n.Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, "abc_slot_r2", cfg[KeySlotName])
	assert.Equal(t, "orders_r2", cfg[KeyTopicPrefix])
	assert.Equal(t, "srv_r2", cfg[KeyServerName])

	req.Kind = model.ConnectorSink
	req.Raw["connector.class"] = "com.example.FileSink"
	sink, err := n.Normalize(req)
	require.NoError(t, err)
	assert.Equal(t, "orders", sink[KeyTopicPrefix])
}

func TestNormalize_SinkCorrections(t *testing.T) {
	n := New(DefaultOptions())

	cfg, err := n.Normalize(Request{
		Raw: map[string]any{
			"connector.class": ClassDebeziumJDBC,
			"connection.url":  "jdbc:postgresql://localhost:5432/warehouse",
			"connection.user": "loader",
			"topics":          "orders.public.orders",
			"topics.regex":    `orders\..*`,
		},
		ConnectorName: "orders-sink",
		PipelineName:  "orders",
		Kind:          model.ConnectorSink,
	})
	require.NoError(t, err)

	assert.Equal(t, "loader", cfg[KeyConnectionUser])
	assert.NotContains(t, cfg, "connection.user")
	assert.Equal(t, "orders.public.orders", cfg[KeyTopics])
	assert.NotContains(t, cfg, KeyTopicsRegex)
	assert.Equal(t, "jdbc:postgresql://postgres:5432/warehouse", cfg[KeyConnectionURL])
	assert.Equal(t, "record_key", cfg[KeyPrimaryKeyMode])
	assert.Equal(t, "true", cfg[KeyDeleteEnabled])
}

func TestNormalize_SinkPlaceholderTopicsUseRegex(t *testing.T) {
	n := New(DefaultOptions())

	cfg, err := n.Normalize(Request{
		Raw: map[string]any{
			"connector.class": ClassDebeziumJDBC,
			"connection.url":  "jdbc:mysql://127.0.0.1/warehouse",
			"topics":          "${TOPICS}",
			"topics.regex":    `orders\..*`,
			"delete.enabled":  false,
		},
		ConnectorName: "orders-sink",
		PipelineName:  "orders",
		Kind:          model.ConnectorSink,
	})
	require.NoError(t, err)

	assert.NotContains(t, cfg, KeyTopics)
	assert.Equal(t, `orders\..*`, cfg[KeyTopicsRegex])
	assert.Equal(t, "jdbc:mysql://mysql/warehouse", cfg[KeyConnectionURL])
	assert.Equal(t, "false", cfg[KeyDeleteEnabled])
}

func TestNormalize_JDBCSinkRequiresURL(t *testing.T) {
	n := New(DefaultOptions())

	_, err := n.Normalize(Request{
		Raw:           map[string]any{"connector.class": ClassConfluentJDBC},
		ConnectorName: "orders-sink",
		PipelineName:  "orders",
		Kind:          model.ConnectorSink,
	})
	require.Error(t, err)

	var nerr *Error
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, KeyConnectionURL, nerr.Field)
}

func TestNormalize_MySQLSource(t *testing.T) {
	n := New(Options{InClusterHosts: map[string]string{"mysql": "mysql.db.svc"}})

	cfg, err := n.Normalize(Request{
		Raw: map[string]any{
			"connector.class":     ClassMySQLSource,
			"database.hostname":   "127.0.0.1",
			"schema.include.list": "inventory",
		},
		ConnectorName: "inv-source",
		PipelineName:  "inv",
		Kind:          model.ConnectorSource,
	})
	require.NoError(t, err)

	assert.Equal(t, "mysql.db.svc", cfg[KeyHostname])
	assert.Equal(t, mysqlServerVersion, cfg[keyMySQLVersion])
	assert.NotContains(t, cfg, keySchemaIncludeList)
	assert.NotContains(t, cfg, KeyPluginName)
}

func TestNormalize_PassThrough(t *testing.T) {
	n := New(DefaultOptions())

	cfg, err := n.Normalize(Request{
		Raw: map[string]any{
			"connector.class":   "com.example.CustomSource",
			"database.hostname": "localhost",
			"custom.setting":    1.5,
		},
		ConnectorName: "custom",
		PipelineName:  "p",
		Kind:          model.ConnectorSource,
	})
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg[KeyHostname])
	assert.Equal(t, "1.5", cfg["custom.setting"])
	assert.Equal(t, "custom", cfg[KeyName])
}

func TestNormalize_Errors(t *testing.T) {
	n := New(DefaultOptions())

	_, err := n.Normalize(Request{Raw: map[string]any{}, ConnectorName: "c", Kind: model.ConnectorSource})
	var nerr *Error
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, KeyConnectorClass, nerr.Field)

	_, err = n.Normalize(Request{Raw: map[string]any{"connector.class": "x"}, ConnectorName: "c", Kind: "other"})
	require.Error(t, err)
}

func TestFlatten_DeterministicOrder(t *testing.T) {
	cfg, err := flatten(map[string]any{
		"tasks.max": 1,
		"b":         map[string]any{"tasks.max": 3, "transforms": map[string]any{"unwrap": "x"}},
		"a":         map[string]any{"tasks.max": 2},
	})
	require.NoError(t, err)

	assert.Equal(t, "3", cfg["tasks.max"])
	assert.Equal(t, `{"unwrap":"x"}`, cfg["transforms"])
}

func TestRestoreIdentity(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	cfg := map[string]string{
		KeyConnectorClass: ClassPostgresSource,
		KeySlotName:       "abc_slot",
		KeyServerName:     "orders",
		KeySnapshotMode:   "initial",
	}

	once := RestoreIdentity(cfg, now)
	assert.Equal(t, "abc_slot_restore", once[KeySlotName])
	assert.Equal(t, "orders_20261019", once[KeyServerName])
	assert.Equal(t, "always", once[KeySnapshotMode])
	assert.Equal(t, "abc_slot", cfg[KeySlotName], "input must not be mutated")

	twice := RestoreIdentity(once, now.Add(48*time.Hour))
	assert.Equal(t, once, twice)
}

func TestRestoreIdentity_TopicPrefixAndClasses(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	mysql := RestoreIdentity(map[string]string{
		KeyConnectorClass: ClassMySQLSource,
		KeyTopicPrefix:    "inv",
	}, now)
	assert.Equal(t, "inv_20260102", mysql[KeyTopicPrefix])
	assert.Equal(t, "when_needed", mysql[KeySnapshotMode])

	sink := map[string]string{KeyConnectorClass: ClassDebeziumJDBC, KeyTopics: "a"}
	assert.Equal(t, sink, RestoreIdentity(sink, now))
	assert.False(t, IsCDCSource(ClassDebeziumJDBC))
	assert.True(t, IsCDCSource(ClassPostgresSource))
}

func TestCarryRestoredIdentity(t *testing.T) {
	deployed := map[string]string{
		KeyConnectorClass: ClassPostgresSource,
		KeySlotName:       "abc_slot_r1_restore",
		KeyTopicPrefix:    "orders_r1_20261019",
		KeySnapshotMode:   "always",
	}
	fresh := map[string]string{
		KeyConnectorClass: ClassPostgresSource,
		KeySlotName:       "abc_slot_r1",
		KeyTopicPrefix:    "orders_r1",
	}

	out := CarryRestoredIdentity(fresh, deployed)
	assert.Equal(t, "abc_slot_r1_restore", out[KeySlotName])
	assert.Equal(t, "orders_r1_20261019", out[KeyTopicPrefix])
	assert.NotContains(t, out, KeySnapshotMode, "only identity fields are carried")
	assert.Equal(t, "abc_slot_r1", fresh[KeySlotName], "input must not be mutated")

	edited := map[string]string{
		KeyConnectorClass: ClassPostgresSource,
		KeySlotName:       "abc_slot_r1",
		KeyTopicPrefix:    "inventory_r1",
	}
	out = CarryRestoredIdentity(edited, deployed)
	assert.Equal(t, "inventory_r1", out[KeyTopicPrefix], "an edited prefix wins")
	assert.Equal(t, "abc_slot_r1_restore", out[KeySlotName])

	longer := map[string]string{KeyConnectorClass: ClassPostgresSource, KeyTopicPrefix: "orders"}
	assert.Equal(t, "orders", CarryRestoredIdentity(longer, deployed)[KeyTopicPrefix],
		"a deployed value that is not a restore suffix away is ignored")

	sink := map[string]string{KeyConnectorClass: ClassDebeziumJDBC, KeyTopics: "a"}
	assert.Equal(t, sink, CarryRestoredIdentity(sink, map[string]string{KeyConnectorClass: ClassDebeziumJDBC, KeyTopics: "a_restore"}))
	assert.Equal(t, fresh, CarryRestoredIdentity(fresh, nil))
}

func TestSourcePrefix(t *testing.T) {
	assert.Equal(t, "orders", SourcePrefix(map[string]string{KeyTopicPrefix: "orders", KeyServerName: "srv"}))
	assert.Equal(t, "srv", SourcePrefix(map[string]string{KeyServerName: "srv"}))
	assert.Empty(t, SourcePrefix(map[string]string{}))
}
