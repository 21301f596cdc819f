package normalize

import (
	"github.com/withobsrvr/connectctl/internal/model"
)

// Known connector classes
const (
	ClassPostgresSource  = "io.debezium.connector.postgresql.PostgresConnector"
	ClassMySQLSource     = "io.debezium.connector.mysql.MySqlConnector"
	ClassDebeziumJDBC    = "io.debezium.connector.jdbc.JdbcSinkConnector"
	ClassConfluentJDBC   = "io.confluent.connect.jdbc.JdbcSinkConnector"
	mysqlServerVersion   = "8.0.33"
	keyMySQLVersion      = "database.server.version"
	keySchemaIncludeList = "schema.include.list"
)

const (
	familyPostgres = "postgres"
	familyMySQL    = "mysql"
)

// classRule is the correction behavior for one connector class
type classRule interface {
	// family keys the in-cluster host used for loopback rewrites; "" disables them
	family() string
	correct(cfg map[string]string, req Request) error
	// resyncSnapshotMode is the snapshot mode that forces a full re-capture,
	// or "" for classes that do not capture changes
	resyncSnapshotMode() string
}

type postgresSource struct{}

func (postgresSource) family() string { return familyPostgres }

func (postgresSource) correct(cfg map[string]string, req Request) error {
	if req.Kind != model.ConnectorSource {
		return nil
	}
	if _, ok := cfg[KeyPluginName]; !ok {
		cfg[KeyPluginName] = "pgoutput"
	}
	if slot := cfg[KeySlotName]; slot == "" {
		cfg[KeySlotName] = req.PipelineName + "_slot"
	}
	return nil
}

func (postgresSource) resyncSnapshotMode() string { return "always" }

type mysqlSource struct{}

func (mysqlSource) family() string { return familyMySQL }

// correct pins the engine version because server version detection fails
// against some managed MySQL offerings, and drops the schema filter MySQL
// connectors reject.
func (mysqlSource) correct(cfg map[string]string, req Request) error {
	if req.Kind != model.ConnectorSource {
		return nil
	}
	cfg[keyMySQLVersion] = mysqlServerVersion
	delete(cfg, keySchemaIncludeList)
	return nil
}

func (mysqlSource) resyncSnapshotMode() string { return "when_needed" }

type jdbcSink struct{}

func (jdbcSink) family() string { return "" }

func (jdbcSink) correct(cfg map[string]string, req Request) error {
	if cfg[KeyConnectionURL] == "" {
		return &Error{Connector: req.ConnectorName, Field: KeyConnectionURL, Reason: "required for JDBC sinks"}
	}
	return nil
}

func (jdbcSink) resyncSnapshotMode() string { return "" }

// passThrough applies only the forced overrides
type passThrough struct{}

func (passThrough) family() string { return "" }

func (passThrough) correct(map[string]string, Request) error { return nil }

func (passThrough) resyncSnapshotMode() string { return "" }

func ruleFor(class string) classRule {
	switch class {
	case ClassPostgresSource:
		return postgresSource{}
	case ClassMySQLSource:
		return mysqlSource{}
	case ClassDebeziumJDBC, ClassConfluentJDBC:
		return jdbcSink{}
	}
	return passThrough{}
}

// IsCDCSource reports whether class captures database changes
func IsCDCSource(class string) bool {
	return ruleFor(class).resyncSnapshotMode() != ""
}
