// Package config provides the configuration surface of the stage exporter.
//
// A single Config structure covers the warehouse connection, the routing
// templates, batching limits, column typing overrides and the lifecycle
// trigger events. Validate catches invalid configuration eagerly, before any
// record is accepted.
package config

import (
	"strings"

	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/errors"
)

// Event selects when a lifecycle action fires.
type Event string

const (
	// EventFlush fires the action on every buffer flush
	EventFlush Event = "flush"
	// EventFinish fires the action once, when the export finishes
	EventFinish Event = "finish"
	// EventNever disables the action
	EventNever Event = "never"
)

// DefaultStagePath is the staged-file path template used when none is set.
const DefaultStagePath = "{table_path}/{instance_ms}_{batch_n}.jl"

// Column is one predefined column: identifier plus warehouse type.
// Predefined columns are an ordered list so generated DDL is deterministic.
type Column struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

// Config is the full exporter configuration.
type Config struct {
	// Connection settings
	Account   string `yaml:"account" json:"account"`
	User      string `yaml:"user" json:"user"`
	Password  string `yaml:"password" json:"password"`
	Database  string `yaml:"database" json:"database"`
	Schema    string `yaml:"schema" json:"schema"`
	Warehouse string `yaml:"warehouse" json:"warehouse"`
	Role      string `yaml:"role" json:"role"`

	// ConnectionParams are extra DSN query parameters.
	ConnectionParams map[string]string `yaml:"connection_params" json:"connection_params"`

	// TablePath is the destination table template. It supports {param}
	// placeholders resolved from routing parameters and {item[field]}
	// placeholders resolved from the record itself.
	TablePath string `yaml:"table_path" json:"table_path"`

	// Stage is the stage files are uploaded to. It must begin with "@"
	// and contain no path elements.
	Stage string `yaml:"stage" json:"stage"`

	// StagePath is the staged-file path template, supporting {table_path},
	// {instance_ms} and {batch_n} placeholders.
	StagePath string `yaml:"stage_path" json:"stage_path"`

	// MaxFileSize is the buffer byte threshold that triggers a flush.
	MaxFileSize int64 `yaml:"max_file_size" json:"max_file_size"`

	// PredefinedColumnTypes overrides inferred typing per table path.
	PredefinedColumnTypes map[string][]Column `yaml:"predefined_column_types" json:"predefined_column_types"`

	// IgnoreUnexpectedFields drops incoming fields not covered by the
	// predefined columns of a table that has them.
	IgnoreUnexpectedFields bool `yaml:"ignore_unexpected_fields" json:"ignore_unexpected_fields"`

	// AllowVaryingValueTypes types fields observed with several distinct
	// value types as the catch-all VARIANT instead of dropping them.
	AllowVaryingValueTypes bool `yaml:"allow_varying_value_types" json:"allow_varying_value_types"`

	// Trigger events
	CreateTablesOn   Event `yaml:"create_tables_on" json:"create_tables_on"`
	PopulateTablesOn Event `yaml:"populate_tables_on" json:"populate_tables_on"`
	ClearStageOn     Event `yaml:"clear_stage_on" json:"clear_stage_on"`

	// Compression selects client-side batch compression: "none" or "gzip".
	// With "none" the warehouse is left to auto-compress on upload.
	Compression string `yaml:"compression" json:"compression"`

	// LogLevel sets the logger level for the export run.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// New returns a Config populated with defaults. Callers set credentials and
// the table path, then call Validate.
func New() *Config {
	return &Config{
		Stage:                  "@~",
		StagePath:              DefaultStagePath,
		MaxFileSize:            1 << 30,
		IgnoreUnexpectedFields: true,
		AllowVaryingValueTypes: false,
		CreateTablesOn:         EventFinish,
		PopulateTablesOn:       EventFinish,
		ClearStageOn:           EventNever,
		Compression:            "none",
		LogLevel:               "info",
	}
}

// ApplyJobKey scopes the default stage path template under a job key, so
// concurrent export runs do not collide in the stage. It is a no-op when the
// stage path was set explicitly.
func (c *Config) ApplyJobKey(job string) {
	if job != "" && c.StagePath == DefaultStagePath {
		c.StagePath = "{table_path}/" + job + "/{instance_ms}_{batch_n}.jl"
	}
}

// Validate checks the configuration. Errors here are fatal and never retried.
func (c *Config) Validate() error {
	if c.Account == "" || c.User == "" || c.Password == "" {
		return errors.New(errors.ErrorTypeConfig, "account, user and password are required")
	}
	if c.TablePath == "" {
		return errors.New(errors.ErrorTypeConfig, "table_path is required")
	}
	if c.StagePath == "" {
		return errors.New(errors.ErrorTypeConfig, "stage_path is required")
	}
	if c.MaxFileSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "max_file_size must be positive")
	}

	for name, ev := range map[string]Event{
		"create_tables_on":   c.CreateTablesOn,
		"populate_tables_on": c.PopulateTablesOn,
		"clear_stage_on":     c.ClearStageOn,
	} {
		switch ev {
		case EventFlush, EventFinish, EventNever:
		default:
			return errors.Newf(errors.ErrorTypeConfig,
				"unexpected value %q for %q, expected one of [flush finish never]", ev, name)
		}
	}

	if !strings.HasPrefix(c.Stage, "@") || strings.Contains(c.Stage, "/") {
		return errors.New(errors.ErrorTypeConfig, `"stage" must begin with @ and have no path elements`)
	}

	for table, cols := range c.PredefinedColumnTypes {
		if len(cols) == 0 {
			return errors.Newf(errors.ErrorTypeConfig,
				"values of 'predefined_column_types' can't be empty (table %q)", table)
		}
		for _, col := range cols {
			if col.Name == "" || col.Type == "" {
				return errors.Newf(errors.ErrorTypeConfig,
					"predefined column of table %q is missing a name or type", table)
			}
		}
	}

	switch c.Compression {
	case "", "none", "gzip":
	default:
		return errors.Newf(errors.ErrorTypeConfig,
			"unexpected compression %q, expected one of [none gzip]", c.Compression)
	}

	return nil
}
