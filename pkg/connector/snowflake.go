package connector

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/config"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/errors"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/logger"

	// Snowflake driver
	_ "github.com/snowflakedb/gosnowflake"
)

// SnowflakeConnector talks to Snowflake through database/sql with the
// gosnowflake driver.
type SnowflakeConnector struct {
	db           *sql.DB
	log          *zap.Logger
	autoCompress bool
}

// NewSnowflake opens a Snowflake connection from the exporter configuration
// and verifies it with a ping.
func NewSnowflake(ctx context.Context, cfg *config.Config) (*SnowflakeConnector, error) {
	dsn := buildDSN(cfg)

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open snowflake connection")
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to ping snowflake")
	}

	return &SnowflakeConnector{
		db:  db,
		log: logger.With(zap.String("component", "snowflake")),
		// When batches are compressed client-side the .gz name is already
		// ours; otherwise the warehouse compresses (and renames) on PUT.
		autoCompress: cfg.Compression != "gzip",
	}, nil
}

// buildDSN assembles username:password@account/database/schema?params.
func buildDSN(cfg *config.Config) string {
	var b strings.Builder
	b.WriteString(cfg.User)
	b.WriteString(":")
	b.WriteString(cfg.Password)
	b.WriteString("@")
	b.WriteString(cfg.Account)
	if cfg.Database != "" {
		b.WriteString("/")
		b.WriteString(cfg.Database)
		if cfg.Schema != "" {
			b.WriteString("/")
			b.WriteString(cfg.Schema)
		}
	}

	params := []string{}
	if cfg.Warehouse != "" {
		params = append(params, "warehouse="+cfg.Warehouse)
	}
	if cfg.Role != "" {
		params = append(params, "role="+cfg.Role)
	}
	extra := make([]string, 0, len(cfg.ConnectionParams))
	for k, v := range cfg.ConnectionParams {
		extra = append(extra, k+"="+v)
	}
	sort.Strings(extra)
	params = append(params, extra...)
	params = append(params, "ocspFailOpen=true")

	b.WriteString("?")
	b.WriteString(strings.Join(params, "&"))
	return b.String()
}

// Execute runs a SQL statement.
func (c *SnowflakeConnector) Execute(ctx context.Context, query string) error {
	c.log.Debug("executing statement", zap.String("sql", query))
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "failed to execute SQL")
	}
	return nil
}

// Upload PUTs a local file to the stage location and returns the staged
// filename reported by the warehouse. The staged name is read back from the
// PUT result row because the warehouse may rename the file, for example by
// appending a compression suffix.
func (c *SnowflakeConnector) Upload(ctx context.Context, localPath, stageLocation string) (string, error) {
	putSQL := fmt.Sprintf("PUT 'file://%s' '%s' AUTO_COMPRESS = %t",
		localPath, stageLocation, c.autoCompress)

	rows, err := c.db.QueryContext(ctx, putSQL)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to upload file to stage")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to read PUT result")
		}
		return "", errors.New(errors.ErrorTypeConnection, "PUT returned no result row")
	}

	// PUT result columns: source, target, source_size, target_size,
	// source_compression, target_compression, status, message.
	var (
		source, target         string
		sourceSize, targetSize int64
		sourceComp, targetComp string
		status, message        string
	)
	if err := rows.Scan(&source, &target, &sourceSize, &targetSize,
		&sourceComp, &targetComp, &status, &message); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeConnection, "failed to scan PUT result")
	}

	c.log.Debug("uploaded file to stage",
		zap.String("source", source),
		zap.String("target", target),
		zap.Int64("target_size", targetSize),
		zap.String("status", status))

	return target, nil
}

// Close closes the underlying connection pool.
func (c *SnowflakeConnector) Close() error {
	return c.db.Close()
}
