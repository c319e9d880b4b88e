// Package exporter implements the buffering, schema-inference and SQL
// generation core of the Snowflake stage export pipeline.
//
// Records are routed to a destination table path by template substitution,
// buffered per destination as newline-delimited JSON, and uploaded to a
// warehouse stage in size-bounded batches. Along the way the exporter records
// the value types observed per field so it can emit CREATE TABLE and COPY
// INTO statements when its configured trigger events fire.
package exporter

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/config"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/connector"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/errors"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/json"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/logger"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/metrics"
)

// Exporter buffers records per destination table and drives table creation,
// population and stage cleanup according to the configured trigger events.
//
// All mutable per-destination state (open buffers, staged file lists, the
// field type record) lives in maps guarded by one mutex; the blocking
// connector calls are made with the flushed buffer already detached so
// unrelated destinations are not stalled.
type Exporter struct {
	cfg  *config.Config
	conn connector.Connector
	log  *zap.Logger

	instanceMS int64

	mu          sync.Mutex
	buffers     map[string]*tableBuffer
	staged      map[string][]string
	stagedOrder []string
	recorded    map[string]*fieldTypeRecord
}

// New validates the configuration and builds an exporter on top of an open
// connector. Configuration errors are fatal and surface here, before any
// record is accepted.
func New(cfg *config.Config, conn connector.Connector) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Exporter{
		cfg:        cfg,
		conn:       conn,
		log:        logger.With(zap.String("component", "exporter")),
		instanceMS: time.Now().UnixMilli(),
		buffers:    make(map[string]*tableBuffer),
		staged:     make(map[string][]string),
		recorded:   make(map[string]*fieldTypeRecord),
	}, nil
}

// Export routes one record to its destination table, appends its serialized
// form to that table's buffer and records its field types. It returns the
// resolved table path. When the append pushes the buffer past the configured
// size threshold the buffer is flushed before returning.
func (e *Exporter) Export(ctx context.Context, record map[string]interface{}, params map[string]string) (string, error) {
	tablePath, err := formatTablePath(e.cfg.TablePath, record, params)
	if err != nil {
		return "", err
	}

	line, err := json.MarshalLine(record)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "failed to serialize record")
	}

	e.mu.Lock()
	rec := e.recorded[tablePath]
	if rec == nil {
		rec = newFieldTypeRecord()
		e.recorded[tablePath] = rec
	}
	if err := rec.record(record); err != nil {
		e.mu.Unlock()
		return "", err
	}

	buf := e.buffers[tablePath]
	if buf == nil {
		e.log.Info("creating buffer", zap.String("table", tablePath))
		buf, err = newTableBuffer()
		if err != nil {
			e.mu.Unlock()
			return "", err
		}
		e.buffers[tablePath] = buf
	}
	if err := buf.append(line); err != nil {
		e.mu.Unlock()
		return "", err
	}
	shouldFlush := buf.size >= e.cfg.MaxFileSize
	e.mu.Unlock()

	metrics.RecordsExported.WithLabelValues(tablePath).Inc()

	if shouldFlush {
		if err := e.Flush(ctx, tablePath); err != nil {
			return tablePath, err
		}
	}
	return tablePath, nil
}

// Flush finalizes the destination's open buffer, uploads it to the stage
// under the next batch sequence number and records the staged file reference
// the warehouse reports. Flushing a destination without an open buffer is a
// no-op. A flushed buffer is released on every exit path and never re-queued.
func (e *Exporter) Flush(ctx context.Context, tablePath string) error {
	e.mu.Lock()
	buf := e.buffers[tablePath]
	if buf == nil {
		e.mu.Unlock()
		return nil
	}
	delete(e.buffers, tablePath)
	batchN := len(e.staged[tablePath]) + 1
	e.mu.Unlock()
	defer buf.release()

	if buf.size == 0 {
		return nil
	}
	if err := buf.finalize(); err != nil {
		return err
	}

	fpath, err := formatStagePath(e.cfg.StagePath, tablePath, e.instanceMS, batchN)
	if err != nil {
		return err
	}

	prefix := ""
	filename := fpath
	if i := strings.LastIndex(fpath, "/"); i >= 0 {
		prefix, filename = fpath[:i], fpath[i+1:]
	}

	e.log.Info("flushing buffer",
		zap.String("table", tablePath),
		zap.String("path", fpath),
		zap.Int("batch", batchN),
		zap.Int64("bytes", buf.size))

	local, cleanup, err := buf.stageLocal(filename, e.cfg.Compression == "gzip")
	if err != nil {
		return err
	}
	defer cleanup()

	location := e.cfg.Stage
	if prefix != "" {
		location += "/" + prefix
	}
	stagedName, err := e.conn.Upload(ctx, local, location)
	if err != nil {
		return err
	}

	ref := stagedName
	if prefix != "" {
		ref = prefix + "/" + stagedName
	}

	e.mu.Lock()
	if _, ok := e.staged[tablePath]; !ok {
		e.stagedOrder = append(e.stagedOrder, tablePath)
	}
	e.staged[tablePath] = append(e.staged[tablePath], ref)
	e.mu.Unlock()

	metrics.BatchesFlushed.WithLabelValues(tablePath).Inc()
	metrics.BytesStaged.WithLabelValues(tablePath).Add(float64(buf.size))

	if e.cfg.CreateTablesOn == config.EventFlush {
		if err := e.CreateTable(ctx, tablePath); err != nil {
			return err
		}
	}
	if e.cfg.PopulateTablesOn == config.EventFlush {
		if err := e.PopulateTable(ctx, tablePath); err != nil {
			return err
		}
	}
	if e.cfg.ClearStageOn == config.EventFlush {
		if err := e.ClearStage(ctx, []string{ref}); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll flushes every destination with an open buffer as one pass over
// the destinations open at the start of the pass.
func (e *Exporter) FlushAll(ctx context.Context) error {
	e.mu.Lock()
	tables := make([]string, 0, len(e.buffers))
	for tablePath := range e.buffers {
		tables = append(tables, tablePath)
	}
	e.mu.Unlock()
	sort.Strings(tables)

	for _, tablePath := range tables {
		if err := e.Flush(ctx, tablePath); err != nil {
			return err
		}
	}
	return nil
}

// ResolveColumns returns the destination's final column set, in declaration
// order. Predefined columns come first; fields recorded during the session
// fill in the rest unless the destination is predefined and unexpected
// fields are ignored. A field observed with several distinct types resolves
// to the catch-all type when varying value types are allowed, and is
// otherwise dropped and reported.
func (e *Exporter) ResolveColumns(tablePath string) ([]Column, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cols := predefinedColumns(e.cfg.PredefinedColumnTypes[tablePath])
	if len(cols) > 0 && e.cfg.IgnoreUnexpectedFields {
		return cols, nil
	}

	covered := make(map[string]bool, len(cols))
	for _, col := range cols {
		covered[col.Name] = true
	}

	if rec := e.recorded[tablePath]; rec != nil {
		for _, name := range rec.order {
			if covered[name] {
				continue
			}
			observed := rec.observed(name)
			switch {
			case len(observed) == 1:
				cols = append(cols, Column{Name: name, Type: observed[0]})
			case e.cfg.AllowVaryingValueTypes:
				cols = append(cols, Column{Name: name, Type: TypeVariant})
			default:
				e.log.Error("skipping field: multiple column types encountered",
					zap.String("table", tablePath),
					zap.String("field", name),
					zap.Any("types", observed))
				metrics.DroppedFields.WithLabelValues(tablePath).Inc()
			}
		}
	}

	if len(cols) == 0 {
		return nil, errors.Newf(errors.ErrorTypeSchema,
			"no valid columns are found for table %q", tablePath)
	}
	return cols, nil
}

// CreateTable creates the destination table from its resolved columns.
func (e *Exporter) CreateTable(ctx context.Context, tablePath string) error {
	cols, err := e.ResolveColumns(tablePath)
	if err != nil {
		return err
	}
	e.log.Info("creating table", zap.String("table", tablePath), zap.Int("columns", len(cols)))
	if err := e.conn.Execute(ctx, CreateTableSQL(tablePath, cols)); err != nil {
		return err
	}
	metrics.TablesCreated.Inc()
	return nil
}

// PopulateTable bulk-loads every file staged for the destination during this
// session into the table.
func (e *Exporter) PopulateTable(ctx context.Context, tablePath string) error {
	cols, err := e.ResolveColumns(tablePath)
	if err != nil {
		return err
	}

	e.mu.Lock()
	files := append([]string(nil), e.staged[tablePath]...)
	e.mu.Unlock()

	e.log.Info("populating table", zap.String("table", tablePath), zap.Int("files", len(files)))
	for _, stmt := range PopulateTableSQL(tablePath, e.cfg.Stage, cols, files) {
		if err := e.conn.Execute(ctx, stmt); err != nil {
			return err
		}
		metrics.CopyStatements.Inc()
	}
	return nil
}

// ClearStage removes the given staged files; a nil list removes every file
// staged during the session.
func (e *Exporter) ClearStage(ctx context.Context, filePaths []string) error {
	all := filePaths == nil
	if all {
		e.mu.Lock()
		for _, tablePath := range e.stagedOrder {
			filePaths = append(filePaths, e.staged[tablePath]...)
		}
		e.mu.Unlock()
	}

	e.log.Info("removing staged files", zap.Int("count", len(filePaths)), zap.Bool("all", all))
	for _, stmt := range RemoveFilesSQL(e.cfg.Stage, filePaths) {
		if err := e.conn.Execute(ctx, stmt); err != nil {
			return err
		}
		metrics.StagedFilesRemoved.Inc()
	}
	return nil
}

// Finish flushes every open buffer, then performs the actions configured to
// fire on finish, once per destination, covering all files staged across the
// whole session. Finish is terminal for the session.
func (e *Exporter) Finish(ctx context.Context) error {
	if err := e.FlushAll(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	tables := append([]string(nil), e.stagedOrder...)
	e.mu.Unlock()

	if e.cfg.CreateTablesOn == config.EventFinish {
		for _, tablePath := range tables {
			if err := e.CreateTable(ctx, tablePath); err != nil {
				return err
			}
		}
	}
	if e.cfg.PopulateTablesOn == config.EventFinish {
		for _, tablePath := range tables {
			if err := e.PopulateTable(ctx, tablePath); err != nil {
				return err
			}
		}
	}
	if e.cfg.ClearStageOn == config.EventFinish {
		if err := e.ClearStage(ctx, nil); err != nil {
			return err
		}
	}
	return nil
}

// Close releases any buffers still open and closes the connector. Records in
// unflushed buffers are discarded; callers flush first if they want them.
func (e *Exporter) Close() error {
	e.mu.Lock()
	for tablePath, buf := range e.buffers {
		if buf.size > 0 {
			e.log.Warn("discarding unflushed buffer",
				zap.String("table", tablePath),
				zap.Int64("bytes", buf.size))
		}
		buf.release()
		delete(e.buffers, tablePath)
	}
	e.mu.Unlock()

	return e.conn.Close()
}
