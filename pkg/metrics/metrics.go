// Package metrics provides Prometheus metrics for the stage exporter.
//
// Counters cover the exporter lifecycle: records buffered, batches flushed
// to the stage, bytes staged, and the SQL side effects (tables created,
// COPY statements, staged files removed).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsExported counts records accepted into per-table buffers.
	RecordsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_exporter_records_total",
		Help: "Total records routed into table buffers",
	}, []string{"table"})

	// BatchesFlushed counts finalized batches uploaded to the stage.
	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_exporter_batches_flushed_total",
		Help: "Total buffer flushes resulting in a staged file",
	}, []string{"table"})

	// BytesStaged counts bytes handed to the stage uploader.
	BytesStaged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_exporter_bytes_staged_total",
		Help: "Total serialized bytes uploaded to the stage",
	}, []string{"table"})

	// TablesCreated counts CREATE TABLE statements executed.
	TablesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stage_exporter_tables_created_total",
		Help: "Total CREATE TABLE statements executed",
	})

	// CopyStatements counts COPY INTO statements executed.
	CopyStatements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stage_exporter_copy_statements_total",
		Help: "Total COPY INTO statements executed",
	})

	// StagedFilesRemoved counts staged files removed during cleanup.
	StagedFilesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stage_exporter_staged_files_removed_total",
		Help: "Total staged files removed",
	})

	// DroppedFields counts fields dropped due to conflicting value types.
	DroppedFields = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_exporter_dropped_fields_total",
		Help: "Fields dropped from resolved columns due to type conflicts",
	}, []string{"table"})
)
