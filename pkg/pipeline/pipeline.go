// Package pipeline adapts an ingestion framework to the exporter core. The
// framework feeds records one at a time and eventually signals completion
// with a close reason; only a clean completion triggers the finish actions,
// but buffers are always flushed and the connection always closed.
package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/exporter"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/logger"
)

// ReasonFinished is the close reason of a successful completion.
const ReasonFinished = "finished"

// Pipeline drives an Exporter from a stream of records.
type Pipeline struct {
	exp *exporter.Exporter
	log *zap.Logger
}

// New wraps an exporter.
func New(exp *exporter.Exporter) *Pipeline {
	return &Pipeline{
		exp: exp,
		log: logger.With(zap.String("component", "pipeline")),
	}
}

// Process exports one record with its routing parameters and returns the
// destination table path it was routed to.
func (p *Pipeline) Process(ctx context.Context, record map[string]interface{}, params map[string]string) (string, error) {
	return p.exp.Export(ctx, record, params)
}

// Close ends the session. Open buffers are always flushed; the finish
// actions run only when the session completed cleanly, so an aborted run
// never creates or populates tables from partial data. The connection is
// closed regardless.
func (p *Pipeline) Close(ctx context.Context, reason string) error {
	flushErr := p.exp.FlushAll(ctx)

	var finishErr error
	if reason == ReasonFinished {
		if flushErr == nil {
			finishErr = p.exp.Finish(ctx)
		} else {
			p.log.Warn("skipping finish actions after flush failure", zap.Error(flushErr))
		}
	} else {
		p.log.Info("session did not finish cleanly, skipping finish actions",
			zap.String("reason", reason))
	}

	closeErr := p.exp.Close()

	if flushErr != nil {
		return flushErr
	}
	if finishErr != nil {
		return finishErr
	}
	return closeErr
}
