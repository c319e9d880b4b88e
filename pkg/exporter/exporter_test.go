package exporter

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/config"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/errors"
)

// mockConnector mirrors the warehouse contract: it records executed SQL and
// answers uploads with the local basename, the way the warehouse reports the
// staged filename back.
type mockConnector struct {
	mu         sync.Mutex
	executed   []string
	uploads    []string
	uploadErr  error
	executeErr error
	closed     bool
}

func (m *mockConnector) Execute(ctx context.Context, query string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executeErr != nil {
		return m.executeErr
	}
	m.executed = append(m.executed, query)
	return nil
}

func (m *mockConnector) Upload(ctx context.Context, localPath, stageLocation string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.uploads = append(m.uploads, stageLocation)
	return filepath.Base(localPath), nil
}

func (m *mockConnector) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

const testInstanceMS = 1500000000000

func newTestExporter(t *testing.T, mutate func(*config.Config)) (*Exporter, *mockConnector) {
	t.Helper()
	cfg := config.New()
	cfg.Account = "account"
	cfg.User = "user"
	cfg.Password = "pass"
	cfg.TablePath = "{something}_{item[myfield]}"
	if mutate != nil {
		mutate(cfg)
	}
	conn := &mockConnector{}
	exp, err := New(cfg, conn)
	require.NoError(t, err)
	exp.instanceMS = testInstanceMS
	return exp, conn
}

func readBuffer(t *testing.T, exp *Exporter, tablePath string) string {
	t.Helper()
	buf := exp.buffers[tablePath]
	require.NotNil(t, buf, "no open buffer for %q", tablePath)
	data, err := os.ReadFile(buf.file.Name())
	require.NoError(t, err)
	return string(data)
}

func TestExporterBasic(t *testing.T) {
	ctx := context.Background()
	exp, conn := newTestExporter(t, nil)

	table, err := exp.Export(ctx, map[string]interface{}{"myfield": 1}, map[string]string{"something": "foo"})
	require.NoError(t, err)
	assert.Equal(t, "foo_1", table)

	table, err = exp.Export(ctx, map[string]interface{}{"myfield": 2}, map[string]string{"something": "bar"})
	require.NoError(t, err)
	assert.Equal(t, "bar_2", table)

	_, err = exp.Export(ctx, map[string]interface{}{"myfield": 2, "x": map[string]interface{}{}}, map[string]string{"something": "bar"})
	require.NoError(t, err)

	require.Len(t, exp.buffers, 2)
	assert.Equal(t, "{\"myfield\":1}\n", readBuffer(t, exp, "foo_1"))
	assert.Equal(t, "{\"myfield\":2}\n{\"myfield\":2,\"x\":{}}\n", readBuffer(t, exp, "bar_2"))

	require.NoError(t, exp.Finish(ctx))
	assert.Empty(t, exp.buffers)

	// FlushAll walks destinations in sorted order, so bar_2 stages first.
	assert.Equal(t, []string{
		"CREATE TABLE IF NOT EXISTS bar_2 (myfield NUMBER, x OBJECT)",
		"CREATE TABLE IF NOT EXISTS foo_1 (myfield NUMBER)",
		"COPY INTO bar_2 (myfield, x) FROM (SELECT $1:myfield, $1:x FROM @~) " +
			"FILE_FORMAT = (TYPE = JSON) FILES = ('bar_2/1500000000000_1.jl')",
		"COPY INTO foo_1 (myfield) FROM (SELECT $1:myfield FROM @~) " +
			"FILE_FORMAT = (TYPE = JSON) FILES = ('foo_1/1500000000000_1.jl')",
	}, conn.executed)
}

func TestExporterThresholdFlush(t *testing.T) {
	ctx := context.Background()
	exp, _ := newTestExporter(t, func(cfg *config.Config) {
		cfg.TablePath = "{t}"
		cfg.MaxFileSize = 1
	})

	for i := 0; i < 2; i++ {
		_, err := exp.Export(ctx, map[string]interface{}{"a": i}, map[string]string{"t": "alpha"})
		require.NoError(t, err)
	}
	_, err := exp.Export(ctx, map[string]interface{}{"a": 0}, map[string]string{"t": "beta"})
	require.NoError(t, err)

	// Every append crosses the one-byte threshold, so each record became
	// its own staged file; sequence numbers are 1-based and independent
	// per destination.
	assert.Equal(t, []string{
		"alpha/1500000000000_1.jl",
		"alpha/1500000000000_2.jl",
	}, exp.staged["alpha"])
	assert.Equal(t, []string{
		"beta/1500000000000_1.jl",
	}, exp.staged["beta"])
	assert.Empty(t, exp.buffers)
}

func TestExporterTriggersOnFlush(t *testing.T) {
	ctx := context.Background()
	exp, conn := newTestExporter(t, func(cfg *config.Config) {
		cfg.TablePath = "tbl"
		cfg.MaxFileSize = 1
		cfg.CreateTablesOn = config.EventFlush
		cfg.PopulateTablesOn = config.EventFlush
		cfg.ClearStageOn = config.EventFlush
	})

	_, err := exp.Export(ctx, map[string]interface{}{"a": 1}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"CREATE TABLE IF NOT EXISTS tbl (a NUMBER)",
		"COPY INTO tbl (a) FROM (SELECT $1:a FROM @~) " +
			"FILE_FORMAT = (TYPE = JSON) FILES = ('tbl/1500000000000_1.jl')",
		"REMOVE @~/tbl/1500000000000_1.jl",
	}, conn.executed)
}

func TestExporterFinishClearsAllStagedFiles(t *testing.T) {
	ctx := context.Background()
	exp, conn := newTestExporter(t, func(cfg *config.Config) {
		cfg.TablePath = "tbl"
		cfg.MaxFileSize = 1
		cfg.CreateTablesOn = config.EventNever
		cfg.PopulateTablesOn = config.EventNever
		cfg.ClearStageOn = config.EventFinish
	})

	for i := 0; i < 2; i++ {
		_, err := exp.Export(ctx, map[string]interface{}{"a": i}, nil)
		require.NoError(t, err)
	}
	require.NoError(t, exp.Finish(ctx))

	assert.Equal(t, []string{
		"REMOVE @~/tbl/1500000000000_1.jl",
		"REMOVE @~/tbl/1500000000000_2.jl",
	}, conn.executed)
}

func TestExporterPredefinedColumns(t *testing.T) {
	ctx := context.Background()
	predefined := map[string][]config.Column{
		"tbl": {{Name: "a", Type: "VARCHAR"}},
	}

	t.Run("ignore unexpected fields", func(t *testing.T) {
		exp, _ := newTestExporter(t, func(cfg *config.Config) {
			cfg.TablePath = "tbl"
			cfg.PredefinedColumnTypes = predefined
		})
		_, err := exp.Export(ctx, map[string]interface{}{"a": 1, "b": 2}, nil)
		require.NoError(t, err)

		cols, err := exp.ResolveColumns("tbl")
		require.NoError(t, err)
		assert.Equal(t, []Column{{Name: "a", Type: "VARCHAR"}}, cols)
	})

	t.Run("keep unexpected fields", func(t *testing.T) {
		exp, _ := newTestExporter(t, func(cfg *config.Config) {
			cfg.TablePath = "tbl"
			cfg.PredefinedColumnTypes = predefined
			cfg.IgnoreUnexpectedFields = false
		})
		_, err := exp.Export(ctx, map[string]interface{}{"a": 1, "b": 2}, nil)
		require.NoError(t, err)

		cols, err := exp.ResolveColumns("tbl")
		require.NoError(t, err)
		assert.Equal(t, []Column{
			{Name: "a", Type: "VARCHAR"},
			{Name: "b", Type: TypeNumber},
		}, cols)
	})
}

func TestExporterVaryingValueTypes(t *testing.T) {
	ctx := context.Background()

	export := func(t *testing.T, exp *Exporter) {
		t.Helper()
		_, err := exp.Export(ctx, map[string]interface{}{"a": true, "b": 1}, nil)
		require.NoError(t, err)
		_, err = exp.Export(ctx, map[string]interface{}{"a": "s", "b": 2}, nil)
		require.NoError(t, err)
	}

	t.Run("conflicting field dropped", func(t *testing.T) {
		exp, _ := newTestExporter(t, func(cfg *config.Config) {
			cfg.TablePath = "tbl"
		})
		export(t, exp)

		cols, err := exp.ResolveColumns("tbl")
		require.NoError(t, err)
		assert.Equal(t, []Column{{Name: "b", Type: TypeNumber}}, cols)
	})

	t.Run("conflicting field becomes variant", func(t *testing.T) {
		exp, _ := newTestExporter(t, func(cfg *config.Config) {
			cfg.TablePath = "tbl"
			cfg.AllowVaryingValueTypes = true
		})
		export(t, exp)

		cols, err := exp.ResolveColumns("tbl")
		require.NoError(t, err)
		assert.Equal(t, []Column{
			{Name: "a", Type: TypeVariant},
			{Name: "b", Type: TypeNumber},
		}, cols)
	})

	t.Run("nothing left resolves to error", func(t *testing.T) {
		exp, _ := newTestExporter(t, func(cfg *config.Config) {
			cfg.TablePath = "tbl"
		})
		_, err := exp.Export(ctx, map[string]interface{}{"a": true}, nil)
		require.NoError(t, err)
		_, err = exp.Export(ctx, map[string]interface{}{"a": "s"}, nil)
		require.NoError(t, err)

		_, err = exp.ResolveColumns("tbl")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeSchema))
	})
}

func TestExporterResolveColumnsDeterministic(t *testing.T) {
	ctx := context.Background()
	exp, _ := newTestExporter(t, func(cfg *config.Config) {
		cfg.TablePath = "tbl"
	})
	_, err := exp.Export(ctx, map[string]interface{}{"z": 1, "a": "s", "m": true}, nil)
	require.NoError(t, err)

	first, err := exp.ResolveColumns("tbl")
	require.NoError(t, err)
	second, err := exp.ResolveColumns("tbl")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []Column{
		{Name: "a", Type: TypeVarchar},
		{Name: "m", Type: TypeBoolean},
		{Name: "z", Type: TypeNumber},
	}, first)
}

func TestExporterUnsupportedValue(t *testing.T) {
	ctx := context.Background()
	exp, _ := newTestExporter(t, func(cfg *config.Config) {
		cfg.TablePath = "tbl"
	})

	_, err := exp.Export(ctx, map[string]interface{}{"a": 1}, nil)
	require.NoError(t, err)

	_, err = exp.Export(ctx, map[string]interface{}{"a": struct{}{}}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	// The failing record never reached the buffer.
	assert.Equal(t, "{\"a\":1}\n", readBuffer(t, exp, "tbl"))
}

func TestExporterFlushWithoutBufferIsNoop(t *testing.T) {
	ctx := context.Background()
	exp, conn := newTestExporter(t, nil)

	require.NoError(t, exp.Flush(ctx, "nope"))
	require.NoError(t, exp.Flush(ctx, "nope"))
	assert.Empty(t, conn.uploads)
	assert.Empty(t, conn.executed)
}

func TestExporterUploadFailureDoesNotRequeue(t *testing.T) {
	ctx := context.Background()
	exp, conn := newTestExporter(t, func(cfg *config.Config) {
		cfg.TablePath = "tbl"
		cfg.MaxFileSize = 1
	})
	conn.uploadErr = assert.AnError

	_, err := exp.Export(ctx, map[string]interface{}{"a": 1}, nil)
	require.Error(t, err)

	// The buffer was released, nothing was staged, and a repeated flush
	// does not resurrect the lost batch.
	assert.Empty(t, exp.buffers)
	assert.Empty(t, exp.staged)
	require.NoError(t, exp.Flush(ctx, "tbl"))
}

func TestExporterGzipCompression(t *testing.T) {
	ctx := context.Background()
	exp, _ := newTestExporter(t, func(cfg *config.Config) {
		cfg.TablePath = "tbl"
		cfg.MaxFileSize = 1
		cfg.Compression = "gzip"
	})

	_, err := exp.Export(ctx, map[string]interface{}{"a": 1}, nil)
	require.NoError(t, err)

	// The staged reference reflects the client-side compressed name.
	assert.Equal(t, []string{"tbl/1500000000000_1.jl.gz"}, exp.staged["tbl"])
}

func TestExporterCloseReleasesBuffers(t *testing.T) {
	ctx := context.Background()
	exp, conn := newTestExporter(t, func(cfg *config.Config) {
		cfg.TablePath = "tbl"
	})

	_, err := exp.Export(ctx, map[string]interface{}{"a": 1}, nil)
	require.NoError(t, err)
	bufName := exp.buffers["tbl"].file.Name()

	require.NoError(t, exp.Close())
	assert.Empty(t, exp.buffers)
	assert.True(t, conn.closed)
	_, err = os.Stat(bufName)
	assert.True(t, os.IsNotExist(err))
}
