package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/config"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/connector"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/exporter"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/json"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/logger"
	"github.com/scrapy-plugins/snowflake-stage-exporter/pkg/pipeline"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "snowflake-export",
		Short: "Buffer newline-delimited JSON records and export them into Snowflake tables",
		Long: `snowflake-export reads newline-delimited JSON records, batches them per
destination table, uploads the batches to a Snowflake stage and emits the SQL
that creates and populates the destination tables.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("snowflake-export v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile, inputFile, jobKey, logLevel string
	var params []string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run an export from a JSONL input",
		Long: `Run an export: every line of the input is one JSON record. Records are
routed to destination tables via the configured table_path template; routing
parameters referenced by the template are supplied with --param.

Example:
  snowflake-export run --config export.yaml --input records.jl --param source=crawler`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(configFile, inputFile, jobKey, logLevel, params)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "exporter configuration file (YAML)")
	runCmd.Flags().StringVarP(&inputFile, "input", "i", "-", "JSONL input file, - for stdin")
	runCmd.Flags().StringVar(&jobKey, "job", os.Getenv("EXPORT_JOB_KEY"), "job key scoping staged file paths")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "override configured log level")
	runCmd.Flags().StringArrayVar(&params, "param", nil, "routing parameter key=value (repeatable)")
	_ = runCmd.MarkFlagRequired("config")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runExport(configFile, inputFile, jobKey, logLevel string, rawParams []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if jobKey == "" {
		jobKey = "local"
	}
	cfg.ApplyJobKey(jobKey)
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Encoding: "json"}); err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	params, err := parseParams(rawParams)
	if err != nil {
		return err
	}

	in, closeIn, err := openInput(inputFile)
	if err != nil {
		return err
	}
	defer closeIn()

	ctx := context.Background()

	conn, err := connector.NewSnowflake(ctx, cfg)
	if err != nil {
		return err
	}

	exp, err := exporter.New(cfg, conn)
	if err != nil {
		conn.Close() //nolint:errcheck
		return err
	}

	p := pipeline.New(exp)

	reason := pipeline.ReasonFinished
	var runErr error

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var record map[string]interface{}
		dec := json.NewDecoder(strings.NewReader(line))
		if err := dec.Decode(&record); err != nil {
			runErr = fmt.Errorf("line %d: invalid record: %w", lineNo, err)
			break
		}

		if _, err := p.Process(ctx, record, params); err != nil {
			runErr = fmt.Errorf("line %d: %w", lineNo, err)
			break
		}
	}
	if runErr == nil {
		runErr = scanner.Err()
	}
	if runErr != nil {
		reason = "aborted"
		logger.Error("export aborted", zap.Error(runErr))
	}

	if err := p.Close(ctx, reason); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			logger.Error("close failed", zap.Error(err))
		}
	}

	logger.Info("export done", zap.Int("lines", lineNo), zap.String("reason", reason))
	return runErr
}

func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, expected key=value", kv)
		}
		params[k] = v
	}
	return params, nil
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
