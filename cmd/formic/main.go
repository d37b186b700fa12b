package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jhagel/formic/engine"
	"github.com/jhagel/formic/internal/logging"
	"github.com/jhagel/formic/internal/reload"
	"github.com/jhagel/formic/schema"
	"github.com/jhagel/formic/telemetry"
)

func main() {
	schemaPath := flag.String("schema", "schema.yaml", "Path to the form schema (YAML, JSON or CUE)")
	valuesPath := flag.String("values", "", "Path to a JSON file with current form values")
	check := flag.Bool("check", false, "Validate the schema, print a calculation report and exit")
	watch := flag.Bool("watch", false, "Re-evaluate whenever a schema source file changes")
	metricsListen := flag.String("metrics-listen", "", "Expose Prometheus metrics on this address (watch mode)")
	logLevel := flag.String("log-level", "info", "Log level")
	logFormat := flag.String("log-format", "text", "Log format (text or json)")
	lokiURL := flag.String("loki-url", "", "Forward logs to this Loki endpoint")
	flag.Parse()

	logger, cleanup, err := logging.Setup(logging.Config{
		Level:  *logLevel,
		Format: *logFormat,
		Loki:   logging.LokiConfig{Enabled: *lokiURL != "", URL: *lokiURL},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	cfg, err := schema.Load(*schemaPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load schema")
	}

	if *check {
		os.Exit(executeCheck(cfg, logger))
	}

	values, err := loadValues(*valuesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load values")
	}

	if *watch {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if err := runWatch(ctx, *schemaPath, *valuesPath, *metricsListen, cfg, values, logger); err != nil && err != context.Canceled {
			logger.Fatal().Err(err).Msg("watch stopped")
		}
		return
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build engine")
	}
	if err := printResult(cfg.Name, eng.Recompute(values)); err != nil {
		logger.Fatal().Err(err).Msg("failed to render result")
	}
}

func loadValues(path string) (engine.Values, error) {
	if path == "" {
		return engine.Values{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read values %s: %w", path, err)
	}
	values := engine.Values{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("unmarshal values %s: %w", path, err)
	}
	return values, nil
}

func executeCheck(cfg *schema.Schema, logger zerolog.Logger) int {
	reports, err := engine.AnalyzeCalculations(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "schema invalid: %v\n", err)
		return 1
	}

	exitCode := 0
	if err := engine.Validate(cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "schema invalid: %v\n", err)
		exitCode = 1
	}

	if len(reports) == 0 {
		fmt.Println("No calculations configured.")
	}
	for _, report := range reports {
		fmt.Printf("Calculation %q\n", report.Target)
		if report.TargetWidget != "" {
			fmt.Printf("  Widget: %s\n", report.TargetWidget)
		}
		printFormula(report.Formula)
		printDependencies(report.Dependencies)
		if len(report.Errors) > 0 {
			exitCode = 1
			fmt.Println("  Errors:")
			for _, msg := range report.Errors {
				fmt.Printf("    - %s\n", msg)
			}
		} else {
			fmt.Println("  Status: OK")
		}
		fmt.Println()
	}

	if exitCode == 0 {
		fmt.Println("Schema check completed successfully.")
	} else {
		fmt.Println("Schema check completed with errors.")
	}
	return exitCode
}

func printFormula(formula string) {
	fmt.Println("  Formula:")
	if formula == "" {
		fmt.Println("    <empty>")
		return
	}
	for _, line := range strings.Split(formula, "\n") {
		fmt.Printf("    %s\n", strings.TrimRight(line, " \t"))
	}
}

func printDependencies(deps []engine.DependencyReport) {
	fmt.Println("  Dependencies:")
	if len(deps) == 0 {
		fmt.Println("    <none>")
		return
	}
	for _, dep := range deps {
		notes := make([]string, 0, 2)
		if dep.Calculated {
			notes = append(notes, "calculated")
		}
		if !dep.Resolved {
			notes = append(notes, "unresolved")
		}
		fmt.Printf("    - %s as %s", dep.Path, dep.Binding)
		if len(notes) > 0 {
			fmt.Printf(" [%s]", strings.Join(notes, ", "))
		}
		fmt.Println()
	}
}

func runWatch(ctx context.Context, schemaPath, valuesPath, metricsListen string, cfg *schema.Schema, values engine.Values, logger zerolog.Logger) error {
	var opts []engine.Option
	if metricsListen != "" {
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return fmt.Errorf("create telemetry collector: %w", err)
		}
		opts = append(opts, engine.WithTelemetry(collector))
		go serveMetrics(metricsListen, logger)
	}

	eng, err := engine.New(cfg, logger, opts...)
	if err != nil {
		return err
	}
	if err := printResult(cfg.Name, eng.Recompute(values)); err != nil {
		return err
	}

	watcher, err := reload.NewWatcher(schemaPath, cfg)
	if err != nil {
		return fmt.Errorf("create schema watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			changes, err := watcher.Check()
			if err != nil {
				logger.Error().Err(err).Msg("failed to check schema changes")
				continue
			}
			if len(changes) == 0 {
				continue
			}
			newCfg, err := schema.Load(schemaPath)
			if err != nil {
				logger.Error().Err(err).Msg("failed to reload schema")
				continue
			}
			newEngine, err := engine.New(newCfg, logger, opts...)
			if err != nil {
				logger.Error().Err(err).Msg("reloaded schema invalid")
				continue
			}
			if err := watcher.Update(schemaPath, newCfg); err != nil {
				logger.Error().Err(err).Msg("failed to update watcher state")
			}
			newValues, err := loadValues(valuesPath)
			if err != nil {
				logger.Error().Err(err).Msg("failed to reload values")
				newValues = values
			}
			cfg = newCfg
			eng = newEngine
			values = newValues
			logger.Info().Strs("files", changes).Msg("schema reloaded")
			if err := printResult(cfg.Name, eng.Recompute(values)); err != nil {
				logger.Error().Err(err).Msg("failed to render result")
			}
		}
	}
}

func serveMetrics(listen string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

type computedOutput struct {
	Value         interface{}      `json:"value,omitempty"`
	Indeterminate bool             `json:"indeterminate,omitempty"`
	Diagnosis     *diagnosisOutput `json:"diagnosis,omitempty"`
}

type diagnosisOutput struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type flagsOutput struct {
	Visible  bool `json:"visible"`
	Required bool `json:"required"`
	ReadOnly bool `json:"readOnly"`
}

type resultOutput struct {
	Schema   string                    `json:"schema,omitempty"`
	Flags    map[string]flagsOutput    `json:"flags"`
	Computed map[string]computedOutput `json:"computed"`
}

func printResult(name string, result *engine.Result) error {
	out := resultOutput{
		Schema:   name,
		Flags:    make(map[string]flagsOutput, len(result.Flags)),
		Computed: make(map[string]computedOutput, len(result.Computed)),
	}
	for path, flags := range result.Flags {
		out.Flags[path] = flagsOutput{Visible: flags.Visible, Required: flags.Required, ReadOnly: flags.ReadOnly}
	}
	for path, computed := range result.Computed {
		entry := computedOutput{Value: computed.Value, Indeterminate: !computed.Valid}
		if computed.Diagnosis != nil {
			entry.Diagnosis = &diagnosisOutput{Code: computed.Diagnosis.Code, Message: computed.Diagnosis.Message}
		}
		out.Computed[path] = entry
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
