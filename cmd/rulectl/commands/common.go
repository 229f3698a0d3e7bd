package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/rules/pkg/config"
	"github.com/openfroyo/rules/pkg/engine"
	"github.com/openfroyo/rules/pkg/policy"
	"github.com/openfroyo/rules/pkg/rules"
	"github.com/openfroyo/rules/pkg/telemetry"
)

// telemetryFlags are shared by the commands that run packs.
type telemetryFlags struct {
	metricsAddr   string
	traceExporter string
	traceEndpoint string
}

func newTelemetry(version string, f telemetryFlags) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig().Apply(
		telemetry.WithServiceVersion(version),
		telemetry.WithLogLevel(zerolog.GlobalLevel().String()),
		telemetry.WithMetricsAddress(f.metricsAddr),
		telemetry.WithTraceExporter(f.traceExporter, f.traceEndpoint),
	)
	cfg.Logging.EnableCaller = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if f.metricsAddr != "" {
		if err := tel.StartMetricsServer(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
		log.Info().Str("addr", f.metricsAddr).Msg("Serving metrics")
	}
	return tel, nil
}

func shutdownTelemetry(tel *telemetry.Telemetry) {
	if err := tel.Shutdown(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

// newPolicyEngine loads the pack's policies plus extra paths, and exposes
// dataPath, if set, as Rego data.
func newPolicyEngine(ctx context.Context, pack *config.Pack, extra []string, dataPath string) (*policy.Engine, error) {
	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}

	paths := append(pack.PolicyPaths(), extra...)
	if len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}

	if dataPath != "" {
		data, err := config.LoadDocument(dataPath)
		if err != nil {
			return nil, err
		}
		for _, key := range sortedKeys(data) {
			if err := pe.SetData(ctx, "/"+key, data[key]); err != nil {
				return nil, err
			}
		}
	}
	return pe, nil
}

// loadModel reads the model document and applies key=value overrides.
// Values are parsed as YAML scalars, so --set total=1200 is a number.
func loadModel(path string, sets map[string]string) (*rules.Document, error) {
	data := make(map[string]interface{})
	if path != "" {
		doc, err := config.LoadDocument(path)
		if err != nil {
			return nil, err
		}
		data = doc
	}

	for key, raw := range sets {
		var v interface{}
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		data[key] = v
	}
	return rules.NewDocument(data)
}

// runReport is the JSON form of a run.
type runReport struct {
	Pack    string          `json:"pack"`
	Results engine.Results  `json:"results"`
	Model   *rules.Document `json:"model"`
	Error   string          `json:"error,omitempty"`
}

func printRun(w io.Writer, pack *config.Pack, results engine.Results, model *rules.Document, runErr error) error {
	if jsonOutput {
		report := runReport{Pack: pack.Name, Results: results, Model: model}
		if runErr != nil {
			report.Error = runErr.Error()
		}
		return writeJSON(w, report)
	}

	fmt.Fprintf(w, "Pack %s: %d results\n", pack.Name, len(results))
	printResults(w, results, 1)

	fmt.Fprintln(w, "Model:")
	for _, key := range model.Keys() {
		v, _ := model.Get(key)
		fmt.Fprintf(w, "  %s = %v\n", key, v)
	}
	return nil
}

func printResults(w io.Writer, results engine.Results, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, r := range results {
		if r == nil {
			continue
		}
		line := fmt.Sprintf("%s%s (%s)", indent, r.Name, r.Duration)
		if children := r.Children(); children != nil {
			fmt.Fprintln(w, line)
			printResults(w, children, depth+1)
		} else {
			fmt.Fprintf(w, "%s: %v\n", line, r.Result)
		}
		if r.Error != nil {
			fmt.Fprintf(w, "%s  error: %s\n", indent, r.Error.Error())
		}
	}
}

// printValidation prints pack load errors one per line.
func printValidation(w io.Writer, err error) error {
	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	if jsonOutput {
		if werr := writeJSON(w, verrs); werr != nil {
			return werr
		}
		return err
	}
	for _, v := range verrs {
		fmt.Fprintln(w, v.String())
	}
	return fmt.Errorf("%d validation errors", len(verrs))
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
