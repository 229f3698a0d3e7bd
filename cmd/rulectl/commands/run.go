package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rules/pkg/config"
	"github.com/openfroyo/rules/pkg/engine"
	"github.com/openfroyo/rules/pkg/policy"
	"github.com/openfroyo/rules/pkg/rules"
	"github.com/openfroyo/rules/pkg/telemetry"
)

// runOptions holds the flags shared by run and watch.
type runOptions struct {
	modelPath     string
	sets          map[string]string
	policyPaths   []string
	dataPath      string
	async         bool
	failOnErrors  bool
	scriptTimeout string
	telemetry     telemetryFlags
}

func (o *runOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.modelPath, "model", "m", "", "model document (YAML or JSON)")
	cmd.Flags().StringToStringVar(&o.sets, "set", nil, "model overrides (key=value)")
	cmd.Flags().StringSliceVar(&o.policyPaths, "policy", nil, "extra Rego policy files or directories")
	cmd.Flags().StringVar(&o.dataPath, "data", "", "document exposed to policies as data")
	cmd.Flags().BoolVar(&o.async, "async", false, "run with RunAsync even if the pack does not ask for it")
	cmd.Flags().BoolVar(&o.failOnErrors, "fail-on-rule-errors", false, "exit non-zero when a rule reports an error")
	cmd.Flags().StringVar(&o.scriptTimeout, "script-timeout", "", "default Starlark timeout (e.g. 5s)")
	cmd.Flags().StringVar(&o.telemetry.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&o.telemetry.traceExporter, "trace", "none", "trace exporter (none, stdout, otlp)")
	cmd.Flags().StringVar(&o.telemetry.traceEndpoint, "trace-endpoint", "", "OTLP collector endpoint")
}

func newRunCommand(version string) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <pack>",
		Short: "Run a rule pack against a model",
		Long: `Load a rule pack, build its rules and run them once against a model.

Rules run in order within each sibling group. Rules marked parallel run on
their own goroutines when the pack's engine is async or --async is given.
The updated model and every rule result are printed when the run ends.`,
		Example: `  # Run a pack against a model file
  rulectl run checkout.cue --model order.yaml

  # Override model fields
  rulectl run checkout.yaml --set total=1200 --set tier=gold

  # Run with extra policies and JSON output
  rulectl run checkout.cue --policy ./policies --json

  # Expose metrics and print traces
  rulectl run checkout.cue --metrics-addr :9090 --trace stdout`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tel, err := newTelemetry(version, opts.telemetry)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			pack, err := config.NewLoader().LoadPack(ctx, args[0])
			if err != nil {
				return printValidation(cmd.OutOrStdout(), err)
			}

			pe, err := newPolicyEngine(ctx, pack, opts.policyPaths, opts.dataPath)
			if err != nil {
				return err
			}

			return runOnce(ctx, cmd.OutOrStdout(), pack, pe, tel, opts)
		},
	}

	opts.addFlags(cmd)
	return cmd
}

// runOnce builds pack, runs it against a freshly loaded model and prints
// the outcome.
func runOnce(ctx context.Context, w io.Writer, pack *config.Pack, pe *policy.Engine, tel *telemetry.Telemetry, opts *runOptions) error {
	if opts.async {
		pack.Engine.Async = true
	}

	model, err := loadModel(opts.modelPath, opts.sets)
	if err != nil {
		return err
	}

	builderOpts := []rules.BuilderOption{
		rules.WithPolicies(pe),
		rules.WithBuilderLogger(tel.Logger),
	}
	if opts.scriptTimeout != "" {
		timeout, err := time.ParseDuration(opts.scriptTimeout)
		if err != nil {
			return fmt.Errorf("invalid script timeout: %w", err)
		}
		builderOpts = append(builderOpts, rules.WithEvaluator(config.NewStarlarkEvaluator(timeout)))
	}

	e, err := rules.NewBuilder(builderOpts...).NewEngine(pack, model, engine.WithTelemetry(tel))
	if err != nil {
		return printValidation(w, err)
	}

	log.Debug().
		Str("pack", pack.Name).
		Int("rules", pack.CountRules()).
		Bool("async", pack.Engine.Async).
		Msg("Running pack")

	results, runErr := rules.Run(ctx, e, pack)
	if err := printRun(w, pack, results, model, runErr); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}

	if failed := results.CollectErrors(); opts.failOnErrors && len(failed) > 0 {
		return fmt.Errorf("%d rules reported errors", len(failed))
	}
	return nil
}
