package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rules/pkg/config"
	"github.com/openfroyo/rules/pkg/policy"
	"github.com/openfroyo/rules/pkg/rules"
)

// validationReport is the JSON form of validate's output.
type validationReport struct {
	Pack     string                   `json:"pack"`
	Rules    int                      `json:"rules"`
	Valid    bool                     `json:"valid"`
	Policies []string                 `json:"policies"`
	Findings []policy.PolicyViolation `json:"findings,omitempty"`
	Warnings []policy.PolicyViolation `json:"warnings,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		strict      bool
		schema      string
		schemaDef   string
		policyPaths []string
	)

	cmd := &cobra.Command{
		Use:   "validate <pack>",
		Short: "Validate a rule pack",
		Long: `Validate a rule pack without running it.

This command checks:
  - CUE syntax and the rule pack schema
  - Field constraints (names, order, parallel, timeouts)
  - Starlark scripts and conditions compile
  - Lint policies (built-in and custom Rego)`,
		Example: `  # Validate a pack
  rulectl validate checkout.cue

  # Treat lint warnings as errors
  rulectl validate --strict checkout.yaml

  # Validate against an extra CUE definition and custom lint policies
  rulectl validate --schema team.cue --schema-def '#TeamPack' --policy ./lint checkout.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()

			log.Debug().
				Str("path", args[0]).
				Bool("strict", strict).
				Str("schema", schema).
				Msg("Validating pack")

			loader := config.NewLoader()
			pack, err := loader.LoadPack(ctx, args[0])
			if err != nil {
				return printValidation(w, err)
			}

			if schema != "" {
				if err := validateCustomSchema(ctx, loader, pack, schema, schemaDef); err != nil {
					return err
				}
			}

			pe, err := newPolicyEngine(ctx, pack, policyPaths, "")
			if err != nil {
				return err
			}
			if _, err := rules.NewBuilder(rules.WithPolicies(pe)).Build(pack); err != nil {
				return printValidation(w, err)
			}

			lint, err := pe.EvaluatePack(ctx, policy.PackInput(pack))
			if err != nil {
				return err
			}
			return printLint(w, pack, lint, strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat lint warnings as errors")
	cmd.Flags().StringVar(&schema, "schema", "", "extra CUE schema file the pack must satisfy")
	cmd.Flags().StringVar(&schemaDef, "schema-def", "", "definition within --schema to use (e.g. #TeamPack)")
	cmd.Flags().StringSliceVar(&policyPaths, "policy", nil, "extra lint policy files or directories")

	return cmd
}

func validateCustomSchema(ctx context.Context, loader *config.Loader, pack *config.Pack, path, def string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	registry := loader.Parser().GetSchemaRegistry()
	if err := registry.RegisterSchema("custom", string(src), def); err != nil {
		return err
	}
	if err := registry.ValidateAgainstSchema(ctx, "custom", pack); err != nil {
		return fmt.Errorf("pack %s does not satisfy %s: %w", pack.Name, path, err)
	}
	return nil
}

func printLint(w io.Writer, pack *config.Pack, lint *policy.PolicyResult, strict bool) error {
	valid := lint.Allowed
	if strict {
		for _, v := range lint.Warnings {
			if v.Severity != policy.SeverityInfo {
				valid = false
			}
		}
	}

	if jsonOutput {
		report := validationReport{
			Pack:     pack.Name,
			Rules:    pack.CountRules(),
			Valid:    valid,
			Policies: lint.EvaluatedPolicies,
			Findings: lint.Violations,
			Warnings: lint.Warnings,
		}
		if err := writeJSON(w, report); err != nil {
			return err
		}
	} else {
		for _, v := range lint.Violations {
			fmt.Fprintf(w, "%s: %s [%s] %s\n", v.Severity, v.Rule, v.Policy, v.Message)
		}
		for _, v := range lint.Warnings {
			fmt.Fprintf(w, "%s: %s [%s] %s\n", v.Severity, v.Rule, v.Policy, v.Message)
		}
		if valid {
			fmt.Fprintf(w, "Pack %s is valid (%d rules, %d policies)\n",
				pack.Name, pack.CountRules(), len(lint.EvaluatedPolicies))
		}
	}

	if !valid {
		return fmt.Errorf("pack %s failed validation with %d findings and %d warnings",
			pack.Name, len(lint.Violations), len(lint.Warnings))
	}
	return nil
}
