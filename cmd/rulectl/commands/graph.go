package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/rules/pkg/config"
	"github.com/openfroyo/rules/pkg/engine"
	"github.com/openfroyo/rules/pkg/rules"
)

func newGraphCommand() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <pack>",
		Short: "Print the rule forest of a pack",
		Long: `Print the rules of a pack in execution order, as a Graphviz DOT graph
or as JSON. Skipped rules are grey, terminating rules red and parallel rules
blue; dashed edges lead to rules that run on the parallel lane.`,
		Example: `  # Render a pack with Graphviz
  rulectl graph checkout.cue | dot -Tsvg > checkout.svg

  # Describe the forest as JSON
  rulectl graph checkout.cue --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			pack, err := config.NewLoader().LoadPack(ctx, args[0])
			if err != nil {
				return printValidation(cmd.OutOrStdout(), err)
			}
			pe, err := newPolicyEngine(ctx, pack, nil, "")
			if err != nil {
				return err
			}

			roots, err := rules.NewBuilder(rules.WithPolicies(pe)).Build(pack)
			if err != nil {
				return printValidation(cmd.OutOrStdout(), err)
			}
			nodes, err := engine.Describe(roots)
			if err != nil {
				return err
			}

			if jsonOutput {
				format = "json"
			}
			switch format {
			case "dot":
				_, err = fmt.Fprint(cmd.OutOrStdout(), engine.ToDOT(nodes))
				return err
			case "json":
				return writeJSON(cmd.OutOrStdout(), nodes)
			default:
				return fmt.Errorf("unsupported format %q (must be dot or json)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "dot", "output format (dot, json)")
	return cmd
}
