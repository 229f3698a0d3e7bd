package commands

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/rules/pkg/config"
	"github.com/openfroyo/rules/pkg/policy"
	"github.com/openfroyo/rules/pkg/telemetry"
)

func newWatchCommand(version string) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "watch <pack>",
		Short: "Re-run a rule pack whenever it or its policies change",
		Long: `Run a rule pack, then watch the pack and its policy files and run it
again after every change. Each run starts from a freshly loaded model, so
results are comparable between runs.

A change that leaves the pack invalid is reported and the previous pack is
kept until the next valid change.`,
		Example: `  # Watch a CUE package directory
  rulectl watch ./checkout --model order.yaml

  # Watch with extra policies
  rulectl watch checkout.yaml --policy ./policies`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w := cmd.OutOrStdout()

			tel, err := newTelemetry(version, opts.telemetry)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(tel)

			tel.Events.Subscribe(func(ev telemetry.Event) {
				log.Info().Str("source", ev.Source).Msg(ev.Message)
			}, telemetry.FilterByType(telemetry.EventTypePackReloaded))

			loader := config.NewLoader()
			pack, err := loader.LoadPack(ctx, args[0])
			if err != nil {
				return printValidation(w, err)
			}
			pe, err := newPolicyEngine(ctx, pack, opts.policyPaths, opts.dataPath)
			if err != nil {
				return err
			}

			var mu sync.Mutex
			rerun := func() {
				mu.Lock()
				defer mu.Unlock()
				if err := runOnce(ctx, w, pack, pe, tel, opts); err != nil {
					log.Error().Err(err).Str("pack", pack.Name).Msg("Run failed")
				}
			}
			rerun()

			watcher := config.NewPackWatcher(loader, args[0], tel.Logger, tel.Events)
			defer watcher.Close()
			err = watcher.Watch(ctx, func(next *config.Pack, err error) {
				if err != nil {
					_ = printValidation(w, err)
					return
				}
				mu.Lock()
				pack = next
				mu.Unlock()
				rerun()
			})
			if err != nil {
				return err
			}

			if paths := append(pack.PolicyPaths(), opts.policyPaths...); len(paths) > 0 {
				policyLoader := policy.NewLoader(log.Logger)
				defer policyLoader.StopWatching()
				err := policyLoader.Watch(ctx, paths, func(policies []policy.Policy) error {
					if err := pe.ReplacePolicies(ctx, policies); err != nil {
						return err
					}
					rerun()
					return nil
				})
				if err != nil {
					return err
				}
			}

			log.Info().Str("path", args[0]).Msg("Watching for changes, press Ctrl+C to stop")
			<-ctx.Done()
			return nil
		},
	}

	opts.addFlags(cmd)
	return cmd
}
