package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/pgtelemetry/internal/emitter"
	"github.com/ethpandaops/pgtelemetry/internal/pipeline"
)

func emitCmd() *cobra.Command {
	var (
		name   string
		value  float64
		labels string
		span   bool
	)

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Record one counter increment or span and flush it",
		Long: `emit builds an export pipeline from the config file, records a single
counter increment (or span with --span), and shuts the pipeline down so the
data is flushed before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := setup()
			if err != nil {
				return err
			}

			var raw json.RawMessage
			if cmd.Flags().Changed("labels") {
				raw = json.RawMessage(labels)
			}

			parsed, err := emitter.ParseLabels(raw)
			if err != nil {
				return err
			}

			factory := pipeline.NewFactory(log, cfg.FactoryConfig(), nil)
			manager := pipeline.NewManager(log, factory, nil)
			em := emitter.New(log, manager, nil, true)

			ctx := emitter.WithSource(cmd.Context(), emitter.SourceCLI)

			if err := manager.Init(ctx, cfg.Settings().Params()); err != nil {
				return fmt.Errorf("initializing export pipeline: %w", err)
			}

			if span {
				err = em.Span(ctx, name, parsed)
			} else {
				err = em.Counter(ctx, name, value, parsed)
			}

			if cerr := manager.Cleanup(ctx); cerr != nil {
				log.WithError(cerr).Error("Failed to flush export pipeline")

				if err == nil {
					err = cerr
				}
			}

			if err != nil {
				return fmt.Errorf("emitting %q: %w", name, err)
			}

			log.WithField("name", name).Info("Emitted")

			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "counter or span name (required)")
	cmd.Flags().Float64Var(&value, "value", 1, "counter increment")
	cmd.Flags().StringVar(&labels, "labels", "", `labels as a JSON object, e.g. '{"relname":"users"}'`)
	cmd.Flags().BoolVar(&span, "span", false, "emit a span instead of a counter; labels become span attributes")

	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}

	return cmd
}
