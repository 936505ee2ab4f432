package main

import (
	"github.com/spf13/cobra"

	"github.com/mattyonweb/tbsm/pkg/seed"
)

func sweepCmd(g *globalFlags) *cobra.Command {
	var now string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Settle every obligation due at or before --now",
		Long: `Run one settlement sweep and print its report.

Examples:
  tbsm sweep
  tbsm sweep --now 2024-04-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := timeFlag(now)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), g, cmd.ErrOrStderr(), func(a *app) error {
				report, err := a.engine.RunSweep(cmd.Context(), t)
				if report != nil {
					if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "reference time (RFC 3339), defaults to the current time")
	return cmd
}

func activateCmd(g *globalFlags) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "activate <contract-id>",
		Short: "Activate a draft contract and materialize its first obligations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := timeFlag(at)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), g, cmd.ErrOrStderr(), func(a *app) error {
				if err := a.engine.ActivateContract(cmd.Context(), args[0], t); err != nil {
					return err
				}
				c, err := a.engine.Contract(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), c)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "activation time (RFC 3339)")
	return cmd
}

func insolventCmd(g *globalFlags) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "insolvent <participant-id>",
		Short: "Declare a participant insolvent and default the contracts it pays under",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := timeFlag(at)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), g, cmd.ErrOrStderr(), func(a *app) error {
				res, err := a.engine.DeclareInsolvent(cmd.Context(), args[0], t)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "time of the declaration (RFC 3339)")
	return cmd
}

func waiveCmd(g *globalFlags) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "waive <obligation-id>",
		Short: "Waive a pending obligation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := timeFlag(at)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), g, cmd.ErrOrStderr(), func(a *app) error {
				if err := a.engine.Waive(cmd.Context(), args[0], t); err != nil {
					return err
				}
				o, err := a.engine.Obligation(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), o)
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "time of the waiver (RFC 3339)")
	return cmd
}

func seedCmd(g *globalFlags) *cobra.Command {
	var now string
	cmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Load participants, assets, holdings and contracts from a YAML or JSON file",
		Long: `Validate a seed document against its schema and write it through the engine.

Examples:
  tbsm seed testdata/demo.yaml
  tbsm seed demo.json --now 2024-01-01T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := timeFlag(now)
			if err != nil {
				return err
			}
			doc, err := seed.ParseFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), g, cmd.ErrOrStderr(), func(a *app) error {
				sum, err := seed.Apply(cmd.Context(), a.engine, doc, t)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "time used when the document has none (RFC 3339)")
	return cmd
}

func migrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create missing tables and indexes in the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Opening a SQL store migrates it.
			return withApp(cmd.Context(), g, cmd.ErrOrStderr(), func(a *app) error {
				a.logger.InfoContext(cmd.Context(), "schema up to date", "driver", a.cfg.DBDriver)
				return nil
			})
		},
	}
}
