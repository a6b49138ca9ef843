package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/paygate/internal/experiments"
	"github.com/rcourtman/paygate/internal/session"
)

var (
	experimentsSpec string
	experimentsDB   string
)

var experimentsCmd = &cobra.Command{
	Use:   "experiments",
	Short: "Resolve experiment flags for a session",
	Long: `Resolve a comma separated list of id[:fraction[c]] experiment specs and
print the resulting flags. With --db the selections persist across runs the
way they persist across page views.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := experimentsSpec
		if !cmd.Flags().Changed("spec") {
			spec = cfg.Experiments
		}
		db := experimentsDB
		if !cmd.Flags().Changed("db") {
			db = cfg.SessionDB
		}

		store, err := session.Open(db)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close session store")
			}
		}()

		resolver := experiments.NewResolver(store)
		resolver.Resolve(spec)
		return writeJSON(cmd.OutOrStdout(), resolver.Snapshot())
	},
}

func init() {
	experimentsCmd.Flags().StringVar(&experimentsSpec, "spec", "", "Experiment specs (defaults to PAYGATE_EXPERIMENTS)")
	experimentsCmd.Flags().StringVar(&experimentsDB, "db", "", "SQLite session database (defaults to PAYGATE_SESSION_DB)")
}
