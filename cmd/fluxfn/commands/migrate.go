package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fluxfn/fluxfn/pkg/config"
	"github.com/fluxfn/fluxfn/pkg/store"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending schema migrations to the entity store.

The serve command runs migrations on startup as well; this command
exists for deployments that migrate as a separate step.`,
		Example: `  # Migrate the configured database
  fluxfn migrate

  # Migrate an explicit database file
  fluxfn migrate --db /var/lib/fluxfn/fluxfn.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath, _ := cmd.Flags().GetString("db")

			if dbPath == "" {
				cfg, err := config.Load(configPath)
				if err != nil {
					return err
				}
				dbPath = cfg.Store.Path
			}

			st, err := store.NewSQLiteStore(store.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			if err := st.Init(cmd.Context()); err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			if err := st.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Str("db", dbPath).Msg("Migrations applied")
			return nil
		},
	}

	cmd.Flags().String("db", "", "database file path (overrides config)")

	return cmd
}
