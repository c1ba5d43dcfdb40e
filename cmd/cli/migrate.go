package cli

import (
	"github.com/spf13/cobra"

	"taskboard/internal/app"
	"taskboard/internal/database"
)

var seedTemplates bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the automation tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := database.Open(cfg)
		if err != nil {
			return err
		}
		logger.Info("Starting database migration...")
		if err := database.Migrate(db); err != nil {
			return err
		}
		logger.Info("Database migration completed")

		if !seedTemplates {
			return nil
		}
		a, err := app.Build(cfg, logger, db)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())
		n, err := a.Templates.SeedBuiltins(cmd.Context())
		if err != nil {
			return err
		}
		logger.Infof("Seeded %d builtin templates", n)
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&seedTemplates, "seed", false, "also insert the builtin automation templates")
	rootCmd.AddCommand(migrateCmd)
}
