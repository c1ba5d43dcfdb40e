package cli

import (
	"github.com/spf13/cobra"

	"taskboard/internal/app"
)

// sweepCmd 在调度器之外手动补偿到期的延迟执行（例如由外部 cron 调用）
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run due delayed rule executions once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := app.New(cfg, logger, false)
		if err != nil {
			return err
		}
		defer a.Close(cmd.Context())

		n, err := a.SweepOnce(cmd.Context())
		if err != nil {
			return err
		}
		logger.Infof("sweep finished, %d delayed executions resumed", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
