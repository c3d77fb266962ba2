package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Tomas025/merge-helper/internal/config"
	"github.com/Tomas025/merge-helper/internal/logging"
)

var (
	verbose   bool
	appConfig *config.Config
	rootCmd   = &cobra.Command{
		Use:   "merge-helper",
		Short: "Automated structural merge resolution for pull requests",
		Long:  `Merge-helper watches pull requests for merge conflicts, attempts to resolve them with an external structural merge tool, and publishes the resolved diff for human review. On approval it fast-forwards the base branch to the resolved commit.`,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		logging.Setup(verbose)

		cfg, err := config.Load()
		if err != nil {
			slog.Warn("failed to load config, using defaults", "error", err)
			defaultCfg := config.DefaultConfig()
			cfg = &defaultCfg
		}
		appConfig = cfg
	}
}

func Execute() error {
	return rootCmd.Execute()
}
