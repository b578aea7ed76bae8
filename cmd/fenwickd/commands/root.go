package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fenwickfs/fenwick/internal/config"
	"github.com/fenwickfs/fenwick/internal/logger"
)

// Version information, set by main from ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "fenwickd",
	Short: "SMB open-arbitration daemon",
	Long: `fenwickd arbitrates file-open requests the way an SMB server must:
create dispositions against current filesystem state, share-mode conflicts
against every other open of the same file, oplock break coordination, and
deferred retries for conflicts that may clear shortly.

The share-mode table can be kept in memory (single process) or in a Badger
database shared by every server process on the host.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	addConfigFlag(rootCmd.PersistentFlags())
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(selftestCmd)
	rootCmd.AddCommand(versionCmd)
}

func addConfigFlag(fs *pflag.FlagSet) {
	fs.StringVarP(&configFile, "config", "c", "", "Path to config file (default: $XDG_CONFIG_HOME/fenwickd/config.yaml)")
}

// loadConfig loads the daemon configuration and applies its logging
// section, so every subcommand logs consistently from its first line.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}
