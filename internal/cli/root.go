package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/syntor/querybot/pkg/config"
	"github.com/syntor/querybot/pkg/logging"
)

var (
	// Version information (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// Global flags
	cfgFile    string
	envFiles   []string
	verbose    bool
	jsonOutput bool

	// Global config
	querybotConfig *config.SystemConfig
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "querybot",
	Short: "QueryBot - data query worker",
	Long: `QueryBot answers natural-language data questions asked in Slack.

The chat front end classifies a question into an intent and submits it to
the task queue. Workers plan the remote tool calls, run them, consolidate
the results into a CSV export and publish the outcome.

Run a worker:
  querybot worker

Submit a query and fetch its result:
  querybot submit intent.json
  querybot result <task-id>

Inspect the system:
  querybot stats
  querybot tools list
  querybot plan intent.json`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile, envFiles...)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		querybotConfig = cfg
		return nil
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default: ./.env if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(resultCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(outcomesCmd)
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Show version information",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "QueryBot %s\n", Version)
		fmt.Fprintf(out, "Build: %s\n", BuildTime)
		fmt.Fprintf(out, "Commit: %s\n", GitCommit)
	},
}

// newLogger builds the process logger from the loaded config
func newLogger(cfg *config.SystemConfig) (*logging.ZapLogger, error) {
	level := logging.ParseLevel(cfg.Logging.Level)
	if verbose {
		level = logging.DebugLevel
	}
	logger, err := logging.NewZapLogger(logging.Config{
		Level:       level,
		Format:      cfg.Logging.Format,
		Service:     "querybot",
		Environment: cfg.System.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}

func closeQuietly(c io.Closer) {
	_ = c.Close()
}
