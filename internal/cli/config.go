package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/syntor/querybot/pkg/config"
	"github.com/syntor/querybot/pkg/planner"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect QueryBot configuration",
	Long: `View and check the effective configuration.

Settings come from the built-in defaults, then the --config YAML file,
then QUERYBOT_* environment variables (including any loaded from .env).

Commands:
  show      - Display the effective configuration
  validate  - Check the configuration and the data source catalog`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showConfig(cmd.OutOrStdout(), querybotConfig)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateConfig(cmd.OutOrStdout(), querybotConfig)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

// redacted returns a copy safe to print
func redacted(cfg *config.SystemConfig) config.SystemConfig {
	c := *cfg
	if c.Redis.Password != "" {
		c.Redis.Password = "********"
	}
	return c
}

func showConfig(out io.Writer, cfg *config.SystemConfig) error {
	safe := redacted(cfg)
	if jsonOutput {
		return printJSON(out, safe)
	}

	data, err := yaml.Marshal(safe)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Fprintln(out, "# QueryBot Configuration")
	if cfgFile != "" {
		fmt.Fprintln(out, "# Location:", cfgFile)
	}
	fmt.Fprintln(out)
	fmt.Fprint(out, string(data))
	return nil
}

func validateConfig(out io.Writer, cfg *config.SystemConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	catalog := planner.DefaultCatalog()
	origin := "built-in"
	if cfg.Catalog.Path != "" {
		loaded, err := planner.LoadCatalog(cfg.Catalog.Path)
		if err != nil {
			return fmt.Errorf("catalog %s: %w", cfg.Catalog.Path, err)
		}
		catalog, origin = loaded, cfg.Catalog.Path
	}

	tools := 0
	for _, spec := range catalog {
		tools += len(spec.Tools)
	}

	queueBackend := "memory"
	if cfg.Redis.URL != "" {
		queueBackend = "redis"
	}
	fmt.Fprintln(out, "Configuration is valid")
	fmt.Fprintf(out, "  Environment: %s\n", cfg.System.Environment)
	fmt.Fprintf(out, "  Queue:       %s (%s)\n", cfg.Queue.Name, queueBackend)
	fmt.Fprintf(out, "  Tool server: %s\n", cfg.ToolServer.URL)
	fmt.Fprintf(out, "  Catalog:     %s, %d sources, %d tools\n", origin, len(catalog), tools)
	fmt.Fprintf(out, "  Kafka:       %t\n", cfg.Kafka.Enabled)
	return nil
}
