package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/syntor/querybot/pkg/logging"
	"github.com/syntor/querybot/pkg/mcpclient"
	"github.com/syntor/querybot/pkg/planner"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect the remote tool server",
	Long: `Inspect the MCP tool server the worker retrieves data from.

Commands:
  list    - List the tools the server advertises
  health  - Show the server's health document
  check   - Compare the catalog against the advertised tools`,
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List advertised tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newToolClient()
		defer closeQuietly(client)

		ctx, cancel := context.WithTimeout(cmd.Context(), querybotConfig.ToolServer.Timeout)
		defer cancel()
		tools, err := client.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tools: %w", err)
		}
		return printTools(cmd.OutOrStdout(), tools)
	},
}

var toolsHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show tool server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newToolClient()
		defer closeQuietly(client)

		start := time.Now()
		status, err := client.CheckHealth(cmd.Context())
		if err != nil {
			return fmt.Errorf("tool server unhealthy: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), status)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Tool server %s is healthy (%s)\n", querybotConfig.ToolServer.URL, time.Since(start).Round(time.Millisecond))
		keys := make([]string, 0, len(status))
		for k := range status {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "  %s: %v\n", k, status[k])
		}
		return nil
	},
}

var toolsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that every catalog tool is advertised",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := planner.NewCatalogStore(querybotConfig.Catalog.Path, nil)
		if err != nil {
			return fmt.Errorf("failed to load catalog: %w", err)
		}
		client := newToolClient()
		defer closeQuietly(client)

		ctx, cancel := context.WithTimeout(cmd.Context(), querybotConfig.ToolServer.Timeout)
		defer cancel()
		tools, err := client.ListTools(ctx)
		if err != nil {
			return fmt.Errorf("failed to list tools: %w", err)
		}
		return checkCatalog(cmd.OutOrStdout(), store.Catalog(), tools)
	},
}

func init() {
	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsHealthCmd)
	toolsCmd.AddCommand(toolsCheckCmd)
}

func newToolClient() *mcpclient.Client {
	return mcpclient.NewClient(toolClientConfig(querybotConfig), logging.NewNop(), nil)
}

func printTools(out io.Writer, tools []mcp.Tool) error {
	if jsonOutput {
		return printJSON(out, tools)
	}
	if len(tools) == 0 {
		fmt.Fprintln(out, "The tool server advertises no tools")
		return nil
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	w := newTable(out, "TOOL", "PARAMETERS", "DESCRIPTION")
	for _, t := range tools {
		params := make([]string, 0, len(t.InputSchema.Properties))
		for p := range t.InputSchema.Properties {
			params = append(params, p)
		}
		sort.Strings(params)
		list := "-"
		if len(params) > 0 {
			list = truncate(fmt.Sprint(params), 40)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, list, truncate(t.Description, 50))
	}
	return w.Flush()
}

// checkCatalog reports catalog tools the server does not advertise
func checkCatalog(out io.Writer, catalog planner.Catalog, tools []mcp.Tool) error {
	advertised := make(map[string]bool, len(tools))
	for _, t := range tools {
		advertised[t.Name] = true
	}

	var missing []string
	w := newTable(out, "SOURCE", "TOOL", "STATUS")
	for _, source := range catalog.Names() {
		for _, tmpl := range catalog[source].Tools {
			status := "ok"
			if !advertised[tmpl.Name] {
				status = "missing"
				missing = append(missing, tmpl.Name)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", source, tmpl.Name, status)
		}
	}
	w.Flush()

	if len(missing) > 0 {
		return fmt.Errorf("%d catalog tool(s) not advertised by the server", len(missing))
	}
	return nil
}
