package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/NForce-ai/SDRbot/internal/app"
	"github.com/NForce-ai/SDRbot/pkg/toolgen"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect the tools generated from CRM schemas",
}

var toolsListCmd = &cobra.Command{
	Use:   "list [service...]",
	Short: "List generated tools with their risk class",
	RunE:  runToolsList,
}

var toolsExportCmd = &cobra.Command{
	Use:   "export [service...]",
	Short: "Print tool definitions in a planner SDK format",
	RunE:  runToolsExport,
}

var exportFormat string

func init() {
	toolsExportCmd.Flags().StringVar(&exportFormat, "format", "json", "export format (json, anthropic, openai)")

	toolsCmd.AddCommand(toolsListCmd, toolsExportCmd)
	rootCmd.AddCommand(toolsCmd)
}

// loadCatalogs loads the catalogs for the named services, or for every
// enabled service when none is named.
func loadCatalogs(cmd *cobra.Command, a *app.App, keys []string) ([]toolgen.Catalog, error) {
	ctx := cmd.Context()
	if len(keys) == 0 {
		services, err := a.Store.ListServices(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range services {
			if d.Enabled {
				keys = append(keys, d.Key)
			}
		}
	}
	catalogs := make([]toolgen.Catalog, 0, len(keys))
	for _, key := range keys {
		c, err := a.Session.Load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load tools for %s: %w", key, err)
		}
		catalogs = append(catalogs, c)
	}
	return catalogs, nil
}

func runToolsList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	catalogs, err := loadCatalogs(cmd, a, args)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tRISK\tDESCRIPTION")
	for _, c := range catalogs {
		for _, t := range c.Tools {
			fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.Risk, t.Description)
		}
	}
	return w.Flush()
}

func runToolsExport(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	catalogs, err := loadCatalogs(cmd, a, args)
	if err != nil {
		return err
	}
	var merged toolgen.Catalog
	for _, c := range catalogs {
		merged.Tools = append(merged.Tools, c.Tools...)
	}

	var v interface{}
	switch exportFormat {
	case "json":
		v = merged.Tools
	case "anthropic":
		v = toolgen.AnthropicTools(merged)
	case "openai":
		v = toolgen.OpenAITools(merged)
	default:
		return fmt.Errorf("unknown export format %q (must be json, anthropic or openai)", exportFormat)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
