package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/NForce-ai/SDRbot/internal/app"
	"github.com/NForce-ai/SDRbot/pkg/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect cached CRM schemas",
}

var schemaShowCmd = &cobra.Command{
	Use:   "show <service>",
	Short: "Print the cached schema snapshot for a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchemaShow,
}

var (
	schemaOutput string
	schemaObject string
)

func init() {
	schemaShowCmd.Flags().StringVarP(&schemaOutput, "output", "o", "yaml", "output format (yaml, json)")
	schemaShowCmd.Flags().StringVar(&schemaObject, "object", "", "show a single object")

	schemaCmd.AddCommand(schemaShowCmd)
	rootCmd.AddCommand(schemaCmd)
}

func runSchemaShow(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.Store.LoadSnapshot(cmd.Context(), args[0])
	if errors.Is(err, schema.ErrNoSnapshot) {
		return fmt.Errorf("no schema cached for %s; run `sdrbot sync %s`", args[0], args[0])
	}
	if err != nil {
		return err
	}

	var v interface{} = snap
	if schemaObject != "" {
		obj, ok := snap.Object(schemaObject)
		if !ok {
			return fmt.Errorf("object %s not in %s schema", schemaObject, args[0])
		}
		v = obj
	}
	return render(cmd.OutOrStdout(), schemaOutput, v)
}

func render(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (must be yaml or json)", format)
	}
}
