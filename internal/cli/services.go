package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/NForce-ai/SDRbot/internal/app"
	"github.com/NForce-ai/SDRbot/internal/observability"
)

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List and toggle CRM services",
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured services and their sync state",
	Args:  cobra.NoArgs,
	RunE:  runServicesList,
}

var servicesEnableCmd = &cobra.Command{
	Use:   "enable <service>",
	Short: "Enable a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setServiceEnabled(cmd, args[0], true)
	},
}

var servicesDisableCmd = &cobra.Command{
	Use:   "disable <service>",
	Short: "Disable a service; its tools are withdrawn from new sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setServiceEnabled(cmd, args[0], false)
	},
}

func init() {
	servicesCmd.AddCommand(servicesListCmd, servicesEnableCmd, servicesDisableCmd)
	rootCmd.AddCommand(servicesCmd)
}

func runServicesList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	services, err := a.Store.ListServices(cmd.Context())
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No services configured")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tAUTH\tENABLED\tLAST SYNC\tOBJECTS")
	for _, d := range services {
		last := "never"
		if d.Synced() {
			last = formatDuration(a.Now().Sub(d.LastSync)) + " ago"
		}
		objects := strings.Join(d.Objects, ",")
		if objects == "" {
			objects = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", d.Key, d.AuthKind, d.Enabled, last, objects)
	}
	return w.Flush()
}

func setServiceEnabled(cmd *cobra.Command, key string, enabled bool) error {
	a, err := openApp(cmd, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Store.SetEnabled(cmd.Context(), key, enabled); err != nil {
		return err
	}
	action := "disable"
	if enabled {
		action = "enable"
	}
	observability.RecordServiceAudit(cmd.Context(), action, key)
	fmt.Fprintf(cmd.OutOrStdout(), "Service %s %sd\n", key, action)
	return nil
}
