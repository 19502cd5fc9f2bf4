package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/NForce-ai/SDRbot/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show credential and sync state for every service",
	Long: `Show, for every configured service, whether it is enabled, whether a
credential is stored and when it expires, and how long ago its schema was
synced.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	services, err := a.Store.ListServices(ctx)
	if err != nil {
		return err
	}

	now := a.Now()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tENABLED\tCREDENTIAL\tEXPIRES\tSYNCED\tNEEDS SYNC")
	for _, d := range services {
		st := a.Credentials.Status(ctx, d.Key)
		credential := "missing"
		switch {
		case st.Configured && st.Expired && st.Refreshable:
			credential = "refresh due"
		case st.Configured && st.Expired:
			credential = "expired"
		case st.Configured:
			credential = "ok"
		}
		expires := "-"
		if !st.Expiry.IsZero() {
			expires = "in " + formatDuration(st.Expiry.Sub(now))
			if st.Expiry.Before(now) {
				expires = formatDuration(now.Sub(st.Expiry)) + " ago"
			}
		}
		synced := "never"
		if d.Synced() {
			synced = formatDuration(now.Sub(d.LastSync)) + " ago"
		}
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\t%t\n", d.Key, d.Enabled, credential, expires, synced, d.NeedsSync())
	}
	return w.Flush()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if days > 0 {
		return fmt.Sprintf("%dd%dh", days, h)
	}
	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
