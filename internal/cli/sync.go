package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NForce-ai/SDRbot/internal/app"
	"github.com/NForce-ai/SDRbot/pkg/schema"
)

var syncCmd = &cobra.Command{
	Use:   "sync [service...]",
	Short: "Sync CRM schemas",
	Long: `Sync the schema of each named service, or of every enabled service when
none is named. Services synced within their interval are served from cache
unless --force is given.`,
	RunE: runSync,
}

var syncForce bool

func init() {
	syncCmd.Flags().BoolVarP(&syncForce, "force", "f", false, "fetch even when the cached schema is fresh")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	keys := args
	if len(keys) == 0 {
		services, err := a.Store.ListServices(ctx)
		if err != nil {
			return err
		}
		for _, d := range services {
			if d.Enabled {
				keys = append(keys, d.Key)
			}
		}
	}
	if len(keys) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No enabled services")
		return nil
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, key := range keys {
		res, err := a.Sync.Sync(ctx, key, syncForce)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s: %v\n", key, err)
			continue
		}
		fmt.Fprintf(out, "%s: %s\n", key, describeSync(res))
		a.NotifySchemaChanged(ctx, key, res)
		if res.Changed {
			for _, line := range diffLines(res.Diff) {
				fmt.Fprintf(out, "  %s\n", line)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d services failed to sync", failed, len(keys))
	}
	return nil
}

func describeSync(res schema.Result) string {
	switch {
	case res.Stale:
		return "stale: " + res.Warning
	case !res.Fetched:
		return fmt.Sprintf("cached (%s, %d objects)", res.Snapshot.Hash, len(res.Snapshot.Objects))
	case res.Changed:
		return fmt.Sprintf("updated (%s, %d objects)", res.Snapshot.Hash, len(res.Snapshot.Objects))
	default:
		return fmt.Sprintf("unchanged (%s)", res.Snapshot.Hash)
	}
}

func diffLines(d schema.Diff) []string {
	var lines []string
	for _, o := range d.AddedObjects {
		lines = append(lines, "+ "+o)
	}
	for _, o := range d.RemovedObjects {
		lines = append(lines, "- "+o)
	}
	fields := func(prefix string, m map[string][]string) {
		objects := make([]string, 0, len(m))
		for o := range m {
			objects = append(objects, o)
		}
		sort.Strings(objects)
		for _, o := range objects {
			lines = append(lines, fmt.Sprintf("%s %s.{%s}", prefix, o, strings.Join(m[o], ",")))
		}
	}
	fields("+", d.AddedFields)
	fields("-", d.RemovedFields)
	fields("~", d.ChangedFields)
	return lines
}
