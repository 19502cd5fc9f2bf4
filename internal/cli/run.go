package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/NForce-ai/SDRbot/internal/app"
	"github.com/NForce-ai/SDRbot/internal/config"
	"github.com/NForce-ai/SDRbot/pkg/toolexecutor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a stream of proposed actions",
	Long: `Read tool-call fragments as JSON lines and execute each assembled action.
Reads run immediately; writes ask for approval on the terminal unless
auto-approve is on. When fragments arrive on stdin, prompts use the
controlling terminal; without one, bulk confirmations are denied. One outcome per action is written to stdout as a JSON
line. The config file is watched and execution limits reload live.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var (
	runInput       string
	runAutoApprove bool
)

// maxFragmentLine bounds one JSON line of input.
const maxFragmentLine = 4 << 20

func init() {
	runCmd.Flags().StringVarP(&runInput, "input", "i", "-", "fragment stream file, - for stdin")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "approve every write without prompting (bulk writes still ask)")
	rootCmd.AddCommand(runCmd)
}

// openTerminal opens the controlling terminal. Approval prompts use it when
// stdin carries the fragment stream.
var openTerminal = func() (io.ReadWriteCloser, error) {
	return os.OpenFile("/dev/tty", os.O_RDWR, 0)
}

func runRun(cmd *cobra.Command, args []string) error {
	var (
		in        io.Reader = cmd.InOrStdin()
		approvals toolexecutor.ApprovalHandler
	)
	if runInput != "-" {
		f, err := os.Open(runInput)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
		approvals = toolexecutor.NewCLIApprovalHandler(cmd.InOrStdin(), cmd.ErrOrStderr())
	} else if tty, err := openTerminal(); err == nil {
		defer tty.Close()
		approvals = toolexecutor.NewCLIApprovalHandler(tty, tty)
	} else {
		if !runAutoApprove && !cfg.Execution.AutoApprove {
			return fmt.Errorf("no terminal for approvals while stdin carries fragments; pass --input FILE or --auto-approve")
		}
		log.Warn().Err(err).Msg("No terminal for approvals, bulk confirmations will be denied")
		approvals = toolexecutor.DenyHandler{Reason: "no terminal to confirm bulk scope on"}
	}

	a, err := openApp(cmd, app.Options{Approvals: approvals})
	if err != nil {
		return err
	}
	defer a.Close()
	if runAutoApprove {
		a.Engine.SetAutoApprove(true)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	if w, err := config.NewWatcher(config.NewLoader(cfgFile), 0, a.ApplyConfig); err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	} else if err := w.Start(); err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
	} else {
		defer w.Stop()
	}

	go func() {
		<-ctx.Done()
		a.Engine.Cancel()
	}()

	fragments := make(chan toolexecutor.Fragment)
	go readFragments(ctx, in, fragments)

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for o := range a.Engine.Run(ctx, fragments) {
		if o.Status != toolexecutor.StatusSucceeded {
			failed++
		}
		a.NotifyOutcome(ctx, o)
		if err := enc.Encode(o); err != nil {
			return fmt.Errorf("failed to write outcome: %w", err)
		}
	}
	if failed > 0 {
		log.Info().Int("unsuccessful", failed).Msg("Stream finished with unsuccessful actions")
	}
	return nil
}

// readFragments decodes one fragment per line. Lines that are not valid
// fragments carry no correlation id to report against, so they are logged
// and skipped.
func readFragments(ctx context.Context, in io.Reader, out chan<- toolexecutor.Fragment) {
	defer close(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxFragmentLine)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var f toolexecutor.Fragment
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warn().Err(err).Int("line", line).Msg("Skipping malformed fragment")
			continue
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		log.Error().Err(err).Msg("Failed to read fragment stream")
	}
}
