package toolexecutor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// CLIApprovalHandler asks for approval on a terminal.
type CLIApprovalHandler struct {
	reader *bufio.Reader
	writer io.Writer
}

// NewCLIApprovalHandler creates a new CLI approval handler.
func NewCLIApprovalHandler(reader io.Reader, writer io.Writer) *CLIApprovalHandler {
	return &CLIApprovalHandler{
		reader: bufio.NewReader(reader),
		writer: writer,
	}
}

// RequestApproval prompts the user and waits for an answer or ctx.
func (c *CLIApprovalHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	c.displayApprovalRequest(req)

	responseChan := make(chan ApprovalResponse, 1)
	errorChan := make(chan error, 1)

	go func() {
		response, err := c.readUserInput(req)
		if err != nil {
			errorChan <- err
		} else {
			responseChan <- response
		}
	}()

	select {
	case response := <-responseChan:
		return response, nil

	case err := <-errorChan:
		return ApprovalResponse{}, err

	case <-ctx.Done():
		c.displayTimeout()
		return ApprovalResponse{Decision: DecisionDeny, Reason: "timeout"}, ctx.Err()
	}
}

func (c *CLIApprovalHandler) displayApprovalRequest(req ApprovalRequest) {
	title := "APPROVAL REQUIRED"
	if req.Bulk {
		title = "BULK SCOPE CONFIRMATION"
	}
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, "╔════════════════════════════════════════════════════════════════╗")
	fmt.Fprintf(c.writer, "║  %-62s║\n", title)
	fmt.Fprintln(c.writer, "╚════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(c.writer, "")
	fmt.Fprintf(c.writer, "  Tool:       %s\n", req.Tool)
	fmt.Fprintf(c.writer, "  Operation:  %s %s (%s)\n", req.Operation, req.Object, req.Risk)
	if req.Summary != "" {
		fmt.Fprintf(c.writer, "  Summary:    %s\n", req.Summary)
	}
	switch {
	case req.Scope < 0:
		fmt.Fprintln(c.writer, "  Records:    unknown")
	case req.Scope > 0:
		fmt.Fprintf(c.writer, "  Records:    %d\n", req.Scope)
	}

	if req.Diff != "" {
		fmt.Fprintln(c.writer, "  Changes:")
		for _, line := range strings.Split(strings.TrimRight(req.Diff, "\n"), "\n") {
			fmt.Fprintf(c.writer, "    %s\n", line)
		}
	} else if len(req.Args) > 0 {
		fmt.Fprintln(c.writer, "  Arguments:")
		keys := make([]string, 0, len(req.Args))
		for k := range req.Args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(c.writer, "    %s: %v\n", k, req.Args[k])
		}
	}

	fmt.Fprintln(c.writer, "")
	if req.Bulk {
		fmt.Fprint(c.writer, "  Run against this scope? [y/N]: ")
		return
	}
	fmt.Fprint(c.writer, "  Approve? [y]es once, [a]ll remaining, [N]o: ")
}

func (c *CLIApprovalHandler) readUserInput(req ApprovalRequest) (ApprovalResponse, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil && line == "" {
		if err == io.EOF {
			return ApprovalResponse{Decision: DecisionDeny, Reason: "no input provided"}, nil
		}
		return ApprovalResponse{}, fmt.Errorf("failed to read input: %w", err)
	}

	input := strings.TrimSpace(strings.ToLower(line))

	var response ApprovalResponse
	switch input {
	case "y", "yes":
		response = ApprovalResponse{Decision: DecisionApproveOnce, Reason: "approved by user"}
		c.display("  Action APPROVED")

	case "a", "all":
		if req.Bulk {
			// Approve-all never waives a scope confirmation.
			response = ApprovalResponse{Decision: DecisionApproveOnce, Reason: "approved by user"}
			c.display("  Action APPROVED")
			break
		}
		response = ApprovalResponse{Decision: DecisionApproveAll, Reason: "approved all remaining by user"}
		c.display("  Action APPROVED, remaining actions will run without asking")

	case "n", "no", "":
		response = ApprovalResponse{Decision: DecisionDeny, Reason: "denied by user"}
		c.display("  Action DENIED")

	default:
		response = ApprovalResponse{Decision: DecisionDeny, Reason: fmt.Sprintf("invalid input: %s", input)}
		c.display(fmt.Sprintf("  Invalid input: %s (defaulting to DENY)", input))
		log.Warn().
			Str("tool", req.Tool).
			Str("input", input).
			Msg("Invalid input for approval")
		return response, nil
	}

	log.Info().
		Str("tool", req.Tool).
		Str("decision", string(response.Decision)).
		Msg("Approval answered via CLI")
	return response, nil
}

func (c *CLIApprovalHandler) display(msg string) {
	fmt.Fprintln(c.writer, "")
	fmt.Fprintln(c.writer, msg)
	fmt.Fprintln(c.writer, "")
}

func (c *CLIApprovalHandler) displayTimeout() {
	c.display("  Approval request TIMED OUT")
}
