package toolexecutor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// CLIApprovalHandler asks for approval on a terminal. Requests are asked one
// at a time; a single reader goroutine owns the input so an abandoned prompt
// never swallows the answer to the next one.
type CLIApprovalHandler struct {
	mu     sync.Mutex
	writer io.Writer

	start   sync.Once
	scanner *bufio.Scanner
	lines   chan string
	readErr error
}

// NewCLIApprovalHandler creates a handler reading answers from reader and
// writing prompts to writer.
func NewCLIApprovalHandler(reader io.Reader, writer io.Writer) *CLIApprovalHandler {
	return &CLIApprovalHandler{
		writer:  writer,
		scanner: bufio.NewScanner(reader),
		lines:   make(chan string),
	}
}

func (c *CLIApprovalHandler) readLines() {
	for c.scanner.Scan() {
		c.lines <- c.scanner.Text()
	}
	c.readErr = c.scanner.Err()
	close(c.lines)
}

// RequestApproval prompts for a y/N answer. Anything but y or yes denies.
func (c *CLIApprovalHandler) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.start.Do(func() { go c.readLines() })
	c.displayRequest(req)

	select {
	case line, ok := <-c.lines:
		if ok {
			return c.decide(line), nil
		}
		if c.readErr != nil {
			return ApprovalResponse{}, fmt.Errorf("failed to read input: %w", c.readErr)
		}
		fmt.Fprintln(c.writer, "no input, denied")
		return ApprovalResponse{Reason: "no input provided"}, nil
	case <-ctx.Done():
		fmt.Fprintln(c.writer, "timed out, denied")
		return ApprovalResponse{Reason: "timeout"}, ctx.Err()
	}
}

func (c *CLIApprovalHandler) displayRequest(req ApprovalRequest) {
	args, err := json.Marshal(req.Arguments)
	if err != nil {
		args = []byte("{}")
	}
	fmt.Fprintln(c.writer)
	fmt.Fprintf(c.writer, "Tool call requires approval: %s\n", req.ToolName)
	if req.SessionKey != "" {
		fmt.Fprintf(c.writer, "  session:   %s\n", req.SessionKey)
	}
	fmt.Fprintf(c.writer, "  call:      %s\n", req.ToolCallID)
	fmt.Fprintf(c.writer, "  arguments: %s\n", args)
	fmt.Fprint(c.writer, "Approve? [y/N]: ")
}

func (c *CLIApprovalHandler) decide(line string) ApprovalResponse {
	input := strings.ToLower(strings.TrimSpace(line))
	switch input {
	case "y", "yes":
		fmt.Fprintln(c.writer, "approved")
		return ApprovalResponse{Approved: true, Reason: "approved by user"}
	case "n", "no", "":
		fmt.Fprintln(c.writer, "denied")
		return ApprovalResponse{Reason: "denied by user"}
	default:
		fmt.Fprintf(c.writer, "invalid input %q, denied\n", input)
		return ApprovalResponse{Reason: fmt.Sprintf("invalid input: %s", input)}
	}
}
