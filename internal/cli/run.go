package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/turnloop/internal/daemon"
	"github.com/harun/turnloop/pkg/agent"
	"github.com/harun/turnloop/pkg/agentctx"
	"github.com/harun/turnloop/pkg/llm"
	"github.com/harun/turnloop/pkg/toolexecutor"
)

const (
	outputJSON = "json"
	outputText = "text"
)

var (
	runPrompt  string
	runReplay  string
	runOutput  string
	runSession string
	runApprove bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one prompt to completion",
	Long: `Run one prompt through the agent loop and print its events.

The prompt comes from --prompt, the positional arguments, or stdin, in that
order. With --approve, tools listed in agent.tools.require_approval ask for a
y/N answer on the terminal first. With --output json every agent event is printed as one JSON line; with
--output text only assistant text and tool activity are printed.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "prompt text")
	runCmd.Flags().StringVar(&runReplay, "replay", "", "serve model responses from a YAML replay fixture")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", outputJSON, "output format (json, text)")
	runCmd.Flags().StringVar(&runSession, "session", "cli", "session key")
	runCmd.Flags().BoolVar(&runApprove, "approve", false, "ask on the terminal before running tools listed in agent.tools.require_approval")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runOutput != outputJSON && runOutput != outputText {
		return fmt.Errorf("unknown output format %q", runOutput)
	}
	prompt, err := readPrompt(cmd, args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runReplay != "" {
		cfg.Model.Provider = "replay"
		cfg.Providers.Replay.Fixture = runReplay
	}
	// stdout carries events; logs only go to the log file.
	cfg.Logging.Console = false

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	transport, err := daemon.NewTransport(cfg, log.Component("transport"))
	if err != nil {
		return err
	}
	var opts []daemon.RuntimeOption
	if runApprove {
		opts = append(opts, daemon.WithApprover(toolexecutor.NewCLIApprovalHandler(cmd.InOrStdin(), cmd.ErrOrStderr())))
	}
	rt, err := daemon.NewRuntime(cfg, transport, log.Zerolog(), opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := rt.Agent(ctx, runSession)
	if err != nil {
		return err
	}

	printer := newEventPrinter(cmd.OutOrStdout(), runOutput)
	unsubscribe := a.Subscribe(printer.handle)
	defer unsubscribe()

	msgs, err := a.Prompt(ctx, agentctx.User(prompt))
	if err != nil {
		return err
	}
	if err := printer.err(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	last := lastAssistant(msgs)
	if last != nil && (last.StopReason == llm.StopReasonError || last.StopReason == llm.StopReasonAborted) {
		return fmt.Errorf("run ended with %s: %s", last.StopReason, last.ErrorMessage)
	}
	return nil
}

func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	prompt := strings.TrimSpace(runPrompt)
	if prompt == "" {
		prompt = strings.TrimSpace(strings.Join(args, " "))
	}
	if prompt == "" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read prompt: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		return "", errors.New("a prompt is required")
	}
	return prompt, nil
}

func lastAssistant(msgs []agentctx.AgentMessage) *agentctx.AgentMessage {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleAssistant {
			return &msgs[i]
		}
	}
	return nil
}

// eventPrinter writes agent events as they arrive. The first write error is
// kept and later events are dropped.
type eventPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	format  string
	enc     *json.Encoder
	midLine bool
	werr    error
}

func newEventPrinter(out io.Writer, format string) *eventPrinter {
	return &eventPrinter{out: out, format: format, enc: json.NewEncoder(out)}
}

func (p *eventPrinter) handle(event agent.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.werr != nil {
		return
	}
	if p.format == outputJSON {
		p.werr = p.enc.Encode(event)
		return
	}

	switch event.Type {
	case agent.EventMessageUpdate:
		if event.Delta != nil && event.Delta.Type == llm.EventTextDelta {
			p.write(event.Delta.Delta)
			p.midLine = !strings.HasSuffix(event.Delta.Delta, "\n")
		}
	case agent.EventToolExecutionStart:
		p.newline()
		p.write(fmt.Sprintf("[%s]\n", event.ToolName))
	case agent.EventToolExecutionEnd:
		if event.IsError && event.Result != nil {
			p.write(fmt.Sprintf("[%s failed] %s\n", event.ToolName, event.Result.Text()))
		}
	case agent.EventMessageEnd:
		if event.Message != nil && event.Message.ErrorMessage != "" {
			p.newline()
			p.write("error: " + event.Message.ErrorMessage + "\n")
		}
	case agent.EventAgentEnd:
		p.newline()
	}
}

func (p *eventPrinter) write(s string) {
	if p.werr == nil {
		_, p.werr = io.WriteString(p.out, s)
	}
}

func (p *eventPrinter) newline() {
	if p.midLine {
		p.write("\n")
		p.midLine = false
	}
}

func (p *eventPrinter) err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.werr
}
