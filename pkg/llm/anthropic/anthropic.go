// Package anthropic streams canonical assistant responses from the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/harun/turnloop/pkg/llm"
)

const defaultMaxTokens = 4096

// Config configures the Anthropic transport.
type Config struct {
	APIKey  string
	BaseURL string
	Logger  zerolog.Logger
}

// Transport implements llm.Transport for Anthropic Claude.
type Transport struct {
	client anthropic.Client
	logger zerolog.Logger
}

// New creates an Anthropic transport.
func New(cfg Config) *Transport {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Transport{
		client: anthropic.NewClient(opts...),
		logger: cfg.Logger.With().Str("component", "llm.anthropic").Logger(),
	}
}

// Stream starts a streaming request. The returned stream always resolves.
func (t *Transport) Stream(ctx context.Context, model llm.Model, llmCtx llm.Context, opts llm.Options) *llm.AssistantStream {
	out := llm.NewAssistantStream()
	go t.run(ctx, out, model, llmCtx, opts)
	return out
}

func (t *Transport) run(ctx context.Context, out *llm.AssistantStream, model llm.Model, llmCtx llm.Context, opts llm.Options) {
	builder := llm.NewBuilder(model)
	fail := func(err error) {
		reason := llm.StopReasonError
		if ctx.Err() != nil {
			reason = llm.AbortReason(ctx.Err())
		}
		msg := builder.Fail(reason, err)
		out.Push(llm.AssistantMessageEvent{Type: llm.EventError, Message: &msg, Err: err})
	}

	params, err := buildParams(model, llmCtx, opts)
	if err != nil {
		fail(err)
		return
	}

	t.logger.Debug().
		Str("model", model.ID).
		Int("messages", len(params.Messages)).
		Int("tools", len(params.Tools)).
		Msg("Starting stream")

	stream := t.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			fail(fmt.Errorf("accumulate stream event: %w", err))
			return
		}

		switch variant := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			partial := builder.Snapshot()
			out.Push(llm.AssistantMessageEvent{Type: llm.EventStart, Partial: &partial})

		case anthropic.ContentBlockStartEvent:
			if variant.ContentBlock.Type != "tool_use" {
				continue
			}
			delta := llm.AssistantMessageEvent{
				Type:         llm.EventToolCallDelta,
				ContentIndex: int(variant.Index),
				ToolCallID:   variant.ContentBlock.ID,
				ToolName:     variant.ContentBlock.Name,
			}
			if variant.ContentBlock.Input != nil {
				if raw, err := json.Marshal(variant.ContentBlock.Input); err == nil {
					if s := strings.TrimSpace(string(raw)); s != "{}" && s != "null" {
						delta.Delta = s
					}
				}
			}
			t.push(out, builder, delta)

		case anthropic.ContentBlockDeltaEvent:
			index := int(variant.Index)
			switch d := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				t.push(out, builder, llm.AssistantMessageEvent{Type: llm.EventTextDelta, ContentIndex: index, Delta: d.Text})
			case anthropic.ThinkingDelta:
				t.push(out, builder, llm.AssistantMessageEvent{Type: llm.EventThinkingDelta, ContentIndex: index, Delta: d.Thinking})
			case anthropic.InputJSONDelta:
				if d.PartialJSON == "" {
					continue
				}
				t.push(out, builder, llm.AssistantMessageEvent{Type: llm.EventToolCallDelta, ContentIndex: index, Delta: d.PartialJSON})
			}
		}
	}
	if err := stream.Err(); err != nil {
		t.logger.Warn().Err(err).Str("model", model.ID).Msg("Stream failed")
		fail(err)
		return
	}

	usage := &llm.Usage{
		Input:      int(acc.Usage.InputTokens),
		Output:     int(acc.Usage.OutputTokens),
		CacheRead:  int(acc.Usage.CacheReadInputTokens),
		CacheWrite: int(acc.Usage.CacheCreationInputTokens),
	}
	usage.TotalTokens = usage.Input + usage.Output + usage.CacheRead + usage.CacheWrite

	msg := builder.Finish(mapStopReason(acc.StopReason), usage)
	out.Push(llm.AssistantMessageEvent{Type: llm.EventDone, Message: &msg})
}

func (t *Transport) push(out *llm.AssistantStream, builder *llm.Builder, event llm.AssistantMessageEvent) {
	builder.Apply(event)
	partial := builder.Snapshot()
	event.Partial = &partial
	out.Push(event)
}

func mapStopReason(reason anthropic.StopReason) llm.StopReason {
	switch reason {
	case anthropic.StopReasonToolUse:
		return llm.StopReasonToolUse
	case anthropic.StopReasonMaxTokens:
		return llm.StopReasonLength
	default:
		return llm.StopReasonStop
	}
}

func buildParams(model llm.Model, llmCtx llm.Context, opts llm.Options) (anthropic.MessageNewParams, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = model.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model.ID),
		Messages:  convertMessages(llmCtx.Messages),
		MaxTokens: int64(maxTokens),
	}
	if llmCtx.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: llmCtx.SystemPrompt}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	for _, tool := range llmCtx.Tools {
		param := anthropic.ToolParam{
			Name:        tool.Name,
			Description: anthropic.String(tool.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: tool.Parameters["properties"],
			},
		}
		if required, ok := tool.Parameters["required"]; ok {
			names, err := toStrings(required)
			if err != nil {
				return params, fmt.Errorf("tool %s: %w", tool.Name, err)
			}
			param.InputSchema.Required = names
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &param})
	}
	return params, nil
}

func toStrings(v interface{}) ([]string, error) {
	switch vals := v.(type) {
	case []string:
		return vals, nil
	case []interface{}:
		out := make([]string, len(vals))
		for i, item := range vals {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("required entry %d is not a string", i)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported required type %T", v)
	}
}

// convertMessages maps canonical messages to Anthropic params. Consecutive tool
// results are folded into a single user turn.
func convertMessages(messages []llm.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleToolResult:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.TextContent(), msg.IsError))

		case llm.RoleUser:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.TextContent())))

		case llm.RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			for _, block := range msg.Content {
				switch block.Type {
				case llm.ContentText:
					if block.Text != "" {
						blocks = append(blocks, anthropic.NewTextBlock(block.Text))
					}
				case llm.ContentToolCall:
					args := block.Arguments
					if args == nil {
						args = map[string]interface{}{}
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(block.ID, args, block.Name))
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()
	return out
}
