// Package openai streams canonical assistant responses from the OpenAI chat
// completions API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/harun/turnloop/pkg/llm"
)

// Config configures the OpenAI transport.
type Config struct {
	APIKey  string
	BaseURL string
	Logger  zerolog.Logger
}

// Transport implements llm.Transport for OpenAI-compatible chat completions.
type Transport struct {
	client openai.Client
	logger zerolog.Logger
}

// New creates an OpenAI transport.
func New(cfg Config) *Transport {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Transport{
		client: openai.NewClient(opts...),
		logger: cfg.Logger.With().Str("component", "llm.openai").Logger(),
	}
}

// Stream starts a streaming request. The returned stream always resolves.
func (t *Transport) Stream(ctx context.Context, model llm.Model, llmCtx llm.Context, opts llm.Options) *llm.AssistantStream {
	out := llm.NewAssistantStream()
	go t.run(ctx, out, model, llmCtx, opts)
	return out
}

// blockIndex assigns canonical content indexes as blocks first appear.
type blockIndex struct {
	next  int
	text  int
	tools map[int64]int
}

func newBlockIndex() *blockIndex {
	return &blockIndex{text: -1, tools: make(map[int64]int)}
}

func (b *blockIndex) forText() int {
	if b.text < 0 {
		b.text = b.next
		b.next++
	}
	return b.text
}

func (b *blockIndex) forTool(index int64) (int, bool) {
	if i, ok := b.tools[index]; ok {
		return i, false
	}
	i := b.next
	b.next++
	b.tools[index] = i
	return i, true
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

	stream := t.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	indexes := newBlockIndex()
	started := false
	finishReason := ""

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if !started {
			started = true
			partial := builder.Snapshot()
			out.Push(llm.AssistantMessageEvent{Type: llm.EventStart, Partial: &partial})
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			t.push(out, builder, llm.AssistantMessageEvent{
				Type:         llm.EventTextDelta,
				ContentIndex: indexes.forText(),
				Delta:        choice.Delta.Content,
			})
		}
		for _, tc := range choice.Delta.ToolCalls {
			index, first := indexes.forTool(tc.Index)
			event := llm.AssistantMessageEvent{
				Type:         llm.EventToolCallDelta,
				ContentIndex: index,
				Delta:        tc.Function.Arguments,
			}
			if first {
				event.ToolCallID = tc.ID
				event.ToolName = tc.Function.Name
			}
			t.push(out, builder, event)
		}
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}
	if err := stream.Err(); err != nil {
		t.logger.Warn().Err(err).Str("model", model.ID).Msg("Stream failed")
		fail(err)
		return
	}

	usage := &llm.Usage{
		Input:       int(acc.Usage.PromptTokens),
		Output:      int(acc.Usage.CompletionTokens),
		CacheRead:   int(acc.Usage.PromptTokensDetails.CachedTokens),
		TotalTokens: int(acc.Usage.TotalTokens),
	}

	msg := builder.Finish(mapFinishReason(finishReason), usage)
	out.Push(llm.AssistantMessageEvent{Type: llm.EventDone, Message: &msg})
}

func (t *Transport) push(out *llm.AssistantStream, builder *llm.Builder, event llm.AssistantMessageEvent) {
	builder.Apply(event)
	partial := builder.Snapshot()
	event.Partial = &partial
	out.Push(event)
}

func mapFinishReason(reason string) llm.StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return llm.StopReasonToolUse
	case "length":
		return llm.StopReasonLength
	default:
		return llm.StopReasonStop
	}
}

func buildParams(model llm.Model, llmCtx llm.Context, opts llm.Options) (openai.ChatCompletionNewParams, error) {
	messages, err := convertMessages(llmCtx.SystemPrompt, llmCtx.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model.ID),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = model.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = openai.Float(opts.Temperature)
	}

	for _, tool := range llmCtx.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.Parameters),
			},
		})
	}
	return params, nil
}

func convertMessages(systemPrompt string, messages []llm.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	var out []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		out = append(out, openai.SystemMessage(systemPrompt))
	}

	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleUser:
			out = append(out, openai.UserMessage(msg.TextContent()))

		case llm.RoleToolResult:
			out = append(out, openai.ToolMessage(msg.TextContent(), msg.ToolCallID))

		case llm.RoleAssistant:
			calls := msg.ToolCalls()
			text := msg.TextContent()
			if len(calls) == 0 {
				if text == "" {
					continue
				}
				out = append(out, openai.AssistantMessage(text))
				continue
			}

			assistant := openai.ChatCompletionAssistantMessageParam{}
			if text != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(text)}
			}
			for _, call := range calls {
				args := call.Arguments
				if args == nil {
					args = map[string]interface{}{}
				}
				raw, err := json.Marshal(args)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(raw),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out, nil
}
