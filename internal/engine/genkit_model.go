package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-autopilot/internal/config"
	"github.com/basket/go-autopilot/internal/otel"
	"github.com/basket/go-autopilot/internal/tools"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"go.opentelemetry.io/otel/codes"
)

// GenkitModel is the Model backed by a genkit provider plugin. Tool calls
// are returned to the loop instead of being resolved inside genkit.
type GenkitModel struct {
	g       *genkit.Genkit
	model   string
	refs    map[tools.ID]ai.ToolRef
	metrics *otel.Metrics
}

// NewGenkitModel initialises genkit with the configured provider. It fails
// when the provider has no API key.
func NewGenkitModel(ctx context.Context, cfg config.Config, metrics *otel.Metrics) (*GenkitModel, error) {
	provider := cfg.LLM.Provider
	apiKey := cfg.ProviderAPIKey(provider)
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.ProviderBaseURL(provider),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  cfg.ProviderBaseURL(provider),
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.LLM.OpenAICompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.ProviderBaseURL(provider),
		}))
	case "openrouter":
		baseURL := cfg.ProviderBaseURL(provider)
		if baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	default:
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{APIKey: apiKey}))
	}

	name := ModelName(provider, cfg.LLM.OpenAICompatibleProvider, cfg.LLM.Model)
	slog.Info("genkit model initialized", "provider", provider, "model", name)
	return &GenkitModel{
		g:       g,
		model:   name,
		refs:    tools.DefineGenkitTools(g),
		metrics: metrics,
	}, nil
}

// ModelName qualifies model with the genkit plugin prefix of provider.
func ModelName(provider, compatPrefix, model string) string {
	model = strings.TrimSpace(model)
	if strings.Contains(model, "/") && provider != "openrouter" {
		return model
	}
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		if compatPrefix != "" {
			return compatPrefix + "/" + model
		}
		return model
	case "openrouter":
		return "openrouter/" + model
	default:
		return "googleai/" + model
	}
}

func (m *GenkitModel) Generate(ctx context.Context, req Request) (*Response, error) {
	name := m.model
	if req.Model != "" {
		name = req.Model
	}
	ctx, span := otel.StartClientSpan(ctx, otel.Tracer(), "llm.generate", otel.AttrModel.String(name))
	defer span.End()

	msgs, err := toGenkitMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	opts := []ai.GenerateOption{
		ai.WithModelName(name),
		ai.WithMessages(msgs...),
		ai.WithConfig(&ai.GenerationCommonConfig{Temperature: req.Temperature}),
	}
	if refs := m.toolRefs(req.Tools); len(refs) > 0 {
		opts = append(opts, ai.WithTools(refs...), ai.WithReturnToolRequests(true))
	}

	start := time.Now()
	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	out := &Response{Text: resp.Text()}
	for i, tr := range resp.ToolRequests() {
		input, err := json.Marshal(tr.Input)
		if err != nil {
			return nil, fmt.Errorf("encode tool request %s: %w", tr.Name, err)
		}
		id := tr.Ref
		if id == "" {
			id = fmt.Sprintf("call-%d", i+1)
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: id, Name: tr.Name, Input: input})
	}
	out.FinishReason = mapFinishReason(resp.FinishReason, len(out.ToolCalls) > 0)
	if resp.Usage != nil {
		out.Usage = Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
		if out.Usage.TotalTokens == 0 {
			out.Usage.TotalTokens = out.Usage.InputTokens + out.Usage.OutputTokens
		}
	}
	span.SetAttributes(
		otel.AttrTokensInput.Int(out.Usage.InputTokens),
		otel.AttrTokensOutput.Int(out.Usage.OutputTokens),
	)
	m.metrics.RecordLLMCall(ctx, name, time.Since(start), out.Usage.TotalTokens)
	return out, nil
}

func (m *GenkitModel) toolRefs(ds []tools.Descriptor) []ai.ToolRef {
	refs := make([]ai.ToolRef, 0, len(ds))
	for _, d := range ds {
		if ref, ok := m.refs[d.ID]; ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

func mapFinishReason(r ai.FinishReason, hasToolCalls bool) FinishReason {
	if hasToolCalls {
		return FinishToolCalls
	}
	switch r {
	case ai.FinishReasonStop:
		return FinishStop
	case ai.FinishReasonLength:
		return FinishLength
	default:
		return FinishOther
	}
}

func toGenkitMessages(history []Message) ([]*ai.Message, error) {
	out := make([]*ai.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleSystem:
			out = append(out, ai.NewMessage(ai.RoleSystem, nil, ai.NewTextPart(msg.Content)))
		case RoleUser:
			out = append(out, ai.NewMessage(ai.RoleUser, nil, ai.NewTextPart(msg.Content)))
		case RoleAssistant:
			var parts []*ai.Part
			if msg.Content != "" {
				parts = append(parts, ai.NewTextPart(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if len(tc.Input) > 0 {
					if err := json.Unmarshal(tc.Input, &input); err != nil {
						return nil, fmt.Errorf("decode tool call %s input: %w", tc.Name, err)
					}
				}
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{Name: tc.Name, Ref: tc.ID, Input: input}))
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, ai.NewMessage(ai.RoleModel, nil, parts...))
		case RoleTool:
			var output any
			if err := json.Unmarshal([]byte(msg.Content), &output); err != nil {
				output = msg.Content
			}
			out = append(out, ai.NewMessage(ai.RoleTool, nil, ai.NewToolResponsePart(&ai.ToolResponse{
				Name:   msg.ToolName,
				Ref:    msg.ToolCallID,
				Output: output,
			})))
		}
	}
	return out, nil
}
