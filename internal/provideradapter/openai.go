package provideradapter

import (
	"context"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/errkind"
)

// OpenAIAdapter fronts an OpenAI-compatible chat completion API,
// adapted from the teacher's adapter/llm/openai.go (same SDK, same
// convertMessages/Complete/Stream shape) but returning the canonical
// domain.Response/domain.ChunkSource instead of an agenkit.Message.
type OpenAIAdapter struct {
	id     string
	client *openai.Client
	model  string
}

// NewOpenAIAdapter builds an adapter registered under providerID,
// talking to model via apiKey.
func NewOpenAIAdapter(providerID, apiKey, model string) *OpenAIAdapter {
	if model == "" {
		model = "gpt-4-turbo"
	}
	return &OpenAIAdapter{id: providerID, client: openai.NewClient(apiKey), model: model}
}

func (o *OpenAIAdapter) ID() string { return o.id }

func (o *OpenAIAdapter) convertMessages(req *domain.Request) []openai.ChatCompletionMessage {
	msgs := toCanonicalMessages(req)
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role == "agent" {
			role = "assistant"
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401:
			return errkind.Wrap(errkind.Unauthorized, "openai rejected credentials", err)
		case 403:
			return errkind.Wrap(errkind.Forbidden, "openai forbade request", err)
		case 404:
			return errkind.Wrap(errkind.NotFound, "openai model not found", err)
		case 422:
			return errkind.Wrap(errkind.Unprocessable, "openai could not process request", err)
		case 429:
			return errkind.Wrap(errkind.RateLimited, "openai rate limited the request", err)
		case 500, 502, 503, 504:
			return errkind.Wrap(errkind.ServerError, "openai server error", err)
		default:
			return errkind.Wrap(errkind.Network, "openai request failed", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.Timeout, "openai request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return errkind.Wrap(errkind.Cancelled, "openai request cancelled", err)
	}
	return errkind.Wrap(errkind.Network, "openai request failed", err)
}

func (o *OpenAIAdapter) Execute(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	start := time.Now()
	r := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    o.convertMessages(req),
		Temperature: float32(req.Params.Temperature),
		Stop:        req.Params.Stop,
	}
	if req.Params.MaxTokens > 0 {
		r.MaxTokens = req.Params.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, r)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errkind.New(errkind.ServerError, "openai returned no choices")
	}

	return &domain.Response{
		ID:         resp.ID,
		Model:      resp.Model,
		ProviderID: o.id,
		Content:    resp.Choices[0].Message.Content,
		Usage: domain.Usage{
			Input:  resp.Usage.PromptTokens,
			Output: resp.Usage.CompletionTokens,
			Total:  resp.Usage.TotalTokens,
		},
		FinishReason:   string(resp.Choices[0].FinishReason),
		ResponseTimeMs: elapsedMs(start),
	}, nil
}

func (o *OpenAIAdapter) Stream(ctx context.Context, req *domain.Request) (domain.ChunkSource, error) {
	r := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    o.convertMessages(req),
		Temperature: float32(req.Params.Temperature),
		Stop:        req.Params.Stop,
		Stream:      true,
	}
	if req.Params.MaxTokens > 0 {
		r.MaxTokens = req.Params.MaxTokens
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, r)
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	src := newChunkSource(16)
	go func() {
		defer stream.Close()
		defer src.finish()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				src.setErr(mapOpenAIError(err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			done := resp.Choices[0].FinishReason != ""
			select {
			case src.ch <- domain.Chunk{Content: delta.Content, Done: done}:
			case <-src.closed:
				return
			case <-ctx.Done():
				src.setErr(mapOpenAIError(ctx.Err()))
				return
			}
			if done {
				return
			}
		}
	}()
	return src, nil
}

func (o *OpenAIAdapter) HealthProbe(ctx context.Context) error {
	_, err := o.client.ListModels(ctx)
	if err != nil {
		return mapOpenAIError(err)
	}
	return nil
}

func (o *OpenAIAdapter) ListModels(ctx context.Context) ([]string, error) {
	resp, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	out := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, m.ID)
	}
	return out, nil
}
