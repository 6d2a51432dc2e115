package provideradapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/errkind"
)

// GeminiAdapter fronts Google's Generative Language API, the
// Google-style counterpart to the OpenAI and Bedrock adapters, built
// against the google/generative-ai-go dependency following the same
// Execute/Stream/HealthProbe/ListModels shape as its siblings.
type GeminiAdapter struct {
	id     string
	client *genai.Client
	model  string
}

// NewGeminiAdapter dials the Generative Language API using apiKey.
func NewGeminiAdapter(ctx context.Context, providerID, apiKey, model string) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("provideradapter: build gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-1.5-pro"
	}
	return &GeminiAdapter{id: providerID, client: client, model: model}, nil
}

func (g *GeminiAdapter) ID() string { return g.id }

func mapGeminiError(err error) error {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unauthenticated:
			return errkind.Wrap(errkind.Unauthorized, "gemini rejected credentials", err)
		case codes.PermissionDenied:
			return errkind.Wrap(errkind.Forbidden, "gemini denied access", err)
		case codes.NotFound:
			return errkind.Wrap(errkind.NotFound, "gemini model not found", err)
		case codes.InvalidArgument:
			return errkind.Wrap(errkind.InvalidRequest, "gemini rejected the request", err)
		case codes.ResourceExhausted:
			return errkind.Wrap(errkind.RateLimited, "gemini rate limited the request", err)
		case codes.DeadlineExceeded:
			return errkind.Wrap(errkind.Timeout, "gemini request timed out", err)
		case codes.Canceled:
			return errkind.Wrap(errkind.Cancelled, "gemini request cancelled", err)
		case codes.Unavailable, codes.Internal:
			return errkind.Wrap(errkind.ServerError, "gemini server error", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.Timeout, "gemini request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return errkind.Wrap(errkind.Cancelled, "gemini request cancelled", err)
	}
	return errkind.Wrap(errkind.Network, "gemini request failed", err)
}

func (g *GeminiAdapter) buildModel() *genai.GenerativeModel {
	m := g.client.GenerativeModel(g.model)
	return m
}

func toGeminiParts(req *domain.Request) (system string, parts []genai.Part) {
	for _, m := range toCanonicalMessages(req) {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		parts = append(parts, genai.Text(m.Content))
	}
	return system, parts
}

func (g *GeminiAdapter) Execute(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	start := time.Now()
	model := g.buildModel()
	system, parts := toGeminiParts(req)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if req.Params.Temperature > 0 {
		temp := float32(req.Params.Temperature)
		model.Temperature = &temp
	}
	if req.Params.MaxTokens > 0 {
		maxTokens := int32(req.Params.MaxTokens)
		model.MaxOutputTokens = &maxTokens
	}
	if len(req.Params.Stop) > 0 {
		model.StopSequences = req.Params.Stop
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, mapGeminiError(err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errkind.New(errkind.ServerError, "gemini returned no candidates")
	}

	var content string
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			content += string(text)
		}
	}

	usage := domain.Usage{}
	if resp.UsageMetadata != nil {
		usage.Input = int(resp.UsageMetadata.PromptTokenCount)
		usage.Output = int(resp.UsageMetadata.CandidatesTokenCount)
		usage.Total = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &domain.Response{
		Model:          g.model,
		ProviderID:     g.id,
		Content:        content,
		Usage:          usage,
		FinishReason:   resp.Candidates[0].FinishReason.String(),
		ResponseTimeMs: elapsedMs(start),
	}, nil
}

func (g *GeminiAdapter) Stream(ctx context.Context, req *domain.Request) (domain.ChunkSource, error) {
	model := g.buildModel()
	system, parts := toGeminiParts(req)
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	if req.Params.Temperature > 0 {
		temp := float32(req.Params.Temperature)
		model.Temperature = &temp
	}

	iter := model.GenerateContentStream(ctx, parts...)
	src := newChunkSource(16)
	go func() {
		defer src.finish()
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				src.setErr(mapGeminiError(err))
				return
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			var content string
			for _, part := range resp.Candidates[0].Content.Parts {
				if text, ok := part.(genai.Text); ok {
					content += string(text)
				}
			}
			done := resp.Candidates[0].FinishReason != genai.FinishReasonUnspecified
			select {
			case src.ch <- domain.Chunk{Content: content, Done: done}:
			case <-src.closed:
				return
			case <-ctx.Done():
				src.setErr(mapGeminiError(ctx.Err()))
				return
			}
		}
	}()
	return src, nil
}

func (g *GeminiAdapter) HealthProbe(ctx context.Context) error {
	_, err := g.client.ListModels(ctx).Next()
	if err != nil && !errors.Is(err, iterator.Done) {
		return mapGeminiError(err)
	}
	return nil
}

func (g *GeminiAdapter) ListModels(ctx context.Context) ([]string, error) {
	it := g.client.ListModels(ctx)
	var out []string
	for {
		m, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapGeminiError(err)
		}
		out = append(out, m.Name)
	}
	return out, nil
}
