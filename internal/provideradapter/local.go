package provideradapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/scttfrdmn/airouter/internal/domain"
	"github.com/scttfrdmn/airouter/internal/errkind"
)

// LocalAdapter fronts a self-hosted Ollama-style HTTP runtime, adapted
// from the teacher's adapter/llm/ollama.go request/response shape.
type LocalAdapter struct {
	id      string
	model   string
	baseURL string
	client  *http.Client
}

type localMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localChatRequest struct {
	Model    string         `json:"model"`
	Messages []localMessage `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *localOptions  `json:"options,omitempty"`
}

type localOptions struct {
	Temperature float64  `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type localChatResponse struct {
	Model           string       `json:"model"`
	Message         localMessage `json:"message"`
	Done            bool         `json:"done"`
	PromptEvalCount int          `json:"prompt_eval_count,omitempty"`
	EvalCount       int          `json:"eval_count,omitempty"`
	TotalDuration   int64        `json:"total_duration,omitempty"`
}

// NewLocalAdapter binds to a self-hosted runtime at baseURL.
func NewLocalAdapter(providerID, model, baseURL string) *LocalAdapter {
	if model == "" {
		model = "llama2"
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &LocalAdapter{
		id:      providerID,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (l *LocalAdapter) ID() string { return l.id }

func (l *LocalAdapter) buildRequest(req *domain.Request, stream bool) localChatRequest {
	msgs := toCanonicalMessages(req)
	out := make([]localMessage, len(msgs))
	for i, m := range msgs {
		out[i] = localMessage{Role: m.Role, Content: m.Content}
	}
	body := localChatRequest{Model: l.model, Messages: out, Stream: stream}
	if req.Params.Temperature > 0 || req.Params.MaxTokens > 0 || len(req.Params.Stop) > 0 {
		body.Options = &localOptions{
			Temperature: req.Params.Temperature,
			NumPredict:  req.Params.MaxTokens,
			Stop:        req.Params.Stop,
		}
	}
	return body
}

func mapLocalHTTPError(statusCode int, body []byte) error {
	msg := fmt.Sprintf("local runtime error (%d): %s", statusCode, string(body))
	switch {
	case statusCode == 401:
		return errkind.New(errkind.Unauthorized, msg)
	case statusCode == 403:
		return errkind.New(errkind.Forbidden, msg)
	case statusCode == 404:
		return errkind.New(errkind.NotFound, msg)
	case statusCode == 422:
		return errkind.New(errkind.Unprocessable, msg)
	case statusCode == 429:
		return errkind.New(errkind.RateLimited, msg)
	case statusCode >= 500:
		return errkind.New(errkind.ServerError, msg)
	default:
		return errkind.New(errkind.Network, msg)
	}
}

func (l *LocalAdapter) Execute(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	start := time.Now()
	body := l.buildRequest(req, false)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provideradapter: encode local request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provideradapter: build local request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, mapLocalTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, mapLocalHTTPError(resp.StatusCode, b)
	}

	var parsed localChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errkind.Wrap(errkind.ServerError, "decode local response", err)
	}

	return &domain.Response{
		Model:      parsed.Model,
		ProviderID: l.id,
		Content:    parsed.Message.Content,
		Usage: domain.Usage{
			Input:  parsed.PromptEvalCount,
			Output: parsed.EvalCount,
			Total:  parsed.PromptEvalCount + parsed.EvalCount,
		},
		ResponseTimeMs: elapsedMs(start),
	}, nil
}

func mapLocalTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.Timeout, "local runtime request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return errkind.Wrap(errkind.Cancelled, "local runtime request cancelled", err)
	}
	return errkind.Wrap(errkind.Network, "local runtime request failed", err)
}

func (l *LocalAdapter) Stream(ctx context.Context, req *domain.Request) (domain.ChunkSource, error) {
	body := l.buildRequest(req, true)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provideradapter: encode local request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("provideradapter: build local request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, mapLocalTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, mapLocalHTTPError(resp.StatusCode, b)
	}

	src := newChunkSource(16)
	go func() {
		defer resp.Body.Close()
		defer src.finish()
		decoder := json.NewDecoder(resp.Body)
		for {
			var chunk localChatResponse
			if err := decoder.Decode(&chunk); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				src.setErr(errkind.Wrap(errkind.ServerError, "decode local stream chunk", err))
				return
			}
			select {
			case src.ch <- domain.Chunk{Content: chunk.Message.Content, Done: chunk.Done}:
			case <-src.closed:
				return
			case <-ctx.Done():
				src.setErr(mapLocalTransportError(ctx.Err()))
				return
			}
			if chunk.Done {
				return
			}
		}
	}()
	return src, nil
}

func (l *LocalAdapter) HealthProbe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("provideradapter: build health probe request: %w", err)
	}
	resp, err := l.client.Do(httpReq)
	if err != nil {
		return mapLocalTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return mapLocalHTTPError(resp.StatusCode, b)
	}
	return nil
}

func (l *LocalAdapter) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("provideradapter: build list-models request: %w", err)
	}
	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, mapLocalTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, mapLocalHTTPError(resp.StatusCode, b)
	}
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errkind.Wrap(errkind.ServerError, "decode tags response", err)
	}
	out := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		out = append(out, m.Name)
	}
	return out, nil
}
