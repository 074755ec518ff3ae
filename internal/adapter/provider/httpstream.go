package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"conductor-ai/internal/domain"
	"conductor-ai/internal/infra/config"
)

const defaultStreamTextPath = "choices.0.delta.content"

// BearerSource issues short-lived bearer tokens. *security.TokenCache implements it.
type BearerSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// HTTPStreamProvider streams a chat completion over server-sent events.
type HTTPStreamProvider struct {
	name         string
	kind         domain.ProviderKind
	client       *http.Client
	url          string
	healthURL    string
	apiKey       string
	apiKeyHeader string
	headers      map[string]string
	tokens       BearerSource
	textPath     string
	logger       *slog.Logger
}

// NewHTTPStreamProvider creates an SSE provider. tokens may be nil when the
// provider authenticates with a static API key.
func NewHTTPStreamProvider(cfg config.ProviderConfig, client *http.Client, tokens BearerSource, logger *slog.Logger) *HTTPStreamProvider {
	path := cfg.Path
	if path == "" {
		path = "/v1/chat/completions"
	}
	textPath := cfg.TextPath
	if textPath == "" {
		textPath = defaultStreamTextPath
	}
	if client == nil {
		client = NewHTTPClient(cfg, true)
	}
	p := &HTTPStreamProvider{
		name:         cfg.Name,
		kind:         domain.KindHTTPStream,
		client:       client,
		url:          strings.TrimRight(cfg.BaseURL, "/") + path,
		apiKey:       cfg.APIKey,
		apiKeyHeader: cfg.APIKeyHeader,
		headers:      cfg.Headers,
		tokens:       tokens,
		textPath:     textPath,
		logger:       logger,
	}
	if cfg.HealthPath != "" {
		p.healthURL = strings.TrimRight(cfg.BaseURL, "/") + cfg.HealthPath
	}
	return p
}

func (p *HTTPStreamProvider) Name() string              { return p.name }
func (p *HTTPStreamProvider) Kind() domain.ProviderKind { return p.kind }

// Execute implements domain.Provider.
func (p *HTTPStreamProvider) Execute(ctx context.Context, req domain.ExecuteRequest, onChunk domain.ChunkFunc) (*domain.FinalResult, error) {
	start := time.Now()

	headers, err := p.authHeaders(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.NewProviderError(p.name, req.Model, domain.FailureAuth, "token-refresh", err)
	}

	body, err := json.Marshal(buildChatBody(req, true))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := doStreamRequest(ctx, p.client, p.url, body, headers)
	if err != nil {
		return nil, p.fail(ctx, req.Model, err)
	}

	var out strings.Builder
	var streamErr error
	for ev := range readSSE(ctx, resp.Body, p.decode) {
		if ev.Err != nil {
			streamErr = ev.Err
			continue
		}
		out.WriteString(ev.Text)
		if onChunk != nil {
			onChunk(ev.Text)
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if streamErr != nil {
		return nil, p.fail(ctx, req.Model, streamErr)
	}

	p.logger.Debug("stream completed", "provider", p.name, "model", req.Model, "bytes", out.Len())
	return &domain.FinalResult{
		Text:     out.String(),
		Duration: time.Since(start),
		Model:    req.Model,
	}, nil
}

// decode extracts the text fragment from one SSE data payload. An "error"
// object in the payload ends the stream with a classified failure.
func (p *HTTPStreamProvider) decode(data []byte) (string, error) {
	if !gjson.ValidBytes(data) {
		return "", errSkip
	}
	if e, failed := errorMember(data); failed {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		class := classifyMessage(msg + " " + e.Get("type").String() + " " + e.Get("code").String())
		return "", domain.NewProviderError(p.name, "", class, "stream-error", fmt.Errorf("%s", msg))
	}
	return gjson.GetBytes(data, p.textPath).String(), nil
}

func (p *HTTPStreamProvider) fail(ctx context.Context, model string, err error) error {
	classified := classifyError(ctx, p.name, model, err)
	if p.tokens != nil && domain.ClassOf(classified) == domain.FailureAuth && ctx.Err() == nil {
		p.tokens.Invalidate()
	}
	if pe, ok := classified.(*domain.ProviderError); ok && pe.Model == "" {
		pe.Model = model
	}
	return classified
}

func (p *HTTPStreamProvider) authHeaders(ctx context.Context) (map[string]string, error) {
	headers := make(map[string]string, len(p.headers)+1)
	for k, v := range p.headers {
		headers[k] = v
	}
	switch {
	case p.tokens != nil:
		tok, err := p.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		headers["Authorization"] = "Bearer " + tok
	case p.apiKey != "" && p.apiKeyHeader != "":
		headers[p.apiKeyHeader] = p.apiKey
	case p.apiKey != "":
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	return headers, nil
}

// IsAvailable probes the health path when one is configured; otherwise a
// provider with credentials is assumed reachable.
func (p *HTTPStreamProvider) IsAvailable(ctx context.Context) bool {
	headers, err := p.authHeaders(ctx)
	if err != nil {
		return false
	}
	if p.healthURL == "" {
		return true
	}
	return probe(ctx, p.client, p.healthURL, headers)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatBody struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// buildChatBody renders the session history and the new prompt as a chat request.
func buildChatBody(req domain.ExecuteRequest, stream bool) chatBody {
	msgs := make([]chatMessage, 0, len(req.History)+2)
	if req.Agent != nil && req.Agent.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.Agent.SystemPrompt})
	}
	for _, h := range req.History {
		msgs = append(msgs, chatMessage{Role: string(h.Role), Content: h.Text})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	return chatBody{Model: req.Model, Messages: msgs, Stream: stream}
}

var _ domain.Provider = (*HTTPStreamProvider)(nil)
