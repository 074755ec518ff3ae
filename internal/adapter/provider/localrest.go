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

// Local inference servers get a short connect timeout and a long response timeout.
const (
	localConnTimeout = 5 * time.Second
	localRespTimeout = 300 * time.Second
)

// LocalRESTProvider talks to a same-host inference server. In stream mode it
// reuses the SSE read loop against the local origin.
type LocalRESTProvider struct {
	name      string
	client    *http.Client
	url       string
	healthURL string
	headers   map[string]string
	textPath  string
	stream    *HTTPStreamProvider
	logger    *slog.Logger
}

// NewLocalRESTProvider creates a local REST provider.
func NewLocalRESTProvider(cfg config.ProviderConfig, logger *slog.Logger) *LocalRESTProvider {
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = localConnTimeout
	}
	if cfg.RespTimeout <= 0 {
		cfg.RespTimeout = localRespTimeout
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	path := cfg.Path
	if path == "" {
		path = "/api/chat"
	}
	health := cfg.HealthPath
	if health == "" {
		health = "/api/tags"
	}
	textPath := cfg.TextPath
	if textPath == "" {
		textPath = "message.content"
	}

	p := &LocalRESTProvider{
		name:      cfg.Name,
		client:    NewHTTPClient(cfg, false),
		url:       base + path,
		healthURL: base + health,
		headers:   cfg.Headers,
		textPath:  textPath,
		logger:    logger,
	}
	if cfg.Stream {
		cfg.Path = path
		p.stream = NewHTTPStreamProvider(cfg, NewHTTPClient(cfg, true), nil, logger)
		p.stream.kind = domain.KindLocalREST
	}
	return p
}

func (p *LocalRESTProvider) Name() string              { return p.name }
func (p *LocalRESTProvider) Kind() domain.ProviderKind { return domain.KindLocalREST }

// Execute implements domain.Provider. Without streaming onChunk is not called.
func (p *LocalRESTProvider) Execute(ctx context.Context, req domain.ExecuteRequest, onChunk domain.ChunkFunc) (*domain.FinalResult, error) {
	if p.stream != nil {
		return p.stream.Execute(ctx, req, onChunk)
	}

	start := time.Now()
	body, err := json.Marshal(buildChatBody(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.url, body, p.headers)
	if err != nil {
		return nil, classifyError(ctx, p.name, req.Model, err)
	}

	if e, failed := errorMember(respBody); failed {
		msg := e.String()
		return nil, domain.NewProviderError(p.name, req.Model, classifyMessage(msg), "backend-error", fmt.Errorf("%s", msg))
	}
	text := gjson.GetBytes(respBody, p.textPath)
	if !text.Exists() {
		return nil, domain.NewProviderError(p.name, req.Model, domain.FailureUnavailable, "no-text",
			fmt.Errorf("response has no %q field", p.textPath))
	}

	model := gjson.GetBytes(respBody, "model").String()
	if model == "" {
		model = req.Model
	}
	p.logger.Debug("local completion", "provider", p.name, "model", model, "duration", time.Since(start))
	return &domain.FinalResult{
		Text:     text.String(),
		Duration: time.Since(start),
		Model:    model,
	}, nil
}

// IsAvailable reports whether the health endpoint answers.
func (p *LocalRESTProvider) IsAvailable(ctx context.Context) bool {
	return probe(ctx, p.client, p.healthURL, p.headers)
}

var _ domain.Provider = (*LocalRESTProvider)(nil)
