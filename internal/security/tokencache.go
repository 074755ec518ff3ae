package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// MinSafetyMargin is the smallest margin a TokenCache honours before expiry.
const MinSafetyMargin = 60 * time.Second

// Token is a short-lived bearer credential.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Scopes    []string
}

// Refresher obtains a fresh token for the given scopes.
type Refresher interface {
	Refresh(ctx context.Context, scopes []string) (Token, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, scopes []string) (Token, error)

func (f RefresherFunc) Refresh(ctx context.Context, scopes []string) (Token, error) {
	return f(ctx, scopes)
}

// TokenCache holds one bearer credential for one authentication method.
// Concurrent callers that find the token stale share a single refresh.
type TokenCache struct {
	name      string
	refresher Refresher
	scopes    []string
	margin    time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	token Token
	group singleflight.Group
}

// NewTokenCache creates a cache. A margin below MinSafetyMargin is raised to it.
func NewTokenCache(name string, refresher Refresher, scopes []string, margin time.Duration) *TokenCache {
	if margin < MinSafetyMargin {
		margin = MinSafetyMargin
	}
	return &TokenCache{
		name:      name,
		refresher: refresher,
		scopes:    scopes,
		margin:    margin,
		now:       time.Now,
	}
}

// Name returns the authentication method this cache serves.
func (c *TokenCache) Name() string { return c.name }

// Token returns a valid bearer token, refreshing it when the cached one is
// within the safety margin of expiry or lacks a required scope.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok := c.token
	c.mu.RUnlock()

	if c.valid(tok) {
		return tok.Value, nil
	}

	ch := c.group.DoChan(c.name, func() (any, error) {
		// Another waiter may have refreshed while we queued.
		c.mu.RLock()
		cur := c.token
		c.mu.RUnlock()
		if c.valid(cur) {
			return cur, nil
		}

		// The refresh outlives any single caller's cancellation.
		fresh, err := c.refresher.Refresh(context.WithoutCancel(ctx), c.scopes)
		if err != nil {
			return nil, fmt.Errorf("refresh token %s: %w", c.name, err)
		}
		if fresh.Value == "" {
			return nil, fmt.Errorf("refresh token %s: empty token", c.name)
		}
		if len(fresh.Scopes) == 0 {
			fresh.Scopes = c.scopes
		}

		c.mu.Lock()
		c.token = fresh
		c.mu.Unlock()
		return fresh, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		fresh := res.Val.(Token)
		if !c.usable(fresh) {
			return "", fmt.Errorf("token %s: refreshed token expires within safety margin", c.name)
		}
		return fresh.Value, nil
	}
}

// Invalidate drops the cached token so the next call refreshes.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = Token{}
	c.mu.Unlock()
}

func (c *TokenCache) valid(tok Token) bool {
	return c.usable(tok) && hasScopes(tok.Scopes, c.scopes)
}

func (c *TokenCache) usable(tok Token) bool {
	return tok.Value != "" && c.now().Before(tok.ExpiresAt.Add(-c.margin))
}

func hasScopes(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// CommandRefresher runs an external command and reads the token from stdout.
// Output is either a bare token or JSON with access_token/token and expires_in.
type CommandRefresher struct {
	Command    string
	Args       []string
	DefaultTTL time.Duration
	Timeout    time.Duration
}

func (r *CommandRefresher) Refresh(ctx context.Context, scopes []string) (Token, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Token{}, fmt.Errorf("run %s: %w: %s", r.Command, err, strings.TrimSpace(stderr.String()))
	}

	return parseTokenOutput(stdout.Bytes(), r.DefaultTTL, scopes, time.Now())
}

// ClientCredentialsRefresher performs an OAuth2 client-credentials exchange.
type ClientCredentialsRefresher struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Client       *http.Client
}

func (r *ClientCredentialsRefresher) Refresh(ctx context.Context, scopes []string) (Token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {r.ClientID},
		"client_secret": {r.ClientSecret},
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("token exchange failed %d: %s", resp.StatusCode, string(body))
	}

	return parseTokenOutput(body, 0, scopes, time.Now())
}

func parseTokenOutput(out []byte, defaultTTL time.Duration, scopes []string, now time.Time) (Token, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return Token{}, fmt.Errorf("empty token output")
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}

	if trimmed[0] != '{' {
		return Token{Value: string(trimmed), ExpiresAt: now.Add(defaultTTL), Scopes: scopes}, nil
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		Token       string `json:"token"`
		ExpiresIn   int    `json:"expires_in"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return Token{}, fmt.Errorf("parse token response: %w", err)
	}

	tok := Token{Value: resp.AccessToken, Scopes: scopes}
	if tok.Value == "" {
		tok.Value = resp.Token
	}
	if resp.Scope != "" {
		tok.Scopes = strings.Fields(resp.Scope)
	}
	if resp.ExpiresIn > 0 {
		tok.ExpiresAt = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	} else {
		tok.ExpiresAt = now.Add(defaultTTL)
	}
	return tok, nil
}
