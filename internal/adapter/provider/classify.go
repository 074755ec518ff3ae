package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"conductor-ai/internal/domain"
)

// Body and message markers that identify a failure class regardless of status code.
var (
	quotaMarkers = []string{"insufficient_quota", "quota", "rate limit", "rate_limit", "too many requests"}
	authMarkers  = []string{"unauthorized", "invalid api key", "invalid_api_key", "authentication", "permission denied"}
)

// classifyStatus maps an HTTP status and body to a failure class and reason.
func classifyStatus(status int, body []byte) (domain.FailureClass, string) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.FailureAuth, fmt.Sprintf("http-%d", status)
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		return domain.FailureQuotaExceeded, fmt.Sprintf("http-%d", status)
	}
	if containsAny(strings.ToLower(string(body)), quotaMarkers) {
		return domain.FailureQuotaExceeded, "quota-marker"
	}
	if status >= 500 {
		return domain.FailureUnavailable, "http-5xx"
	}
	return domain.FailureUnavailable, fmt.Sprintf("http-%d", status)
}

// classifyMessage maps a free-form backend error message to a failure class.
func classifyMessage(msg string) domain.FailureClass {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, authMarkers):
		return domain.FailureAuth
	case containsAny(lower, quotaMarkers):
		return domain.FailureQuotaExceeded
	default:
		return domain.FailureUnavailable
	}
}

// classifyError turns any error from a backend call into a *domain.ProviderError.
// Context cancellation is returned unchanged so callers can tell it apart from
// a provider failure.
func classifyError(ctx context.Context, provider, model string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	var se *statusError
	if errors.As(err, &se) {
		class, reason := classifyStatus(se.Status, se.Body)
		return domain.NewProviderError(provider, model, class, reason, err)
	}

	return domain.NewProviderError(provider, model, domain.FailureUnavailable, "connection", err)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// errorMember returns the "error" member of a JSON payload when it reports a
// failure. Null, false and empty values mean no error.
func errorMember(data []byte) (gjson.Result, bool) {
	e := gjson.GetBytes(data, "error")
	switch {
	case !e.Exists(), e.Type == gjson.Null, e.Type == gjson.False:
		return e, false
	case e.Type == gjson.String && strings.TrimSpace(e.Str) == "":
		return e, false
	case e.IsObject() && len(e.Map()) == 0:
		return e, false
	}
	return e, true
}
