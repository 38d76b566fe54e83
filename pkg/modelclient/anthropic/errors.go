package anthropic

import (
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"

	domainerrors "github.com/ci-remediator/ci-remediator/internal/errors"
)

// classifyError translates the SDK's transport errors into the domain
// taxonomy of §7 so the Orchestrator never sees raw transport errors.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return domainerrors.New(domainerrors.CategoryTransient, "rate_limited", "anthropic rate limit", err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return domainerrors.New(domainerrors.CategoryAuth, "upstream_rejected", "anthropic auth failure", err)
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return domainerrors.New(domainerrors.CategoryTransient, "upstream_timeout", "anthropic request timed out", err)
		default:
			if apiErr.StatusCode >= 500 {
				return domainerrors.New(domainerrors.CategoryTransient, "upstream_timeout", "anthropic server error", err)
			}
		}
	}
	return domainerrors.New(domainerrors.CategoryMalformed, "parse_malformed", "anthropic call failed", err)
}
