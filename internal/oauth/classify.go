package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/shineum/graph-mail-relay/internal/mailerr"
)

// Entra ID error codes that appear in error_description.
const (
	aadAppNotFound     = "AADSTS700016" // application not found in tenant
	aadTenantNotFound  = "AADSTS90002"
	aadTenantMalformed = "AADSTS900023"
)

// classifyExchangeError maps a token endpoint failure onto the auth reasons.
func classifyExchangeError(op string, flow Flow, err error) error {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return mailerr.Auth(mailerr.ReasonNetworkUnavailable, op, err)
	}

	status := 0
	if rErr.Response != nil {
		status = rErr.Response.StatusCode
	}
	reason := retrieveErrorReason(flow, status, rErr.ErrorCode, rErr.ErrorDescription)

	wrapped := fmt.Errorf("token endpoint rejected request (%s): %w", rErr.ErrorCode, err)
	if reason == mailerr.ReasonNeedsInteractiveSetup {
		wrapped = fmt.Errorf("%w: %w", mailerr.ErrNeedsInteractiveSetup, wrapped)
	}

	e := mailerr.Auth(reason, op, wrapped)
	e.StatusCode = status
	return e
}

func retrieveErrorReason(flow Flow, status int, code, description string) mailerr.Reason {
	switch {
	case status >= http.StatusInternalServerError:
		return mailerr.ReasonNetworkUnavailable
	case strings.Contains(description, aadTenantNotFound), strings.Contains(description, aadTenantMalformed):
		return mailerr.ReasonTenantMisconfigured
	}

	switch code {
	case "invalid_client":
		if strings.Contains(description, aadAppNotFound) {
			return mailerr.ReasonTenantMisconfigured
		}
		// AADSTS7000222 and AADSTS7000215 both mean the secret no longer works.
		return mailerr.ReasonSecretExpired
	case "invalid_grant":
		if flow == FlowDelegated {
			return mailerr.ReasonNeedsInteractiveSetup
		}
		return mailerr.ReasonTenantMisconfigured
	default:
		return mailerr.ReasonTenantMisconfigured
	}
}
