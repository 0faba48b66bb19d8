package oauth

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"

	"github.com/shineum/graph-mail-relay/internal/mailerr"
)

func TestClassifyExchangeError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		flow   Flow
		status int
		code   string
		desc   string
		want   mailerr.Reason
	}{
		{"expired secret", FlowClientCredentials, 401, "invalid_client", "AADSTS7000222: client secret keys are expired", mailerr.ReasonSecretExpired},
		{"invalid secret", FlowClientCredentials, 401, "invalid_client", "AADSTS7000215: Invalid client secret provided", mailerr.ReasonSecretExpired},
		{"unknown application", FlowClientCredentials, 400, "unauthorized_client", "AADSTS700016: Application not found", mailerr.ReasonTenantMisconfigured},
		{"unknown application as invalid_client", FlowClientCredentials, 401, "invalid_client", "AADSTS700016: Application not found", mailerr.ReasonTenantMisconfigured},
		{"tenant not found", FlowClientCredentials, 400, "invalid_request", "AADSTS90002: Tenant 'x' not found", mailerr.ReasonTenantMisconfigured},
		{"malformed tenant", FlowClientCredentials, 400, "invalid_request", "AADSTS900023: Specified tenant identifier is neither a valid DNS name", mailerr.ReasonTenantMisconfigured},
		{"revoked refresh token", FlowDelegated, 400, "invalid_grant", "AADSTS70008: refresh token has expired", mailerr.ReasonNeedsInteractiveSetup},
		{"invalid grant app-only", FlowClientCredentials, 400, "invalid_grant", "", mailerr.ReasonTenantMisconfigured},
		{"server error", FlowClientCredentials, 503, "temporarily_unavailable", "", mailerr.ReasonNetworkUnavailable},
		{"unrecognized code", FlowClientCredentials, 400, "invalid_scope", "", mailerr.ReasonTenantMisconfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := classifyExchangeError("oauth.acquire", tt.flow, &oauth2.RetrieveError{
				Response:         &http.Response{StatusCode: tt.status},
				ErrorCode:        tt.code,
				ErrorDescription: tt.desc,
			})
			assert.Equal(t, mailerr.KindAuth, mailerr.KindOf(err))
			assert.Equal(t, tt.want, mailerr.ReasonOf(err))

			var e *mailerr.Error
			if assert.ErrorAs(t, err, &e) {
				assert.Equal(t, tt.status, e.StatusCode)
			}
			assert.Equal(t, tt.want == mailerr.ReasonNeedsInteractiveSetup,
				errors.Is(err, mailerr.ErrNeedsInteractiveSetup))
		})
	}
}

func TestClassifyExchangeError_TransportFailure(t *testing.T) {
	t.Parallel()

	err := classifyExchangeError("oauth.acquire", FlowClientCredentials, errors.New("dial tcp: connection refused"))
	assert.Equal(t, mailerr.ReasonNetworkUnavailable, mailerr.ReasonOf(err))
}
