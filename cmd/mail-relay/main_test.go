package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/graph-mail-relay/internal/config"
	"github.com/shineum/graph-mail-relay/internal/mailerr"
	"github.com/shineum/graph-mail-relay/internal/oauth"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(append(args, "--env-file", ""))
	root.SetOut(&out)
	root.SetErr(&out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func setOAuthEnv(t *testing.T, authority string) {
	t.Helper()
	t.Setenv("MAIL_OAUTH2_ENABLED", "true")
	t.Setenv("MAIL_OAUTH2_TENANT_ID", "contoso-tenant")
	t.Setenv("MAIL_OAUTH2_CLIENT_ID", "client-123")
	t.Setenv("MAIL_OAUTH2_CLIENT_SECRET", "s3cret")
	t.Setenv("MAIL_OAUTH2_SENDER_EMAIL", "noreply@contoso.com")
	t.Setenv("MAIL_OAUTH2_AUTHORITY", authority)
	t.Setenv("LOG_LEVEL", "error")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestBuildTransport_DisabledUsesLegacy(t *testing.T) {
	cfg := &config.Config{}
	cfg.Mail.Transport = config.TransportStdout

	prov, tokens, err := buildTransport(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, tokens)
	assert.Equal(t, "stdout", prov.Name())
}

func TestBuildTransport_EnabledUsesGraph(t *testing.T) {
	setOAuthEnv(t, "https://login.example.invalid")
	cfg, err := config.Load()
	require.NoError(t, err)

	prov, tokens, err := buildTransport(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, tokens)
	assert.Equal(t, "msgraph", prov.Name())
	assert.Equal(t, oauth.FlowClientCredentials, tokens.Flow())
}

func TestSendTest_DryRunAcquiresToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/contoso-tenant/oauth2/v2.0/token") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()
	setOAuthEnv(t, srv.URL)

	out, err := run(t, "send-test", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Token acquired (flow client_credentials)")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendTest_DryRunDisabled(t *testing.T) {
	t.Setenv("MAIL_OAUTH2_ENABLED", "false")
	t.Setenv("MAIL_TRANSPORT", "stdout")
	t.Setenv("LOG_LEVEL", "error")

	out, err := run(t, "send-test", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "OAuth2 delivery is disabled")
}

func TestSendTest_RequiresRecipient(t *testing.T) {
	t.Setenv("MAIL_OAUTH2_ENABLED", "false")
	t.Setenv("MAIL_TRANSPORT", "stdout")
	t.Setenv("LOG_LEVEL", "error")

	_, err := run(t, "send-test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--to")
}

func TestConfigErrorFailsFast(t *testing.T) {
	t.Setenv("MAIL_OAUTH2_ENABLED", "true")
	t.Setenv("MAIL_OAUTH2_TENANT_ID", "")
	t.Setenv("MAIL_OAUTH2_CLIENT_ID", "client-123")
	t.Setenv("MAIL_OAUTH2_SENDER_EMAIL", "noreply@contoso.com")

	out, err := run(t, "send-test", "--dry-run")
	require.Error(t, err)
	assert.Equal(t, mailerr.KindConfiguration, mailerr.KindOf(err))
	assert.Contains(t, out, "MAIL_OAUTH2_TENANT_ID")
}

func TestTokenSetup_RequiresDelegatedFlow(t *testing.T) {
	setOAuthEnv(t, "https://login.example.invalid")

	_, err := run(t, "token-setup", "--no-browser")
	require.Error(t, err)
	assert.Equal(t, mailerr.KindConfiguration, mailerr.KindOf(err))
}
