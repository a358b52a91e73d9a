// ABOUTME: Tests for server assembly from configuration
// ABOUTME: Covers provider construction errors and route wiring

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/console-gateway/internal/config"
	"github.com/2389/console-gateway/internal/store"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "localhost:0"
	cfg.Database.Path = ":memory:"
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.AttemptTTL = time.Minute
	cfg.Auth.SweepInterval = time.Minute
	cfg.Sessions.IdleTimeout = time.Hour
	cfg.Sessions.ReapInterval = time.Minute
	cfg.Events.Buffer = 16
	cfg.Events.PingInterval = time.Minute
	cfg.Setup.Complete = true
	return cfg
}

func TestNew_BuildsFromConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Auth.Providers = []config.ProviderConfig{
		{ID: "local", Type: "local"},
		{ID: "proxy", Type: "proxy", Header: "X-Test-User"},
	}
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	srv, err := New(cfg, Options{Store: store.NewMockStore()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	for _, path := range []string{"/healthz", "/metrics"} {
		w := httptest.NewRecorder()
		srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestNew_LDAPWithoutDirectoryBinding(t *testing.T) {
	cfg := baseConfig()
	cfg.Auth.Providers = []config.ProviderConfig{{ID: "corp", Type: "ldap"}}

	_, err := New(cfg, Options{Store: store.NewMockStore()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory binding")
}

func TestNew_SSOWithoutBrokerBinding(t *testing.T) {
	cfg := baseConfig()
	cfg.Auth.Providers = []config.ProviderConfig{{ID: "okta", Type: "sso"}}

	_, err := New(cfg, Options{Store: store.NewMockStore()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker binding")
}

func TestNew_RejectsMultipleProxyProviders(t *testing.T) {
	cfg := baseConfig()
	cfg.Auth.Providers = []config.ProviderConfig{
		{ID: "p1", Type: "proxy"},
		{ID: "p2", Type: "proxy"},
	}

	_, err := New(cfg, Options{Store: store.NewMockStore()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple proxy providers")
}
