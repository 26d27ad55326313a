package cli

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/flowbus/internal/auth"
	"github.com/ramiqadoumi/flowbus/internal/memory"
	"github.com/ramiqadoumi/flowbus/services/eventbus/config"
)

func TestBuildAuthenticator(t *testing.T) {
	_, err := buildAuthenticator(config.Config{})
	assert.Error(t, err, "refuses to start without any credential source")

	_, err = buildAuthenticator(config.Config{StaticTokens: []string{"missing-user"}})
	assert.Error(t, err)

	a, err := buildAuthenticator(config.Config{JWTSecret: "s3cret", StaticTokens: []string{"dev-token:user-1"}})
	require.NoError(t, err)
	id, err := a.Authenticate(context.Background(), "dev-token")
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)

	_, err = a.Authenticate(context.Background(), "forged")
	assert.True(t, auth.IsUnauthorized(err))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	cases := map[string]bool{
		"":                         true,
		"https://app.example.com":  true,
		"http://bus.internal:8080": true, // same host as the request
		"https://evil.example.com": false,
	}
	for origin, want := range cases {
		r := httptest.NewRequest("GET", "http://bus.internal:8080/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, check(r), origin)
	}

	r := httptest.NewRequest("GET", "http://bus.internal:8080/ws", nil)
	r.Header.Set("Origin", "https://anything.example.com")
	assert.True(t, originChecker([]string{"*"})(r))
}

func TestOpenStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := openStore(config.Config{StoreDriver: "memory"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, st)

	_, err = openStore(config.Config{StoreDriver: "cassandra"}, logger)
	assert.Error(t, err)
}

func TestInitCmd_WritesDefaultConfig(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "eventbus.yaml")
	cfgFile = dest
	t.Cleanup(func() { cfgFile = "" })

	cmd := newInitCmd("eventbus", defaultEventbusYAML)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, defaultEventbusYAML, string(got))

	assert.Error(t, cmd.Execute(), "existing file is not overwritten without --force")
}
