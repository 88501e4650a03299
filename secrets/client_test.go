package secrets_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/assist/config"
	"github.com/xiaot623/assist/secrets"
)

func TestAPIKeyFromEnvWhenNoManager(t *testing.T) {
	c := secrets.NewClient(&config.Config{OpenAIAPIKey: "sk-env"})

	key, err := c.APIKey(context.Background(), "openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", key)

	_, err = c.APIKey(context.Background(), "gemini")
	require.Error(t, err)
}

func TestAPIKeyFromManager(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "/keys/claude", r.URL.Path)
		assert.Equal(t, "secret-token", r.Header.Get("X-Internal-Token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"api_key":"sk-managed"}`))
	}))
	defer srv.Close()

	c := secrets.NewClient(&config.Config{
		KeysManagerURL:   srv.URL,
		KeysManagerToken: "secret-token",
	})

	key, err := c.APIKey(context.Background(), "claude")
	require.NoError(t, err)
	assert.Equal(t, "sk-managed", key)

	// Second call hits the cache.
	key, err = c.APIKey(context.Background(), "claude")
	require.NoError(t, err)
	assert.Equal(t, "sk-managed", key)
	assert.Equal(t, 1, requests)
}

func TestAPIKeyFallsBackToEnvOnManagerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := secrets.NewClient(&config.Config{
		KeysManagerURL: srv.URL,
		GeminiAPIKey:   "sk-fallback",
	})

	key, err := c.APIKey(context.Background(), "gemini")
	require.NoError(t, err)
	assert.Equal(t, "sk-fallback", key)

	_, err = c.APIKey(context.Background(), "openai")
	require.Error(t, err)
}
