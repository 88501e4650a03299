// Package secrets resolves model provider API keys, either from a
// remote keys manager or from the environment.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/assist/config"
)

// Client fetches provider API keys from the keys manager, falling back
// to environment-supplied keys when no manager is configured.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client

	envKeys map[string]string

	mu    sync.Mutex
	cache map[string]string
}

// NewClient creates a keys client from configuration.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.KeysManagerURL, "/"),
		token:   cfg.KeysManagerToken,
		httpc:   &http.Client{Timeout: 5 * time.Second},
		envKeys: map[string]string{
			"openai": cfg.OpenAIAPIKey,
			"gemini": cfg.GeminiAPIKey,
			"claude": cfg.AnthropicAPIKey,
		},
		cache: make(map[string]string),
	}
}

type keyResponse struct {
	APIKey string `json:"api_key"`
}

// APIKey resolves the key for a provider. Keys from the manager are
// cached for the process lifetime.
func (c *Client) APIKey(ctx context.Context, provider string) (string, error) {
	if c.baseURL == "" {
		if key := c.envKeys[provider]; key != "" {
			return key, nil
		}
		return "", fmt.Errorf("no API key configured for provider %q", provider)
	}

	c.mu.Lock()
	if key, ok := c.cache[provider]; ok {
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	key, err := c.fetch(ctx, provider)
	if err != nil {
		// Fall back to the environment if the manager is unreachable.
		if envKey := c.envKeys[provider]; envKey != "" {
			return envKey, nil
		}
		return "", err
	}

	c.mu.Lock()
	c.cache[provider] = key
	c.mu.Unlock()
	return key, nil
}

func (c *Client) fetch(ctx context.Context, provider string) (string, error) {
	url := fmt.Sprintf("%s/keys/%s", c.baseURL, provider)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Internal-Token", c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("keys manager request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("keys manager returned %d: %s", resp.StatusCode, string(body))
	}

	var kr keyResponse
	if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
		return "", fmt.Errorf("keys manager response: %w", err)
	}
	if kr.APIKey == "" {
		return "", fmt.Errorf("keys manager returned empty key for %q", provider)
	}
	return kr.APIKey, nil
}
