package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// FetchZaiModels lists the models of an Anthropic-compatible API-key upstream
// via its /v1/models endpoint. The result is deduped and sorted.
func FetchZaiModels(ctx context.Context, client *http.Client, baseURL, apiKey string) ([]string, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("z.ai base_url is empty")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("z.ai api_key is not set")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	url := joinBaseURL(baseURL, "/v1/models")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		preview := body
		if len(preview) > 4000 {
			preview = preview[:4000]
		}
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, preview)
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("invalid JSON response: %w", err)
	}

	models := extractModelIDs(parsed)
	out := models[:0]
	for _, m := range models {
		if strings.TrimSpace(m) != "" {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return dedupe(out), nil
}

// extractModelIDs pulls model identifiers from the common list shapes:
// a bare array, {data: [...]}, or {models: [...]}
func extractModelIDs(value any) []string {
	var out []string

	pushItem := func(item any) {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			if id, ok := v["id"].(string); ok {
				out = append(out, id)
			} else if name, ok := v["name"].(string); ok {
				out = append(out, name)
			}
		}
	}

	switch v := value.(type) {
	case []any:
		for _, item := range v {
			pushItem(item)
		}
	case map[string]any:
		if data, ok := v["data"].([]any); ok {
			for _, item := range data {
				pushItem(item)
			}
		}
		if models, ok := v["models"]; ok {
			if arr, ok := models.([]any); ok {
				for _, item := range arr {
					pushItem(item)
				}
			} else {
				pushItem(models)
			}
		}
	}
	return out
}

func joinBaseURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	var prev string
	for i, s := range sorted {
		if i == 0 || s != prev {
			out = append(out, s)
		}
		prev = s
	}
	return out
}
