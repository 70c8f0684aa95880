// HTTP client for the remote translation engine.
//
// The engine exposes a JSON API:
//
//	POST /translate        {"text","sourceLanguage","targetLanguage"}
//	  → {"translatedText","confidence","modelTier","processingTime"}
//	POST /translate/batch  {"text","sourceLanguage","targetLanguages":[...]}
//	  → {"translations":[{"targetLanguage","translatedText","confidence","modelTier"}]}
//	GET  /health
//
// Every call carries the configured timeout; a timed-out call is a plain
// failure and is retried by the coordinator, not here.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EngineClient implements Translator against the remote engine's HTTP API.
type EngineClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewEngineClient constructs a client with the given per-call timeout.
func NewEngineClient(baseURL string, timeout time.Duration) *EngineClient {
	return &EngineClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type translateRequest struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
}

type translateResponse struct {
	TranslatedText string  `json:"translatedText"`
	Confidence     float64 `json:"confidence"`
	ModelTier      string  `json:"modelTier"`
	ProcessingTime int64   `json:"processingTime"`
}

type batchRequest struct {
	Text            string   `json:"text"`
	SourceLanguage  string   `json:"sourceLanguage"`
	TargetLanguages []string `json:"targetLanguages"`
}

type batchResponse struct {
	Translations []struct {
		TargetLanguage string  `json:"targetLanguage"`
		TranslatedText string  `json:"translatedText"`
		Confidence     float64 `json:"confidence"`
		ModelTier      string  `json:"modelTier"`
	} `json:"translations"`
}

// Translate implements Translator.
func (c *EngineClient) Translate(ctx context.Context, text, source, target string) (*Result, error) {
	var resp translateResponse
	err := c.post(ctx, "/translate", translateRequest{
		Text:           text,
		SourceLanguage: source,
		TargetLanguage: target,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &Result{
		TargetLanguage: target,
		Text:           resp.TranslatedText,
		Confidence:     resp.Confidence,
		ModelTier:      resp.ModelTier,
	}, nil
}

// TranslateBatch implements Translator.
func (c *EngineClient) TranslateBatch(ctx context.Context, text, source string, targets []string) ([]Result, error) {
	var resp batchResponse
	err := c.post(ctx, "/translate/batch", batchRequest{
		Text:            text,
		SourceLanguage:  source,
		TargetLanguages: targets,
	}, &resp)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(resp.Translations))
	for _, t := range resp.Translations {
		out = append(out, Result{
			TargetLanguage: t.TargetLanguage,
			Text:           t.TranslatedText,
			Confidence:     t.Confidence,
			ModelTier:      t.ModelTier,
		})
	}
	return out, nil
}

// Healthy implements Translator.
func (c *EngineClient) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *EngineClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Bounded read keeps a misbehaving engine from bloating error logs.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
