package llmclient

import (
	"context"
	"errors"
	"net/http"
	"strings"

	genai "google.golang.org/genai"
)

// GeminiClient is a thin wrapper around the official genai client.
// It only focuses on the API call itself. Cross-cutting concerns
// (rate limiting, retries, logging) are applied via Middleware.
type GeminiClient struct {
	cli   *genai.Client
	model string
}

// GeminiOptions overrides transport details, mostly for tests.
type GeminiOptions struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewGeminiClient(ctx context.Context, apiKey, model string, opts ...GeminiOptions) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	for _, o := range opts {
		if o.BaseURL != "" {
			cfg.HTTPOptions.BaseURL = o.BaseURL
		}
		if o.HTTPClient != nil {
			cfg.HTTPClient = o.HTTPClient
		}
	}
	cli, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &GeminiClient{cli: cli, model: model}, nil
}

func (g *GeminiClient) Name() string { return "Gemini:" + g.model }
func (g *GeminiClient) Close() error { return nil }

// Generate sends the prompt followed by every image as inline PNG data and
// returns the concatenated text of the first candidate.
func (g *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	parts := make([]*genai.Part, 0, 1+len(req.Images))
	parts = append(parts, &genai.Part{Text: req.Prompt})
	for _, img := range req.Images {
		mime := img.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: img.Data}})
	}
	cfg := &genai.GenerateContentConfig{}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Role: "user", Parts: parts}},
		cfg,
	)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// Client-side rejections (bad key, bad request) will not change on retry;
// throttling and server errors might.
func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
			return NewPermanentError(err)
		}
	}
	return err
}
