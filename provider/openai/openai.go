package openai_gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultAPIURL = "https://api.openai.com/v1"

// ErrUnavailable indicates the gateway could not be reached or returned a
// server-side failure. Callers treat it as transient.
var ErrUnavailable = errors.New("inference gateway unavailable")

// client implements the gateway interface using OpenAI's API
type client struct {
	apiKey          string
	baseURL         string
	completionModel string
	embeddingModel  string
	temperature     float64
	maxTokens       int
	httpClient      *http.Client
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// request represents a chat completion request
type request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// response represents a chat completion response
type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ForecastPoint is one forecast step with its confidence interval.
type ForecastPoint struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
	Lower float64   `json:"lower"`
	Upper float64   `json:"upper"`
}

// NewClient creates a new OpenAI-backed gateway client
func NewClient(apiKey, baseURL, completionModel, embeddingModel string, temperature float64, maxTokens int, timeout time.Duration) *client {
	if baseURL == "" {
		baseURL = defaultAPIURL
	}
	return &client{
		apiKey:          apiKey,
		baseURL:         strings.TrimRight(baseURL, "/"),
		completionModel: completionModel,
		embeddingModel:  embeddingModel,
		temperature:     temperature,
		maxTokens:       maxTokens,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// Generate returns free-form text for the given prompt.
func (c *client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.sendRequest(ctx, []Message{{Role: "user", Content: prompt}})
}

// GenerateBool asks for a strict yes/no judgment and parses it.
func (c *client) GenerateBool(ctx context.Context, prompt string) (bool, error) {
	wrapped := fmt.Sprintf(`%s

Respond ONLY with valid JSON in the following format:
{"answer": true}
Do not include any other text or explanation.`, prompt)

	raw, err := c.sendRequest(ctx, []Message{{Role: "user", Content: wrapped}})
	if err != nil {
		return false, err
	}
	var resp struct {
		Answer bool `json:"answer"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		// tolerate bare true/false answers
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true", "yes":
			return true, nil
		case "false", "no":
			return false, nil
		}
		return false, fmt.Errorf("failed to parse bool response: %w", err)
	}
	return resp.Answer, nil
}

// GenerateFloat asks for a single numeric score and parses it.
func (c *client) GenerateFloat(ctx context.Context, prompt string) (float64, error) {
	wrapped := fmt.Sprintf(`%s

Respond ONLY with valid JSON in the following format:
{"value": 0.0}
Do not include any other text or explanation.`, prompt)

	raw, err := c.sendRequest(ctx, []Message{{Role: "user", Content: wrapped}})
	if err != nil {
		return 0, err
	}
	var resp struct {
		Value float64 `json:"value"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		if v, perr := strconv.ParseFloat(strings.TrimSpace(raw), 64); perr == nil {
			return v, nil
		}
		return 0, fmt.Errorf("failed to parse float response: %w", err)
	}
	return resp.Value, nil
}

// GenerateEmbedding generates an embedding for the given text.
func (c *client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	requestBody := map[string]interface{}{
		"model": c.embeddingModel,
		"input": []string{text},
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var openaiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(openaiResp.Data) == 0 {
		return nil, fmt.Errorf("no embedding in response")
	}
	return openaiResp.Data[0].Embedding, nil
}

// Forecast projects the series forward by horizon steps with the requested
// confidence level. The model is conditioned on the raw series and must
// answer with one point per step.
func (c *client) Forecast(ctx context.Context, series []float64, horizon int, confidence float64) ([]ForecastPoint, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("forecast requires a non-empty series")
	}
	if horizon <= 0 {
		return nil, fmt.Errorf("forecast horizon must be > 0")
	}

	vals := make([]string, len(series))
	for i, v := range series {
		vals[i] = strconv.FormatFloat(v, 'f', 4, 64)
	}
	prompt := fmt.Sprintf(`You are a time-series forecasting assistant.

SERIES (oldest to newest, fixed interval):
[%s]

Forecast the next %d values with a %.0f%% confidence interval.

Respond ONLY with valid JSON in the following format:
{"points": [{"value": 0.0, "lower": 0.0, "upper": 0.0}]}
Return exactly %d points. Do not include any other text or explanation.`,
		strings.Join(vals, ", "), horizon, confidence*100, horizon)

	raw, err := c.sendRequest(ctx, []Message{{Role: "user", Content: prompt}})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Points []struct {
			Value float64 `json:"value"`
			Lower float64 `json:"lower"`
			Upper float64 `json:"upper"`
		} `json:"points"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse forecast: %w", err)
	}
	if len(resp.Points) == 0 {
		return nil, fmt.Errorf("empty forecast")
	}

	now := time.Now().UTC()
	out := make([]ForecastPoint, len(resp.Points))
	for i, p := range resp.Points {
		out[i] = ForecastPoint{
			TS:    now.Add(time.Duration(i+1) * time.Minute),
			Value: p.Value,
			Lower: p.Lower,
			Upper: p.Upper,
		}
	}
	return out, nil
}

// sendRequest sends a chat completion request
func (c *client) sendRequest(ctx context.Context, messages []Message) (string, error) {
	requestBody := request{
		Model:       c.completionModel,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var openaiResp response
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(openaiResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return openaiResp.Choices[0].Message.Content, nil
}

// extractJSON strips markdown fences and surrounding prose so strict JSON
// parsing has a chance with chatty models.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	end := strings.LastIndexAny(s, "}]")
	if end < start {
		return s
	}
	return s[start : end+1]
}
