package provider

import (
	"context"
	"errors"
	"time"

	"github.com/knowd-platform/knowd/config"
	openai_gateway "github.com/knowd-platform/knowd/provider/openai"
)

// Client represents different inference gateway backends
type Client string

const (
	OpenAI Client = "openai"
	Local  Client = "local"
)

// ForecastPoint is one step of a workload forecast with its confidence band.
type ForecastPoint = openai_gateway.ForecastPoint

// Gateway is the interface the inference service must satisfy. It is treated
// as a slow, fallible, non-deterministic text producer; only the numeric and
// boolean outputs drive control flow.
type Gateway interface {
	Generate(ctx context.Context, prompt string) (string, error)
	GenerateBool(ctx context.Context, prompt string) (bool, error)
	GenerateFloat(ctx context.Context, prompt string) (float64, error)
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	Forecast(ctx context.Context, series []float64, horizon int, confidence float64) ([]ForecastPoint, error)
}

// ErrUnavailable is returned by implementations when the backing service
// cannot be reached; callers skip the cycle and retry on the next tick.
var ErrUnavailable = openai_gateway.ErrUnavailable

// NewGateway creates a gateway client based on the provided configuration
func NewGateway(client Client, cfg config.GatewayConfig) (Gateway, error) {
	switch client {
	case OpenAI:
		if cfg.APIKey == "" {
			return nil, errors.New("gateway.api_key not set")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		return openai_gateway.NewClient(
			cfg.APIKey,
			cfg.BaseURL,
			cfg.CompletionModel,
			cfg.EmbeddingModel,
			cfg.Temperature,
			cfg.MaxTokens,
			timeout,
		), nil
	case Local:
		return nil, errors.New("local gateway not implemented yet")
	default:
		return nil, errors.New("unsupported gateway type")
	}
}
