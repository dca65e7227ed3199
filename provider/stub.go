package provider

import "context"

// StubGateway is a deterministic Gateway for tests. Unset hooks return
// zero values so tests only wire what they assert on.
type StubGateway struct {
	GenerateFn          func(ctx context.Context, prompt string) (string, error)
	GenerateBoolFn      func(ctx context.Context, prompt string) (bool, error)
	GenerateFloatFn     func(ctx context.Context, prompt string) (float64, error)
	GenerateEmbeddingFn func(ctx context.Context, text string) ([]float32, error)
	ForecastFn          func(ctx context.Context, series []float64, horizon int, confidence float64) ([]ForecastPoint, error)
}

func (s *StubGateway) Generate(ctx context.Context, prompt string) (string, error) {
	if s.GenerateFn != nil {
		return s.GenerateFn(ctx, prompt)
	}
	return "", nil
}

func (s *StubGateway) GenerateBool(ctx context.Context, prompt string) (bool, error) {
	if s.GenerateBoolFn != nil {
		return s.GenerateBoolFn(ctx, prompt)
	}
	return false, nil
}

func (s *StubGateway) GenerateFloat(ctx context.Context, prompt string) (float64, error) {
	if s.GenerateFloatFn != nil {
		return s.GenerateFloatFn(ctx, prompt)
	}
	return 0, nil
}

func (s *StubGateway) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if s.GenerateEmbeddingFn != nil {
		return s.GenerateEmbeddingFn(ctx, text)
	}
	return make([]float32, 8), nil
}

func (s *StubGateway) Forecast(ctx context.Context, series []float64, horizon int, confidence float64) ([]ForecastPoint, error) {
	if s.ForecastFn != nil {
		return s.ForecastFn(ctx, series, horizon, confidence)
	}
	return nil, nil
}
