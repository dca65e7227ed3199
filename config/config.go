package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the intelligence pipeline
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Insight   InsightConfig   `mapstructure:"insight"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Recommend RecommendConfig `mapstructure:"recommend"`
	Scaling   ScalingConfig   `mapstructure:"scaling"`
	Baseline  BaselineConfig  `mapstructure:"baseline"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	Listen    string `mapstructure:"listen"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Env       string `mapstructure:"env"`
}

// GatewayConfig contains inference gateway settings
type GatewayConfig struct {
	Type            string        `mapstructure:"type"` // openai, local, etc.
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func (g GatewayConfig) Validate() error {
	if strings.TrimSpace(g.Type) == "" {
		return fmt.Errorf("gateway.type is required")
	}
	if g.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be > 0")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles the connection string from either the url or discrete fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PipelineConfig controls the staging/validation/enrichment job.
type PipelineConfig struct {
	BatchSize           int                 `mapstructure:"batch_size"`
	ValidationThreshold float64             `mapstructure:"validation_threshold"`
	MaxAttempts         int                 `mapstructure:"max_attempts"`
	TaskTimeout         time.Duration       `mapstructure:"task_timeout"`
	RetentionDays       int                 `mapstructure:"retention_days"`
	CategoryKeywords    map[string][]string `mapstructure:"category_keywords"`
}

// Normalize applies defaults for unset pipeline values.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.BatchSize <= 0 {
		p.BatchSize = 50
	}
	if p.ValidationThreshold <= 0 {
		p.ValidationThreshold = 0.7
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.TaskTimeout <= 0 {
		p.TaskTimeout = 10 * time.Minute
	}
	if p.RetentionDays <= 0 {
		p.RetentionDays = 30
	}
	return p
}

// InsightConfig controls the stream insight generator.
type InsightConfig struct {
	HistoryWindow   time.Duration `mapstructure:"history_window"`
	TTL             time.Duration `mapstructure:"ttl"`
	SecondaryFactor float64       `mapstructure:"secondary_factor"`
	ColdStartCap    float64       `mapstructure:"cold_start_cap"`
	BatchSize       int           `mapstructure:"batch_size"`
	RetentionDays   int           `mapstructure:"retention_days"`
}

func (i InsightConfig) Normalize() InsightConfig {
	if i.HistoryWindow <= 0 {
		i.HistoryWindow = 24 * time.Hour
	}
	if i.TTL <= 0 {
		i.TTL = 24 * time.Hour
	}
	if i.SecondaryFactor <= 0 {
		i.SecondaryFactor = 0.9
	}
	if i.ColdStartCap <= 0 {
		i.ColdStartCap = 0.5
	}
	if i.BatchSize <= 0 {
		i.BatchSize = 25
	}
	if i.RetentionDays <= 0 {
		i.RetentionDays = 7
	}
	return i
}

// AlertConfig controls the alert evaluator.
type AlertConfig struct {
	SignificanceThreshold float64       `mapstructure:"significance_threshold"`
	MinConfidence         float64       `mapstructure:"min_confidence"`
	Freshness             time.Duration `mapstructure:"freshness"`
	BatchSize             int           `mapstructure:"batch_size"`
	RetentionDays         int           `mapstructure:"retention_days"`
}

func (a AlertConfig) Normalize() AlertConfig {
	if a.SignificanceThreshold <= 0 {
		a.SignificanceThreshold = 0.7
	}
	if a.MinConfidence <= 0 {
		a.MinConfidence = 0.6
	}
	if a.Freshness <= 0 {
		a.Freshness = time.Hour
	}
	if a.BatchSize <= 0 {
		a.BatchSize = 25
	}
	if a.RetentionDays <= 0 {
		a.RetentionDays = 90
	}
	return a
}

// RecommendConfig controls the context-aware recommendation engine.
type RecommendConfig struct {
	LookbackDays  int           `mapstructure:"lookback_days"`
	TopK          int           `mapstructure:"top_k"`
	UserBatch     int           `mapstructure:"user_batch"`
	TTL           time.Duration `mapstructure:"ttl"`
	RetentionDays int           `mapstructure:"retention_days"`
}

func (r RecommendConfig) Normalize() RecommendConfig {
	if r.LookbackDays <= 0 {
		r.LookbackDays = 30
	}
	if r.TopK <= 0 {
		r.TopK = 5
	}
	if r.UserBatch <= 0 {
		r.UserBatch = 20
	}
	if r.TTL <= 0 {
		r.TTL = 4 * time.Hour
	}
	if r.RetentionDays <= 0 {
		r.RetentionDays = 30
	}
	return r
}

// ScalingConfig controls the adaptive resource scaling controller.
type ScalingConfig struct {
	ForecastHorizon     int            `mapstructure:"forecast_horizon"`
	ForecastConfidence  float64        `mapstructure:"forecast_confidence"`
	ForecastMaxAge      time.Duration  `mapstructure:"forecast_max_age"`
	MinROI              float64        `mapstructure:"min_roi"`
	FallbackHysteresis  float64        `mapstructure:"fallback_hysteresis"`
	SampleRetentionDays int            `mapstructure:"sample_retention_days"`
	Policies            []PolicyConfig `mapstructure:"policies"`
}

// PolicyConfig seeds one per-resource scaling policy.
type PolicyConfig struct {
	ResourceKind   string        `mapstructure:"resource_kind"`
	MinCapacity    int           `mapstructure:"min_capacity"`
	MaxCapacity    int           `mapstructure:"max_capacity"`
	UpThreshold    float64       `mapstructure:"up_threshold"`
	DownThreshold  float64       `mapstructure:"down_threshold"`
	ScaleIncrement int           `mapstructure:"scale_increment"`
	CooldownPeriod time.Duration `mapstructure:"cooldown_period"`
}

// Validate rejects misconfigured policies at config-write time.
func (p PolicyConfig) Validate() error {
	if strings.TrimSpace(p.ResourceKind) == "" {
		return fmt.Errorf("scaling.policies: resource_kind required")
	}
	if p.MinCapacity < 0 || p.MaxCapacity < p.MinCapacity {
		return fmt.Errorf("scaling.policies[%s]: require 0 <= min_capacity <= max_capacity", p.ResourceKind)
	}
	if p.DownThreshold >= p.UpThreshold {
		return fmt.Errorf("scaling.policies[%s]: down_threshold must be < up_threshold", p.ResourceKind)
	}
	if p.ScaleIncrement <= 0 {
		return fmt.Errorf("scaling.policies[%s]: scale_increment must be > 0", p.ResourceKind)
	}
	if p.CooldownPeriod <= 0 {
		return fmt.Errorf("scaling.policies[%s]: cooldown_period must be > 0", p.ResourceKind)
	}
	return nil
}

func (s ScalingConfig) Normalize() ScalingConfig {
	if s.ForecastHorizon <= 0 {
		s.ForecastHorizon = 6
	}
	if s.ForecastConfidence <= 0 {
		s.ForecastConfidence = 0.9
	}
	if s.ForecastMaxAge <= 0 {
		s.ForecastMaxAge = 15 * time.Minute
	}
	if s.MinROI <= 0 {
		s.MinROI = 1.0
	}
	if s.FallbackHysteresis <= 0 {
		s.FallbackHysteresis = 0.1
	}
	if s.SampleRetentionDays <= 0 {
		s.SampleRetentionDays = 7
	}
	return s
}

func (s ScalingConfig) Validate() error {
	for _, p := range s.Policies {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BaselineConfig controls the performance baseline & regression detector.
type BaselineConfig struct {
	WindowDays    int     `mapstructure:"window_days"`
	ModerateRatio float64 `mapstructure:"moderate_ratio"`
	SevereRatio   float64 `mapstructure:"severe_ratio"`
}

func (b BaselineConfig) Normalize() BaselineConfig {
	if b.WindowDays <= 0 {
		b.WindowDays = 7
	}
	if b.ModerateRatio <= 0 {
		b.ModerateRatio = 1.5
	}
	if b.SevereRatio <= 0 {
		b.SevereRatio = 2.0
	}
	return b
}

// JobsConfig holds cron cadences for the periodic jobs. Supports @hourly,
// @daily and standard 5-field cron expressions.
type JobsConfig struct {
	Pipeline        string `mapstructure:"pipeline"`
	Insights        string `mapstructure:"insights"`
	Alerts          string `mapstructure:"alerts"`
	Deliver         string `mapstructure:"deliver"`
	Recommendations string `mapstructure:"recommendations"`
	Scaling         string `mapstructure:"scaling"`
	Baseline        string `mapstructure:"baseline"`
	Cleanup         string `mapstructure:"cleanup"`
}

func (j JobsConfig) Normalize() JobsConfig {
	if j.Pipeline == "" {
		j.Pipeline = "*/5 * * * *"
	}
	if j.Insights == "" {
		j.Insights = "*/10 * * * *"
	}
	if j.Alerts == "" {
		j.Alerts = "*/10 * * * *"
	}
	if j.Deliver == "" {
		j.Deliver = "* * * * *"
	}
	if j.Recommendations == "" {
		j.Recommendations = "0 * * * *"
	}
	if j.Scaling == "" {
		j.Scaling = "*/5 * * * *"
	}
	if j.Baseline == "" {
		j.Baseline = "@daily"
	}
	if j.Cleanup == "" {
		j.Cleanup = "@daily"
	}
	return j
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

func (t TelemetryConfig) Normalize() TelemetryConfig {
	if t.Namespace == "" {
		t.Namespace = "knowd"
	}
	return t
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("general.listen", ":10011")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("gateway.type", "openai")
	viper.SetDefault("gateway.completion_model", "gpt-4o-mini")
	viper.SetDefault("gateway.embedding_model", "text-embedding-3-small")
	viper.SetDefault("gateway.temperature", 0.2)
	viper.SetDefault("gateway.max_tokens", 2048)
	viper.SetDefault("gateway.timeout", "30s")
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("KNOWD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Pipeline = config.Pipeline.Normalize()
	config.Insight = config.Insight.Normalize()
	config.Alert = config.Alert.Normalize()
	config.Recommend = config.Recommend.Normalize()
	config.Scaling = config.Scaling.Normalize()
	config.Baseline = config.Baseline.Normalize()
	config.Jobs = config.Jobs.Normalize()
	config.Telemetry = config.Telemetry.Normalize()

	if err := config.Gateway.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Redis.Validate(); err != nil {
		panic(err)
	}
	if err := config.Scaling.Validate(); err != nil {
		panic(err)
	}
	return &config
}
