// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration parsed from environment variables
// with an optional YAML overlay for the orchestration block.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	OpenRouterAPIKey  string `env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	OpenRouterReferer string `env:"OPENROUTER_REFERER"`
	OpenRouterTitle   string `env:"OPENROUTER_TITLE" envDefault:"PromptFuse"`

	TavilyAPIKey  string `env:"TAVILY_API_KEY"`
	TavilyBaseURL string `env:"TAVILY_BASE_URL" envDefault:"https://api.tavily.com"`

	// Orchestration budgets and flags. A YAML config file referenced by
	// CONFIG_FILE overrides this block when present.
	Models                  []string `env:"MODELS" envSeparator:"," envDefault:"openai/gpt-4o,anthropic/claude-3.5-sonnet,google/gemini-pro-1.5"`
	JudgeModel              string   `env:"JUDGE_MODEL" envDefault:"anthropic/claude-3.5-sonnet"`
	PerModelTimeoutMs       int      `env:"PER_MODEL_TIMEOUT_MS" envDefault:"30000"`
	JudgeTimeoutMs          int      `env:"JUDGE_TIMEOUT_MS" envDefault:"45000"`
	DebateTimeoutMs         int      `env:"DEBATE_TIMEOUT_MS" envDefault:"30000"`
	JudgeFeedbackTimeoutMs  int      `env:"JUDGE_FEEDBACK_TIMEOUT_MS" envDefault:"15000"`
	ResearchModelTimeoutMs  int      `env:"RESEARCH_MODEL_TIMEOUT_MS" envDefault:"45000"`
	MaxPromptLength         int      `env:"MAX_PROMPT_LENGTH" envDefault:"8000"`
	MinModelsForJudge       int      `env:"MIN_MODELS_FOR_JUDGE" envDefault:"2"`
	MaxAnswerLengthForJudge int      `env:"MAX_ANSWER_LENGTH_FOR_JUDGE" envDefault:"4000"`
	EnableEarlyJudge        bool     `env:"ENABLE_EARLY_JUDGE" envDefault:"true"`
	EnableDebate            bool     `env:"ENABLE_DEBATE" envDefault:"false"`
	MaxDebateRounds         int      `env:"MAX_DEBATE_ROUNDS" envDefault:"2"`
	ResearchMaxResults      int      `env:"RESEARCH_MAX_RESULTS" envDefault:"8"`
	MaxCallRetries          int      `env:"MAX_CALL_RETRIES" envDefault:"2"`
	ImageModel              string   `env:"IMAGE_MODEL" envDefault:"google/gemini-2.0-flash-exp:free"`

	ConfigFile string `env:"CONFIG_FILE"`

	FrontendOrigin  string `env:"FRONTEND_ORIGIN" envDefault:"*"`
	RateLimitPerMin int    `env:"RATE_LIMIT_PER_MIN" envDefault:"30"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"promptfuse"`

	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"120s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	JobQueueCapacity   int           `env:"JOB_QUEUE_CAPACITY" envDefault:"64"`
	JobMaxAgeHours     int           `env:"JOB_MAX_AGE_HOURS" envDefault:"24"`
	JobCleanupInterval time.Duration `env:"JOB_CLEANUP_INTERVAL" envDefault:"1h"`
}

// FileConfig is the YAML config document. Only set fields override env.
type FileConfig struct {
	Models                  []string `yaml:"models"`
	JudgeModel              string   `yaml:"judge_model"`
	PerModelTimeoutMs       int      `yaml:"per_model_timeout_ms"`
	JudgeTimeoutMs          int      `yaml:"judge_timeout_ms"`
	DebateTimeoutMs         int      `yaml:"debate_timeout_ms"`
	JudgeFeedbackTimeoutMs  int      `yaml:"judge_feedback_timeout_ms"`
	MaxPromptLength         int      `yaml:"max_prompt_length"`
	MinModelsForJudge       int      `yaml:"min_models_for_judge"`
	MaxAnswerLengthForJudge int      `yaml:"max_answer_length_for_judge"`
	EnableEarlyJudge        *bool    `yaml:"enable_early_judge"`
	EnableDebate            *bool    `yaml:"enable_debate"`
	MaxDebateRounds         *int     `yaml:"max_debate_rounds"`
}

// Load parses environment variables into a Config and applies the optional
// YAML overlay referenced by CONFIG_FILE.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=config.applyFile: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("op=config.applyFile: %w", err)
	}
	if len(fc.Models) > 0 {
		c.Models = fc.Models
	}
	if fc.JudgeModel != "" {
		c.JudgeModel = fc.JudgeModel
	}
	if fc.PerModelTimeoutMs > 0 {
		c.PerModelTimeoutMs = fc.PerModelTimeoutMs
	}
	if fc.JudgeTimeoutMs > 0 {
		c.JudgeTimeoutMs = fc.JudgeTimeoutMs
	}
	if fc.DebateTimeoutMs > 0 {
		c.DebateTimeoutMs = fc.DebateTimeoutMs
	}
	if fc.JudgeFeedbackTimeoutMs > 0 {
		c.JudgeFeedbackTimeoutMs = fc.JudgeFeedbackTimeoutMs
	}
	if fc.MaxPromptLength > 0 {
		c.MaxPromptLength = fc.MaxPromptLength
	}
	if fc.MinModelsForJudge > 0 {
		c.MinModelsForJudge = fc.MinModelsForJudge
	}
	if fc.MaxAnswerLengthForJudge > 0 {
		c.MaxAnswerLengthForJudge = fc.MaxAnswerLengthForJudge
	}
	if fc.EnableEarlyJudge != nil {
		c.EnableEarlyJudge = *fc.EnableEarlyJudge
	}
	if fc.EnableDebate != nil {
		c.EnableDebate = *fc.EnableDebate
	}
	if fc.MaxDebateRounds != nil {
		c.MaxDebateRounds = *fc.MaxDebateRounds
	}
	return nil
}

// PerModelTimeout is the per-call budget for query-phase model calls.
func (c Config) PerModelTimeout() time.Duration {
	return time.Duration(c.PerModelTimeoutMs) * time.Millisecond
}

// JudgeTimeout is the per-call budget for judge synthesis calls.
func (c Config) JudgeTimeout() time.Duration {
	return time.Duration(c.JudgeTimeoutMs) * time.Millisecond
}

// DebateTimeout is the per-call budget for debate refinement calls.
func (c Config) DebateTimeout() time.Duration {
	return time.Duration(c.DebateTimeoutMs) * time.Millisecond
}

// JudgeFeedbackTimeout is the per-call budget for debate feedback calls.
func (c Config) JudgeFeedbackTimeout() time.Duration {
	return time.Duration(c.JudgeFeedbackTimeoutMs) * time.Millisecond
}

// ResearchModelTimeout is the extended budget for researched-answer calls.
func (c Config) ResearchModelTimeout() time.Duration {
	return time.Duration(c.ResearchModelTimeoutMs) * time.Millisecond
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// SearchEnabled reports whether the web-search provider is usable. An empty
// API key forces the research pipeline into the no-sources branch.
func (c Config) SearchEnabled() bool { return c.TavilyAPIKey != "" }
