package openai

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/extractable/extractable/internal/ratelimit"
)

// Config for the OpenAI gateway.
type Config struct {
	APIKey  string // if empty, falls back to env OPENAI_API_KEY
	BaseURL string // default https://api.openai.com/v1

	// Model identifiers per complexity tier.
	SimpleModel  string
	RegularModel string
	ComplexModel string

	Timeout    time.Duration // http client timeout
	MaxRetries int           // attempts on provider rate-limit responses
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Client wraps outbound model calls with budget checks, provider-side
// rate-limit retries, and tier selection. It implements llm.Generator.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	estimate   ratelimit.Estimator
	log        *slog.Logger
}

func NewClient(cfg Config, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.SimpleModel == "" {
		cfg.SimpleModel = "gpt-5-nano"
	}
	if cfg.RegularModel == "" {
		cfg.RegularModel = "gpt-5-mini"
	}
	if cfg.ComplexModel == "" {
		cfg.ComplexModel = "gpt-5"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		estimate:   ratelimit.DefaultEstimator,
		log:        logger,
	}
}

// SetEstimator replaces the token cost estimator. Ceilings tuned per model
// usually need a matching estimate.
func (c *Client) SetEstimator(e ratelimit.Estimator) {
	if e != nil {
		c.estimate = e
	}
}
