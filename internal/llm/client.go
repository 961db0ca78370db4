// Package llm wraps the OpenAI chat completion API with a typed error taxonomy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/PageBlocks/internal/util"
	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"
)

const defaultTimeout = 60 * time.Second

// CompletionRequest is one chat completion call.
type CompletionRequest struct {
	System      string
	User        string
	Model       string
	MaxTokens   int
	Temperature float64
}

// GenerationResult is the provider answer with its token usage.
// TotalTokens always equals PromptTokens + CompletionTokens.
type GenerationResult struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Model            string `json:"model"`
}

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client performs chat completions. It never retries.
type Client struct {
	api     *openai.Client
	apiKey  string
	timeout time.Duration
	logger  log.FieldLogger
}

// Option customises a Client.
type Option func(*clientOptions)

type clientOptions struct {
	transport http.RoundTripper
	logger    log.FieldLogger
}

// WithTransport sets the underlying HTTP transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.transport = rt }
}

// WithLogger sets the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// NewClient builds a Client. A missing API key is reported on the first call, not here.
func NewClient(cfg Config, opts ...Option) *Client {
	o := clientOptions{logger: log.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	apiCfg := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		apiCfg.BaseURL = strings.TrimRight(base, "/")
	}
	apiCfg.HTTPClient = &http.Client{Transport: &capturingTransport{base: o.transport}}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	o.logger.WithFields(log.Fields{
		"base_url": apiCfg.BaseURL,
		"api_key":  util.HideAPIKey(strings.TrimSpace(cfg.APIKey)),
		"timeout":  timeout,
	}).Debug("llm: client configured")
	return &Client{
		api:     openai.NewClientWithConfig(apiCfg),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		timeout: timeout,
		logger:  o.logger,
	}
}

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (GenerationResult, error) {
	if c.apiKey == "" {
		return GenerationResult{}, ErrMissingAPIKey
	}
	if ctx == nil {
		ctx = context.Background()
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ex := &exchange{}
	callCtx = withExchange(callCtx, ex)

	started := time.Now()
	resp, errCall := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	})
	requestDuration.WithLabelValues(req.Model).Observe(time.Since(started).Seconds())

	if errCall != nil {
		err := c.classify(ctx, callCtx, errCall, ex)
		requestsTotal.WithLabelValues(req.Model, outcomeLabel(err)).Inc()
		c.logger.WithError(errCall).WithFields(log.Fields{
			"model":  req.Model,
			"status": ex.status,
		}).Warn("llm: chat completion failed")
		return GenerationResult{}, err
	}

	if len(resp.Choices) == 0 {
		requestsTotal.WithLabelValues(req.Model, "invalid_response").Inc()
		return GenerationResult{}, &InvalidResponseError{APIError: &APIError{
			StatusCode:   ex.status,
			ResponseBody: string(ex.body),
			Message:      "response contained no choices",
		}}
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	result := GenerationResult{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		Model:            model,
	}
	if resp.Usage.TotalTokens != result.TotalTokens {
		c.logger.WithFields(log.Fields{
			"model":          model,
			"reported_total": resp.Usage.TotalTokens,
			"summed_total":   result.TotalTokens,
		}).Debug("llm: provider total_tokens differs from prompt+completion")
	}

	requestsTotal.WithLabelValues(req.Model, "success").Inc()
	tokensTotal.WithLabelValues(model, "prompt").Add(float64(result.PromptTokens))
	tokensTotal.WithLabelValues(model, "completion").Add(float64(result.CompletionTokens))
	return result, nil
}

// classify maps a go-openai error onto the taxonomy using what the transport captured.
func (c *Client) classify(parent, callCtx context.Context, err error, ex *exchange) error {
	body := string(ex.body)

	if ex.status == 0 {
		if parent.Err() != nil {
			return fmt.Errorf("llm: request cancelled: %w", parent.Err())
		}
		var netErr net.Error
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) ||
			(errors.As(err, &netErr) && netErr.Timeout()) {
			return &TimeoutError{APIError: &APIError{
				Message: fmt.Sprintf("request timed out after %s", c.timeout),
				Err:     err,
			}}
		}
		return &NetworkError{APIError: &APIError{Message: "connection failed: " + err.Error(), Err: err}}
	}

	base := &APIError{StatusCode: ex.status, ResponseBody: body, Err: err}
	switch {
	case ex.status == http.StatusTooManyRequests:
		base.Message = "rate limited"
		return &RateLimitError{APIError: base, RetryAfter: ex.retryAfter}
	case ex.status >= 200 && ex.status < 300:
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			base.Message = fmt.Sprintf("response body timed out after %s", c.timeout)
			return &TimeoutError{APIError: base}
		}
		base.Message = "malformed response body"
		return &InvalidResponseError{APIError: base}
	default:
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			base.Message = apiErr.Message
		} else {
			base.Message = http.StatusText(ex.status)
		}
		return base
	}
}

func outcomeLabel(err error) string {
	var (
		rateErr    *RateLimitError
		timeoutErr *TimeoutError
		netErr     *NetworkError
		invalidErr *InvalidResponseError
	)
	switch {
	case errors.As(err, &rateErr):
		return "rate_limited"
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &invalidErr):
		return "invalid_response"
	default:
		return "api_error"
	}
}
