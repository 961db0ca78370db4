// Package generation runs a single block generation: prompt, model call, parse, ledger, image.
package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/router-for-me/PageBlocks/internal/blocks"
	"github.com/router-for-me/PageBlocks/internal/llm"
	"github.com/router-for-me/PageBlocks/internal/media"
	"github.com/router-for-me/PageBlocks/internal/models"
	"github.com/router-for-me/PageBlocks/internal/pages"
	"github.com/router-for-me/PageBlocks/internal/parser"
	"github.com/router-for-me/PageBlocks/internal/prompt"
	"github.com/router-for-me/PageBlocks/internal/usage"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Validation errors.
var (
	ErrPostNotFound            = pages.ErrNotFound
	ErrInvalidPostType         = pages.ErrInvalidPostType
	ErrInvalidBlockType        = errors.New("generation: invalid block type")
	ErrInsufficientPermissions = errors.New("generation: insufficient permissions")
)

var (
	blocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pageblocks_blocks_generated_total",
			Help: "Total number of block generation attempts by block type and outcome.",
		},
		[]string{"block_type", "status"},
	)
	blockDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pageblocks_block_generation_seconds",
			Help:    "Duration of block generation attempts.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"block_type"},
	)
)

// Completer performs one chat completion.
type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (llm.GenerationResult, error)
}

// Renderer builds the prompt for a block.
type Renderer interface {
	Render(ctx context.Context, blockType string, vars map[string]string) (prompt.Rendered, error)
}

// CostTracker is the ledger and budget gate.
type CostTracker interface {
	EstimateCost(ctx context.Context, model string, promptTokens, maxCompletionTokens int) decimal.Decimal
	CheckBudget(ctx context.Context, estimate decimal.Decimal) error
	RecordUsage(ctx context.Context, entry usage.Entry) (decimal.Decimal, error)
}

// ImageMatcher finds a tagged image for keywords.
type ImageMatcher interface {
	FindMatchingImage(ctx context.Context, keywords []string) (*media.Match, error)
}

// PageSource resolves prompt context for a page.
type PageSource interface {
	Context(ctx context.Context, postID uint64) (map[string]string, error)
}

// ModelSettings supplies runtime model parameters.
type ModelSettings interface {
	Model() string
	MaxTokens() int
	Temperature() float64
}

// Request is one block generation request.
type Request struct {
	PostID    uint64
	BlockType string
	Context   map[string]string
	UserID    *uint64
}

// BlockResult is a successful generation.
type BlockResult struct {
	llm.GenerationResult
	BlockType string          `json:"block_type"`
	Fields    parser.Fields   `json:"fields"`
	Cost      decimal.Decimal `json:"cost"`
	Duration  time.Duration   `json:"-"`
	Image     *media.Match    `json:"image,omitempty"`
}

// Deps are the collaborators of Service.
type Deps struct {
	Prompts  Renderer
	LLM      Completer
	Costs    CostTracker
	Images   ImageMatcher
	Pages    PageSource
	Settings ModelSettings
	Logger   log.FieldLogger
	// CountTokens estimates prompt tokens; defaults to usage.CountTokens.
	CountTokens func(model, text string) int
}

// Service generates single blocks.
type Service struct {
	deps Deps
	now  func() time.Time
}

// NewService builds a Service.
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	if deps.CountTokens == nil {
		deps.CountTokens = usage.CountTokens
	}
	return &Service{deps: deps, now: time.Now}
}

// GeneratePageBlock loads the page context and generates blockType for it.
func (s *Service) GeneratePageBlock(ctx context.Context, postID uint64, blockType string, userID *uint64) (*BlockResult, error) {
	if s.deps.Pages == nil {
		return nil, errors.New("generation: no page source configured")
	}
	vars, errCtx := s.deps.Pages.Context(ctx, postID)
	if errCtx != nil {
		return nil, errCtx
	}
	return s.GenerateBlock(ctx, Request{PostID: postID, BlockType: blockType, Context: vars, UserID: userID})
}

// GenerateBlock runs one attempt. Every attempt that reaches the model writes exactly one
// ledger row; budget refusals happen before any paid call and write nothing.
func (s *Service) GenerateBlock(ctx context.Context, req Request) (*BlockResult, error) {
	def, ok := blocks.Lookup(req.BlockType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBlockType, req.BlockType)
	}
	logger := s.deps.Logger.WithFields(log.Fields{"post_id": req.PostID, "block_type": def.ID})
	started := s.now()

	rendered, errRender := s.deps.Prompts.Render(ctx, def.ID, req.Context)
	if errRender != nil {
		return nil, fmt.Errorf("generation: render prompt: %w", errRender)
	}
	if len(rendered.Missing) > 0 {
		logger.WithField("missing", rendered.Missing).Warn("generation: prompt placeholders without context values")
	}

	model := s.deps.Settings.Model()
	maxTokens := s.deps.Settings.MaxTokens()
	promptTokens := s.deps.CountTokens(model, rendered.System) + s.deps.CountTokens(model, rendered.User)
	estimate := s.deps.Costs.EstimateCost(ctx, model, promptTokens, maxTokens)
	if errBudget := s.deps.Costs.CheckBudget(ctx, estimate); errBudget != nil {
		blocksTotal.WithLabelValues(def.ID, "budget_exceeded").Inc()
		logger.WithError(errBudget).Warn("generation: budget gate refused call")
		return nil, errBudget
	}

	// Once the gate passes the attempt runs to completion and is recorded even if
	// the caller goes away; cancellation is honored between blocks.
	callCtx := context.WithoutCancel(ctx)
	result, errCall := s.deps.LLM.Complete(callCtx, llm.CompletionRequest{
		System:      rendered.System,
		User:        rendered.User,
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: s.deps.Settings.Temperature(),
	})
	if errCall != nil {
		s.recordFailure(callCtx, logger, req, model, llm.GenerationResult{Model: model}, errCall)
		s.observe(def.ID, "failed", started)
		return nil, errCall
	}

	fields, errParse := parser.Parse(def.ID, result.Content)
	if errParse != nil {
		s.recordFailure(callCtx, logger, req, model, result, errParse)
		s.observe(def.ID, "failed", started)
		return nil, errParse
	}

	cost, errRecord := s.deps.Costs.RecordUsage(callCtx, usage.Entry{
		PostID:    req.PostID,
		BlockType: def.ID,
		Result:    result,
		Model:     model,
		Status:    models.GenerationStatusSuccess,
		UserID:    req.UserID,
	})
	if errRecord != nil {
		logger.WithError(errRecord).Error("generation: failed to record usage")
	}

	out := &BlockResult{
		GenerationResult: result,
		BlockType:        def.ID,
		Fields:           fields,
		Cost:             cost,
	}
	if def.HasImage() && s.deps.Images != nil {
		s.attachImage(ctx, logger, def, req.Context, out)
	}
	out.Duration = s.now().Sub(started)
	s.observe(def.ID, "success", started)
	logger.WithFields(log.Fields{
		"model":        result.Model,
		"total_tokens": result.TotalTokens,
		"cost":         cost.String(),
	}).Info("generation: block generated")
	return out, nil
}

func (s *Service) recordFailure(ctx context.Context, logger log.FieldLogger, req Request, model string, result llm.GenerationResult, cause error) {
	if _, errRecord := s.deps.Costs.RecordUsage(ctx, usage.Entry{
		PostID:       req.PostID,
		BlockType:    req.BlockType,
		Result:       result,
		Model:        model,
		Status:       models.GenerationStatusFailed,
		ErrorMessage: cause.Error(),
		Err:          cause,
		UserID:       req.UserID,
	}); errRecord != nil {
		logger.WithError(errRecord).Error("generation: failed to record failed attempt")
	}
	logger.WithError(cause).WithField("status_code", llm.StatusCode(cause)).Warn("generation: block generation failed")
}

// attachImage is best effort; lookup errors are logged and ignored.
func (s *Service) attachImage(ctx context.Context, logger log.FieldLogger, def blocks.Definition, vars map[string]string, out *BlockResult) {
	keywords := media.Keywords(def, vars)
	if len(keywords) == 0 {
		return
	}
	match, errMatch := s.deps.Images.FindMatchingImage(ctx, keywords)
	if errMatch != nil {
		logger.WithError(errMatch).Warn("generation: image match failed")
		return
	}
	if match == nil {
		return
	}
	out.Image = match
	out.Fields[def.ImageField] = match.AttachmentID
}

func (s *Service) observe(blockType, status string, started time.Time) {
	blocksTotal.WithLabelValues(blockType, status).Inc()
	blockDuration.WithLabelValues(blockType).Observe(s.now().Sub(started).Seconds())
}
