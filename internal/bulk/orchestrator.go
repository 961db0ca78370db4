// Package bulk generates every block of a page one after another, with
// progress reporting, cancellation between blocks and retry of failed blocks.
package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/PageBlocks/internal/blocks"
	"github.com/router-for-me/PageBlocks/internal/generation"
	"github.com/router-for-me/PageBlocks/internal/llm"
	"github.com/router-for-me/PageBlocks/internal/progress"
	"github.com/router-for-me/PageBlocks/internal/usage"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// ErrNothingToRetry is returned by RetryFailed when the last run has no failed blocks.
var ErrNothingToRetry = errors.New("bulk: no failed blocks to retry")

// Generator produces one block.
type Generator interface {
	GenerateBlock(ctx context.Context, req generation.Request) (*generation.BlockResult, error)
}

// PageSource resolves prompt context for a page.
type PageSource interface {
	Context(ctx context.Context, postID uint64) (map[string]string, error)
}

// Sink persists generated fields as each block succeeds.
type Sink interface {
	SaveBlockFields(ctx context.Context, postID uint64, blockType string, fields map[string]any) error
}

type Request struct {
	PostID uint64
	// BlockTypes defaults to every registered block in display order.
	BlockTypes []string
	UserID     *uint64
}

type FailedBlock struct {
	BlockType string `json:"block_type"`
	Error     string `json:"error"`
}

// BlockOutcome describes one attempted block.
type BlockOutcome struct {
	BlockType string               `json:"block_type"`
	Status    progress.BlockStatus `json:"status"`
	Tokens    int                  `json:"tokens"`
	Cost      decimal.Decimal      `json:"cost"`
	Duration  float64              `json:"duration"`
	Error     string               `json:"error,omitempty"`
}

// Result is the aggregate of one run.
type Result struct {
	RunID          string                          `json:"run_id"`
	PostID         uint64                          `json:"post_id"`
	TotalBlocks    int                             `json:"total_blocks"`
	SuccessCount   int                             `json:"success_count"`
	FailedBlocks   []FailedBlock                   `json:"failed_blocks"`
	TotalTokens    int                             `json:"total_tokens"`
	TotalCost      decimal.Decimal                 `json:"total_cost"`
	TotalTime      float64                         `json:"total_time"`
	Cancelled      bool                            `json:"cancelled"`
	BudgetExceeded bool                            `json:"budget_exceeded"`
	BlockStatuses  map[string]progress.BlockStatus `json:"block_statuses"`
	Blocks         []BlockOutcome                  `json:"blocks"`
}

// SuccessRate is success_count/total_blocks*100 rounded to two decimals, 0 for an empty run.
func (r Result) SuccessRate() float64 {
	if r.TotalBlocks == 0 {
		return 0
	}
	return math.Round(float64(r.SuccessCount)/float64(r.TotalBlocks)*10000) / 100
}

func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		SuccessRate float64 `json:"success_rate"`
	}{plain: plain(r), SuccessRate: r.SuccessRate()})
}

// Event is emitted by Stream after every state change. The last event carries the result.
type Event struct {
	Type     string        `json:"type"`
	Progress progress.View `json:"progress"`
	Block    *BlockOutcome `json:"block,omitempty"`
	Result   *Result       `json:"result,omitempty"`
}

const (
	EventBlockStarted  = "block_started"
	EventBlockFinished = "block_finished"
	EventCompleted     = "completed"
)

type Deps struct {
	Generator Generator
	Pages     PageSource
	Sink      Sink
	Progress  progress.Store
	Logger    log.FieldLogger
}

// Orchestrator drives bulk runs.
type Orchestrator struct {
	gen      Generator
	pages    PageSource
	sink     Sink
	store    progress.Store
	logger   log.FieldLogger
	now      func() time.Time
	newRunID func() string
}

func NewOrchestrator(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Orchestrator{
		gen:      deps.Generator,
		pages:    deps.Pages,
		sink:     deps.Sink,
		store:    deps.Progress,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newRunID: func() string { return uuid.NewString() },
	}
}

// Run generates req.BlockTypes sequentially and returns the aggregate.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	run, errPrepare := o.prepare(ctx, req, nil)
	if errPrepare != nil {
		return nil, errPrepare
	}
	return o.execute(ctx, run, nil), nil
}

// Stream starts a run in the background and reports it on the returned channel,
// which is closed after the completion event. Validation and the one-run-per-page
// check happen before Stream returns.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	run, errPrepare := o.prepare(ctx, req, nil)
	if errPrepare != nil {
		return nil, errPrepare
	}
	events := make(chan Event, len(run.order)*2+1)
	go func() {
		defer close(events)
		o.execute(ctx, run, func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return events, nil
}

// RetryFailed re-runs only the blocks the page's last run left failed. Statuses of
// the other blocks are carried over unchanged.
func (o *Orchestrator) RetryFailed(ctx context.Context, postID uint64, userID *uint64) (*Result, error) {
	last, errGet := o.store.Get(ctx, postID)
	if errGet != nil {
		return nil, errGet
	}
	if last.Running() {
		return nil, progress.ErrRunInProgress
	}
	failed := make([]string, 0)
	for _, id := range blocks.IDs() {
		if last.Blocks[id] == progress.BlockFailed {
			failed = append(failed, id)
		}
	}
	if len(failed) == 0 {
		return nil, ErrNothingToRetry
	}
	run, errPrepare := o.prepare(ctx, Request{PostID: postID, BlockTypes: failed, UserID: userID}, last.Blocks)
	if errPrepare != nil {
		return nil, errPrepare
	}
	return o.execute(ctx, run, nil), nil
}

// Cancel asks the page's active run to stop before its next block.
func (o *Orchestrator) Cancel(ctx context.Context, postID uint64) (bool, error) {
	return o.store.RequestCancel(ctx, postID)
}

// Progress returns the page's current or most recent run.
func (o *Orchestrator) Progress(ctx context.Context, postID uint64) (progress.View, error) {
	p, errGet := o.store.Get(ctx, postID)
	if errGet != nil {
		return progress.View{}, errGet
	}
	return p.View(o.now()), nil
}

type runState struct {
	req   Request
	order []string
	vars  map[string]string
	snap  progress.Progress
}

func (o *Orchestrator) prepare(ctx context.Context, req Request, prior map[string]progress.BlockStatus) (*runState, error) {
	order := req.BlockTypes
	if len(order) == 0 {
		order = blocks.IDs()
	}
	seen := make(map[string]struct{}, len(order))
	for _, blockType := range order {
		if !blocks.Valid(blockType) {
			return nil, fmt.Errorf("%w: %s", generation.ErrInvalidBlockType, blockType)
		}
		if _, dup := seen[blockType]; dup {
			return nil, fmt.Errorf("%w: %s listed twice", generation.ErrInvalidBlockType, blockType)
		}
		seen[blockType] = struct{}{}
	}
	vars, errCtx := o.pages.Context(ctx, req.PostID)
	if errCtx != nil {
		return nil, errCtx
	}
	snap := progress.New(o.newRunID(), req.PostID, order, prior, o.now())
	if errBegin := o.store.Begin(ctx, snap); errBegin != nil {
		return nil, errBegin
	}
	return &runState{req: req, order: order, vars: vars, snap: snap}, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *runState, emit func(Event)) *Result {
	// Progress writes must land even when the caller's context is gone.
	storeCtx := context.WithoutCancel(ctx)
	logger := o.logger.WithFields(log.Fields{"post_id": run.req.PostID, "run_id": run.snap.RunID})
	started := o.now()
	result := &Result{
		RunID:        run.snap.RunID,
		PostID:       run.req.PostID,
		TotalBlocks:  len(run.order),
		FailedBlocks: make([]FailedBlock, 0),
		TotalCost:    decimal.Zero,
		Blocks:       make([]BlockOutcome, 0, len(run.order)),
	}
	snap := run.snap
	update := func(fn func(*progress.Progress)) {
		fn(&snap)
		if _, errUpdate := o.store.Update(storeCtx, run.req.PostID, fn); errUpdate != nil {
			logger.WithError(errUpdate).Warn("bulk: failed to store progress")
		}
	}
	send := func(ev Event) {
		if emit == nil {
			return
		}
		ev.Progress = snap.View(o.now())
		emit(ev)
	}

	var spent time.Duration
	finished := 0
	for i, blockType := range run.order {
		if o.cancelled(ctx, storeCtx, run.req.PostID, logger) {
			result.Cancelled = true
			break
		}

		update(func(p *progress.Progress) {
			p.CurrentBlock = blockType
			p.CurrentBlockIndex = i
			p.Blocks[blockType] = progress.BlockGenerating
		})
		send(Event{Type: EventBlockStarted})

		blockStarted := o.now()
		outcome, errBlock := o.generate(ctx, run, blockType)
		elapsed := o.now().Sub(blockStarted)
		outcome.Duration = math.Round(elapsed.Seconds()*1000) / 1000
		spent += elapsed
		finished++

		if errBlock != nil {
			result.FailedBlocks = append(result.FailedBlocks, FailedBlock{BlockType: blockType, Error: outcome.Error})
			logger.WithError(errBlock).WithField("block_type", blockType).Warn("bulk: block failed")
		} else {
			result.SuccessCount++
			result.TotalTokens += outcome.Tokens
			result.TotalCost = result.TotalCost.Add(outcome.Cost)
		}
		result.Blocks = append(result.Blocks, outcome)

		remaining := time.Duration(0)
		if left := len(run.order) - i - 1; left > 0 {
			remaining = spent / time.Duration(finished) * time.Duration(left)
		}
		update(func(p *progress.Progress) {
			p.Blocks[blockType] = outcome.Status
			if outcome.Status == progress.BlockGenerated {
				p.CompletedBlocks = append(p.CompletedBlocks, blockType)
				delete(p.Errors, blockType)
			} else {
				p.FailedBlocks = append(p.FailedBlocks, blockType)
				if p.Errors == nil {
					p.Errors = map[string]string{}
				}
				p.Errors[blockType] = outcome.Error
			}
			p.EstimatedRemaining = &remaining
		})
		send(Event{Type: EventBlockFinished, Block: &outcome})

		var budgetErr *usage.BudgetExceededError
		if errors.As(errBlock, &budgetErr) {
			result.BudgetExceeded = true
			logger.Warn("bulk: monthly budget exhausted, stopping run")
			break
		}
	}

	status := progress.RunCompleted
	switch {
	case result.Cancelled:
		status = progress.RunCancelled
	case result.BudgetExceeded:
		status = progress.RunBudgetExceeded
	}
	update(func(p *progress.Progress) {
		p.Status = status
		p.CurrentBlock = ""
	})
	result.TotalTime = math.Round(o.now().Sub(started).Seconds()*1000) / 1000
	result.BlockStatuses = make(map[string]progress.BlockStatus, len(snap.Blocks))
	for k, v := range snap.Blocks {
		result.BlockStatuses[k] = v
	}
	logger.WithFields(log.Fields{
		"success":   result.SuccessCount,
		"failed":    len(result.FailedBlocks),
		"cancelled": result.Cancelled,
		"cost":      result.TotalCost.String(),
	}).Info("bulk: run finished")
	send(Event{Type: EventCompleted, Result: result})
	return result
}

func (o *Orchestrator) cancelled(ctx, storeCtx context.Context, postID uint64, logger log.FieldLogger) bool {
	if ctx.Err() != nil {
		return true
	}
	flagged, errFlag := o.store.CancelRequested(storeCtx, postID)
	if errFlag != nil {
		logger.WithError(errFlag).Warn("bulk: failed to read cancel flag")
		return false
	}
	return flagged
}

func (o *Orchestrator) generate(ctx context.Context, run *runState, blockType string) (BlockOutcome, error) {
	outcome := BlockOutcome{BlockType: blockType, Status: progress.BlockFailed, Cost: decimal.Zero}
	res, errGen := o.gen.GenerateBlock(ctx, generation.Request{
		PostID:    run.req.PostID,
		BlockType: blockType,
		Context:   run.vars,
		UserID:    run.req.UserID,
	})
	if errGen != nil {
		outcome.Error = failureMessage(errGen)
		return outcome, errGen
	}
	outcome.Tokens = res.TotalTokens
	outcome.Cost = res.Cost
	if o.sink != nil {
		if errSave := o.sink.SaveBlockFields(ctx, run.req.PostID, blockType, res.Fields); errSave != nil {
			outcome.Error = "Generated content could not be saved."
			return outcome, fmt.Errorf("bulk: save %s fields: %w", blockType, errSave)
		}
	}
	outcome.Status = progress.BlockGenerated
	return outcome, nil
}

func failureMessage(err error) string {
	var budgetErr *usage.BudgetExceededError
	if errors.As(err, &budgetErr) {
		return fmt.Sprintf("Monthly budget exceeded (%s%% used). Raise the budget or wait for next month.",
			budgetErr.PercentageUsed().String())
	}
	return llm.UserMessage(err)
}
