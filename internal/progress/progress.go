// Package progress keeps per-page bulk-generation progress visible to pollers.
package progress

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	ErrNotFound      = errors.New("progress: not found")
	ErrRunInProgress = errors.New("progress: run in progress")
)

type BlockStatus string

const (
	BlockPending    BlockStatus = "pending"
	BlockGenerating BlockStatus = "generating"
	BlockGenerated  BlockStatus = "generated"
	BlockFailed     BlockStatus = "failed"
)

type RunStatus string

const (
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunCancelled      RunStatus = "cancelled"
	RunBudgetExceeded RunStatus = "budget_exceeded"
)

// Progress is the pollable snapshot of one bulk run.
type Progress struct {
	RunID             string                 `json:"run_id"`
	PostID            uint64                 `json:"post_id"`
	Status            RunStatus              `json:"status"`
	Order             []string               `json:"block_order"`
	Blocks            map[string]BlockStatus `json:"block_statuses"`
	Errors            map[string]string      `json:"block_errors,omitempty"`
	CurrentBlock      string                 `json:"current_block"`
	CurrentBlockIndex int                    `json:"current_block_index"`
	TotalBlocks       int                    `json:"total_blocks"`
	CompletedBlocks   []string               `json:"completed_blocks"`
	FailedBlocks      []string               `json:"failed_blocks"`
	StartedAt         time.Time              `json:"started_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	FinishedAt        *time.Time             `json:"finished_at,omitempty"`
	// EstimatedRemaining is nil until at least one block has finished.
	EstimatedRemaining *time.Duration `json:"estimated_remaining_ns,omitempty"`
	CancelRequested    bool           `json:"cancel_requested"`
}

// New builds a running snapshot over blockTypes. Statuses present in prior are
// carried over so a retry keeps the outcome of blocks it does not touch.
func New(runID string, postID uint64, order []string, prior map[string]BlockStatus, now time.Time) Progress {
	blocks := make(map[string]BlockStatus, len(order)+len(prior))
	for k, v := range prior {
		blocks[k] = v
	}
	for _, blockType := range order {
		blocks[blockType] = BlockPending
	}
	return Progress{
		RunID:       runID,
		PostID:      postID,
		Status:      RunRunning,
		Order:       append([]string(nil), order...),
		Blocks:      blocks,
		Errors:      map[string]string{},
		TotalBlocks: len(order),
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

func (p Progress) Running() bool { return p.Status == RunRunning }

// CompletionPercentage counts finished blocks (generated or failed) of this run.
func (p Progress) CompletionPercentage() float64 {
	if p.TotalBlocks == 0 {
		return 0
	}
	done := float64(len(p.CompletedBlocks) + len(p.FailedBlocks))
	return math.Round(done/float64(p.TotalBlocks)*10000) / 100
}

func (p Progress) TimeElapsed(now time.Time) time.Duration {
	end := now
	if p.FinishedAt != nil {
		end = *p.FinishedAt
	}
	if end.Before(p.StartedAt) {
		return 0
	}
	return end.Sub(p.StartedAt)
}

// View is the JSON shape served to pollers.
type View struct {
	Progress
	CompletionPercentage   float64  `json:"completion_percentage"`
	TimeElapsed            float64  `json:"time_elapsed"`
	EstimatedTimeRemaining *float64 `json:"estimated_time_remaining"`
}

func (p Progress) View(now time.Time) View {
	v := View{
		Progress:             p.Clone(),
		CompletionPercentage: p.CompletionPercentage(),
		TimeElapsed:          math.Round(p.TimeElapsed(now).Seconds()*100) / 100,
	}
	if p.EstimatedRemaining != nil {
		secs := math.Round(p.EstimatedRemaining.Seconds()*100) / 100
		v.EstimatedTimeRemaining = &secs
	}
	return v
}

func (p Progress) Clone() Progress {
	cloned := p
	cloned.Order = append([]string(nil), p.Order...)
	cloned.CompletedBlocks = append([]string(nil), p.CompletedBlocks...)
	cloned.FailedBlocks = append([]string(nil), p.FailedBlocks...)
	if p.Blocks != nil {
		cloned.Blocks = make(map[string]BlockStatus, len(p.Blocks))
		for k, v := range p.Blocks {
			cloned.Blocks[k] = v
		}
	}
	if p.Errors != nil {
		cloned.Errors = make(map[string]string, len(p.Errors))
		for k, v := range p.Errors {
			cloned.Errors[k] = v
		}
	}
	if p.FinishedAt != nil {
		finishedAt := *p.FinishedAt
		cloned.FinishedAt = &finishedAt
	}
	if p.EstimatedRemaining != nil {
		remaining := *p.EstimatedRemaining
		cloned.EstimatedRemaining = &remaining
	}
	return cloned
}

// Store holds at most one active run per page.
type Store interface {
	// Begin registers p as the page's active run. It fails with ErrRunInProgress
	// when another run for the same page has not finished.
	Begin(ctx context.Context, p Progress) error
	// Update applies fn to the stored snapshot and persists the result.
	Update(ctx context.Context, postID uint64, fn func(*Progress)) (Progress, error)
	Get(ctx context.Context, postID uint64) (Progress, error)
	// RequestCancel flags the active run. It reports false when nothing is running.
	RequestCancel(ctx context.Context, postID uint64) (bool, error)
	CancelRequested(ctx context.Context, postID uint64) (bool, error)
	// Abandon ends a running run whose last update is older than staleBefore,
	// failing its unfinished blocks, so a new run for the page can begin.
	Abandon(ctx context.Context, postID uint64, staleBefore time.Time) (bool, error)
}

const abandonedMessage = "run abandoned: worker stopped before the block finished"

// abandon cancels p and fails every block of the run that did not finish.
func abandon(p *Progress) {
	p.Status = RunCancelled
	p.CurrentBlock = ""
	p.EstimatedRemaining = nil
	if p.Errors == nil {
		p.Errors = map[string]string{}
	}
	for _, blockType := range p.Order {
		switch p.Blocks[blockType] {
		case BlockPending, BlockGenerating:
			p.Blocks[blockType] = BlockFailed
			p.Errors[blockType] = abandonedMessage
			p.FailedBlocks = append(p.FailedBlocks, blockType)
		}
	}
}
