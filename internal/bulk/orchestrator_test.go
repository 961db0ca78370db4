package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/router-for-me/PageBlocks/internal/blocks"
	"github.com/router-for-me/PageBlocks/internal/generation"
	"github.com/router-for-me/PageBlocks/internal/llm"
	"github.com/router-for-me/PageBlocks/internal/pages"
	"github.com/router-for-me/PageBlocks/internal/parser"
	"github.com/router-for-me/PageBlocks/internal/progress"
	"github.com/router-for-me/PageBlocks/internal/usage"
	"github.com/shopspring/decimal"
)

type fakeGenerator struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
	// after runs once a block has been generated, before the result is returned.
	after func(call int, blockType string)
}

func (f *fakeGenerator) GenerateBlock(_ context.Context, req generation.Request) (*generation.BlockResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.BlockType)
	call := len(f.calls)
	errFail := f.failures[req.BlockType]
	f.mu.Unlock()

	if f.after != nil {
		f.after(call, req.BlockType)
	}
	if errFail != nil {
		return nil, errFail
	}
	return &generation.BlockResult{
		GenerationResult: llm.GenerationResult{PromptTokens: 60, CompletionTokens: 40, TotalTokens: 100, Model: "gpt-4o-mini"},
		BlockType:        req.BlockType,
		Fields:           parser.Fields{"heading": req.BlockType},
		Cost:             decimal.RequireFromString("0.01"),
	}, nil
}

func (f *fakeGenerator) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakePages struct{ missing bool }

func (f fakePages) Context(_ context.Context, postID uint64) (map[string]string, error) {
	if f.missing {
		return nil, pages.ErrNotFound
	}
	return map[string]string{"page_title": "Merino Socks"}, nil
}

type memorySink struct {
	mu    sync.Mutex
	saved map[string]map[string]any
}

func (s *memorySink) SaveBlockFields(_ context.Context, _ uint64, blockType string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = map[string]map[string]any{}
	}
	s.saved[blockType] = fields
	return nil
}

func newTestOrchestrator(gen *fakeGenerator) (*Orchestrator, *memorySink, *progress.MemoryStore) {
	sink := &memorySink{}
	store := progress.NewMemoryStore(0, 0)
	o := NewOrchestrator(Deps{Generator: gen, Pages: fakePages{}, Sink: sink, Progress: store})
	return o, sink, store
}

func TestRunContinuesPastFailedBlock(t *testing.T) {
	ctx := context.Background()
	order := []string{"hero", "serp_answer", "product_criteria", "materials", "process"}
	gen := &fakeGenerator{failures: map[string]error{
		"product_criteria": &llm.RateLimitError{APIError: &llm.APIError{StatusCode: 429, Message: "slow down"}},
	}}
	o, sink, _ := newTestOrchestrator(gen)

	res, err := o.Run(ctx, Request{PostID: 7, BlockTypes: order})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := gen.called(); len(got) != 5 {
		t.Fatalf("expected all 5 blocks attempted, got %v", got)
	}
	if len(res.FailedBlocks) != 1 || res.FailedBlocks[0].BlockType != "product_criteria" {
		t.Fatalf("expected only product_criteria failed, got %+v", res.FailedBlocks)
	}
	if res.FailedBlocks[0].Error == "" {
		t.Fatalf("expected a failure message")
	}
	if res.SuccessCount != 4 || res.TotalBlocks != 5 {
		t.Fatalf("unexpected counts: success=%d total=%d", res.SuccessCount, res.TotalBlocks)
	}
	if res.TotalTokens != 400 {
		t.Fatalf("expected 400 tokens, got %d", res.TotalTokens)
	}
	if !res.TotalCost.Equal(decimal.RequireFromString("0.04")) {
		t.Fatalf("expected cost 0.04, got %s", res.TotalCost)
	}
	for _, blockType := range []string{"hero", "serp_answer", "materials", "process"} {
		if res.BlockStatuses[blockType] != progress.BlockGenerated {
			t.Fatalf("expected %s generated, got %q", blockType, res.BlockStatuses[blockType])
		}
		if _, ok := sink.saved[blockType]; !ok {
			t.Fatalf("expected %s fields saved", blockType)
		}
	}
	if res.BlockStatuses["product_criteria"] != progress.BlockFailed {
		t.Fatalf("expected product_criteria failed")
	}
	if _, ok := sink.saved["product_criteria"]; ok {
		t.Fatalf("failed block must not be saved")
	}
	if res.Cancelled || res.BudgetExceeded {
		t.Fatalf("unexpected terminal flags: %+v", res)
	}
}

func TestCancelAfterSecondBlockLeavesRestPending(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{}
	o, _, _ := newTestOrchestrator(gen)
	gen.after = func(call int, _ string) {
		if call == 2 {
			if ok, err := o.Cancel(ctx, 7); err != nil || !ok {
				t.Errorf("Cancel: ok=%v err=%v", ok, err)
			}
		}
	}

	res, err := o.Run(ctx, Request{PostID: 7})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Cancelled {
		t.Fatalf("expected cancelled result")
	}
	if got := gen.called(); len(got) != 2 {
		t.Fatalf("expected 2 calls, got %v", got)
	}
	ids := blocks.IDs()
	if res.TotalBlocks != len(ids) || res.SuccessCount != 2 || len(res.FailedBlocks) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for i, id := range ids {
		want := progress.BlockPending
		if i < 2 {
			want = progress.BlockGenerated
		}
		if res.BlockStatuses[id] != want {
			t.Fatalf("block %s: expected %q, got %q", id, want, res.BlockStatuses[id])
		}
	}

	view, err := o.Progress(ctx, 7)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if view.Status != progress.RunCancelled || view.FinishedAt == nil {
		t.Fatalf("expected finished cancelled run, got %+v", view.Progress)
	}
}

func TestBudgetExceededStopsRun(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{failures: map[string]error{
		"serp_answer": &usage.BudgetExceededError{
			CurrentCost: decimal.RequireFromString("10"),
			BudgetLimit: decimal.RequireFromString("10"),
		},
	}}
	o, _, _ := newTestOrchestrator(gen)

	res, err := o.Run(ctx, Request{PostID: 7, BlockTypes: []string{"hero", "serp_answer", "materials"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.BudgetExceeded {
		t.Fatalf("expected budget_exceeded")
	}
	if got := gen.called(); len(got) != 2 {
		t.Fatalf("expected run to stop after serp_answer, got %v", got)
	}
	if res.BlockStatuses["serp_answer"] != progress.BlockFailed {
		t.Fatalf("expected serp_answer failed")
	}
	if res.BlockStatuses["materials"] != progress.BlockPending {
		t.Fatalf("expected materials untouched, got %q", res.BlockStatuses["materials"])
	}
}

func TestRetryFailedOnlyRerunsFailedBlocks(t *testing.T) {
	ctx := context.Background()
	errBoom := &llm.TimeoutError{APIError: &llm.APIError{Message: "timeout"}}
	gen := &fakeGenerator{failures: map[string]error{"faqs": errBoom, "cta": errBoom}}
	o, _, _ := newTestOrchestrator(gen)

	first, err := o.Run(ctx, Request{PostID: 7})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(first.FailedBlocks) != 2 {
		t.Fatalf("expected 2 failed blocks, got %+v", first.FailedBlocks)
	}

	gen.mu.Lock()
	gen.failures = nil
	gen.calls = nil
	gen.mu.Unlock()

	retry, err := o.RetryFailed(ctx, 7, nil)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	got := gen.called()
	if len(got) != 2 || got[0] != "faqs" || got[1] != "cta" {
		t.Fatalf("expected retry of faqs and cta only, got %v", got)
	}
	if retry.TotalBlocks != 2 || retry.SuccessCount != 2 {
		t.Fatalf("unexpected retry result: %+v", retry)
	}
	for _, id := range blocks.IDs() {
		if retry.BlockStatuses[id] != progress.BlockGenerated {
			t.Fatalf("block %s: expected generated, got %q", id, retry.BlockStatuses[id])
		}
	}

	if _, err := o.RetryFailed(ctx, 7, nil); !errors.Is(err, ErrNothingToRetry) {
		t.Fatalf("expected ErrNothingToRetry, got %v", err)
	}
	if _, err := o.RetryFailed(ctx, 99, nil); !errors.Is(err, progress.ErrNotFound) {
		t.Fatalf("expected progress.ErrNotFound, got %v", err)
	}
}

func TestRunValidatesBeforeStarting(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{}
	o, _, store := newTestOrchestrator(gen)

	if _, err := o.Run(ctx, Request{PostID: 7, BlockTypes: []string{"hero", "sidebar"}}); !errors.Is(err, generation.ErrInvalidBlockType) {
		t.Fatalf("expected ErrInvalidBlockType, got %v", err)
	}

	missing := NewOrchestrator(Deps{Generator: gen, Pages: fakePages{missing: true}, Progress: store})
	if _, err := missing.Run(ctx, Request{PostID: 7}); !errors.Is(err, pages.ErrNotFound) {
		t.Fatalf("expected pages.ErrNotFound, got %v", err)
	}
	if len(gen.called()) != 0 {
		t.Fatalf("validation failures must not call the generator")
	}

	if err := store.Begin(ctx, progress.New("busy", 8, []string{"hero"}, nil, o.now())); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := o.Run(ctx, Request{PostID: 8}); !errors.Is(err, progress.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestStreamEmitsEventsAndResult(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{}
	o, _, _ := newTestOrchestrator(gen)

	events, err := o.Stream(ctx, Request{PostID: 7, BlockTypes: []string{"hero", "cta"}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var types []string
	var last Event
	for ev := range events {
		types = append(types, ev.Type)
		last = ev
	}
	want := []string{EventBlockStarted, EventBlockFinished, EventBlockStarted, EventBlockFinished, EventCompleted}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
	if last.Result == nil || last.Result.SuccessCount != 2 {
		t.Fatalf("expected final result, got %+v", last.Result)
	}
	if last.Progress.CompletionPercentage != 100 {
		t.Fatalf("expected 100%% completion, got %v", last.Progress.CompletionPercentage)
	}
}

func TestSuccessRateBounds(t *testing.T) {
	cases := []struct {
		success, total int
		want           float64
	}{
		{0, 0, 0},
		{0, 12, 0},
		{10, 12, 83.33},
		{12, 12, 100},
		{1, 3, 33.33},
	}
	for _, tc := range cases {
		r := Result{SuccessCount: tc.success, TotalBlocks: tc.total}
		if got := r.SuccessRate(); got != tc.want {
			t.Fatalf("%d/%d: expected %v, got %v", tc.success, tc.total, tc.want, got)
		}
		if r.SuccessRate() < 0 || r.SuccessRate() > 100 {
			t.Fatalf("rate out of range: %v", r.SuccessRate())
		}
	}

	raw, err := json.Marshal(Result{SuccessCount: 1, TotalBlocks: 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["success_rate"] != float64(50) {
		t.Fatalf("expected success_rate 50 in JSON, got %v", decoded["success_rate"])
	}
}
