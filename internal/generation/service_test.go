package generation

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/router-for-me/PageBlocks/internal/billing"
	"github.com/router-for-me/PageBlocks/internal/blocks"
	dbpkg "github.com/router-for-me/PageBlocks/internal/db"
	"github.com/router-for-me/PageBlocks/internal/llm"
	"github.com/router-for-me/PageBlocks/internal/media"
	"github.com/router-for-me/PageBlocks/internal/models"
	"github.com/router-for-me/PageBlocks/internal/pages"
	"github.com/router-for-me/PageBlocks/internal/prompt"
	"github.com/router-for-me/PageBlocks/internal/usage"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type fakeCompleter struct {
	mu       sync.Mutex
	calls    int
	requests []llm.CompletionRequest
	respond  func(req llm.CompletionRequest) (llm.GenerationResult, error)
}

func (f *fakeCompleter) Complete(ctx context.Context, req llm.CompletionRequest) (llm.GenerationResult, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSettings struct{}

func (fakeSettings) Model() string        { return "gpt-4o" }
func (fakeSettings) MaxTokens() int       { return 100 }
func (fakeSettings) Temperature() float64 { return 0.4 }

type fakeBudget struct {
	enabled bool
	limit   float64
}

func (f fakeBudget) CostTrackingEnabled() bool { return f.enabled }
func (f fakeBudget) MonthlyBudget() float64    { return f.limit }

type fakeImages struct {
	keywords []string
	match    *media.Match
	err      error
}

func (f *fakeImages) FindMatchingImage(ctx context.Context, keywords []string) (*media.Match, error) {
	f.keywords = keywords
	return f.match, f.err
}

const heroJSON = "```json\n{\"headline\":\"Warm feet\",\"subheadline\":\"Merino all year\",\"summary\":\"Soft and durable.\"}\n```"

func succeed(content string) func(llm.CompletionRequest) (llm.GenerationResult, error) {
	return func(req llm.CompletionRequest) (llm.GenerationResult, error) {
		return llm.GenerationResult{Content: content, PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500, Model: req.Model}, nil
	}
}

type harness struct {
	svc       *Service
	completer *fakeCompleter
	images    *fakeImages
	conn      *gorm.DB
	pages     *pages.Store
}

func newHarness(t *testing.T, budget fakeBudget, respond func(llm.CompletionRequest) (llm.GenerationResult, error)) *harness {
	t.Helper()
	conn, errOpen := dbpkg.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := dbpkg.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	engine, errEngine := prompt.NewEngine(conn)
	if errEngine != nil {
		t.Fatalf("prompt engine: %v", errEngine)
	}
	rates := func() map[string]billing.Rate {
		return map[string]billing.Rate{"gpt-4o": {InputPerMillion: decimal.RequireFromString("2.5"), OutputPerMillion: decimal.NewFromInt(10)}}
	}
	tracker := usage.NewTracker(conn, billing.NewPricer(conn, rates), budget, nil)
	completer := &fakeCompleter{respond: respond}
	images := &fakeImages{}
	pageStore := pages.NewStore(conn, "seo_page")
	svc := NewService(Deps{
		Prompts:     engine,
		LLM:         completer,
		Costs:       tracker,
		Images:      images,
		Pages:       pageStore,
		Settings:    fakeSettings{},
		CountTokens: func(model, text string) int { return 0 },
	})
	return &harness{svc: svc, completer: completer, images: images, conn: conn, pages: pageStore}
}

func (h *harness) ledger(t *testing.T) []models.GenerationLog {
	t.Helper()
	var rows []models.GenerationLog
	if errFind := h.conn.Order("id ASC").Find(&rows).Error; errFind != nil {
		t.Fatalf("load ledger: %v", errFind)
	}
	return rows
}

func heroRequest() Request {
	return Request{PostID: 11, BlockType: blocks.Hero, Context: map[string]string{
		"page_title":       "Best Wool Socks",
		"focus_keyword":    "wool socks",
		"product_category": "socks",
		"target_audience":  "hikers",
		"brand_name":       "Acme",
	}}
}

func TestGenerateBlockSuccess(t *testing.T) {
	h := newHarness(t, fakeBudget{}, succeed(heroJSON))
	h.images.match = &media.Match{AttachmentID: 77, URL: "/socks.jpg"}

	result, err := h.svc.GenerateBlock(context.Background(), heroRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.TotalTokens != result.PromptTokens+result.CompletionTokens {
		t.Fatalf("token invariant broken: %+v", result.GenerationResult)
	}
	if result.Fields["headline"] != "Warm feet" {
		t.Fatalf("fields = %v", result.Fields)
	}
	if !result.Cost.Equal(decimal.RequireFromString("0.0075")) {
		t.Fatalf("cost = %s", result.Cost)
	}
	if result.Image == nil || result.Fields["hero_image"] != uint64(77) {
		t.Fatalf("image not attached: %+v %v", result.Image, result.Fields["hero_image"])
	}
	if len(h.images.keywords) == 0 {
		t.Fatalf("image matcher not consulted with keywords")
	}

	req := h.completer.requests[0]
	if req.Model != "gpt-4o" || req.MaxTokens != 100 || req.Temperature != 0.4 {
		t.Fatalf("unexpected completion request: %+v", req)
	}

	rows := h.ledger(t)
	if len(rows) != 1 || rows[0].Status != models.GenerationStatusSuccess || rows[0].CostMicros != 7500 {
		t.Fatalf("ledger = %+v", rows)
	}
}

func TestGenerateBlockImageFailureIsIgnored(t *testing.T) {
	h := newHarness(t, fakeBudget{}, succeed(heroJSON))
	h.images.err = errors.New("media offline")

	result, err := h.svc.GenerateBlock(context.Background(), heroRequest())
	if err != nil {
		t.Fatalf("image errors must not fail generation: %v", err)
	}
	if result.Image != nil {
		t.Fatalf("unexpected image")
	}
}

func TestGenerateBlockRecordsTransportFailure(t *testing.T) {
	rateErr := &llm.RateLimitError{APIError: &llm.APIError{StatusCode: http.StatusTooManyRequests, Message: "rate limited"}}
	h := newHarness(t, fakeBudget{}, func(llm.CompletionRequest) (llm.GenerationResult, error) {
		return llm.GenerationResult{}, rateErr
	})

	_, err := h.svc.GenerateBlock(context.Background(), heroRequest())
	var got *llm.RateLimitError
	if !errors.As(err, &got) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}

	rows := h.ledger(t)
	if len(rows) != 1 {
		t.Fatalf("expected one failed ledger row, got %d", len(rows))
	}
	if rows[0].Status != models.GenerationStatusFailed || rows[0].TotalTokens != 0 {
		t.Fatalf("unexpected failed row: %+v", rows[0])
	}
	if rows[0].ErrorStatusCode == nil || *rows[0].ErrorStatusCode != http.StatusTooManyRequests {
		t.Fatalf("status code not recorded")
	}
	if h.completer.Calls() != 1 {
		t.Fatalf("generation must not retry, calls = %d", h.completer.Calls())
	}
}

func TestGenerateBlockRecordsParseFailureWithTokens(t *testing.T) {
	h := newHarness(t, fakeBudget{}, succeed("```json\n{not valid json\n```"))

	_, err := h.svc.GenerateBlock(context.Background(), heroRequest())
	var invalid *llm.InvalidResponseError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidResponseError, got %v", err)
	}

	rows := h.ledger(t)
	if len(rows) != 1 || rows[0].Status != models.GenerationStatusFailed {
		t.Fatalf("ledger = %+v", rows)
	}
	if rows[0].TotalTokens != 1500 || rows[0].CostMicros != 7500 {
		t.Fatalf("parse failures keep real usage: %+v", rows[0])
	}
}

func TestGenerateBlockRecordsAttemptWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, fakeBudget{}, func(llm.CompletionRequest) (llm.GenerationResult, error) {
		cancel()
		return llm.GenerationResult{}, context.Canceled
	})

	if _, err := h.svc.GenerateBlock(ctx, heroRequest()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.completer.Calls() != 1 {
		t.Fatalf("calls = %d", h.completer.Calls())
	}
	rows := h.ledger(t)
	if len(rows) != 1 || rows[0].Status != models.GenerationStatusFailed {
		t.Fatalf("attempt reached the model but ledger = %+v", rows)
	}
}

func TestGenerateBlockRecordsSuccessAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	complete := succeed(heroJSON)
	h := newHarness(t, fakeBudget{}, func(req llm.CompletionRequest) (llm.GenerationResult, error) {
		cancel()
		return complete(req)
	})

	result, err := h.svc.GenerateBlock(ctx, heroRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !result.Cost.Equal(decimal.RequireFromString("0.0075")) {
		t.Fatalf("cost = %s", result.Cost)
	}
	rows := h.ledger(t)
	if len(rows) != 1 || rows[0].Status != models.GenerationStatusSuccess || rows[0].CostMicros != 7500 {
		t.Fatalf("ledger = %+v", rows)
	}
}

func TestBudgetGateBlocksWithoutCallingModel(t *testing.T) {
	h := newHarness(t, fakeBudget{enabled: true, limit: 1}, succeed(heroJSON))
	seed := models.GenerationLog{PostID: 1, BlockType: blocks.Hero, Model: "gpt-4o", CostMicros: 1_000_000, Status: models.GenerationStatusSuccess, CreatedAt: h.svc.now().UTC()}
	if errCreate := h.conn.Create(&seed).Error; errCreate != nil {
		t.Fatalf("seed: %v", errCreate)
	}

	for i := 0; i < 3; i++ {
		_, err := h.svc.GenerateBlock(context.Background(), heroRequest())
		var budgetErr *usage.BudgetExceededError
		if !errors.As(err, &budgetErr) {
			t.Fatalf("attempt %d: expected BudgetExceededError, got %v", i, err)
		}
	}
	if h.completer.Calls() != 0 {
		t.Fatalf("model called %d times while over budget", h.completer.Calls())
	}
	if rows := h.ledger(t); len(rows) != 1 {
		t.Fatalf("budget refusals must not write ledger rows, got %d", len(rows))
	}
}

func TestBudgetGateObservesPreviousAttempt(t *testing.T) {
	// Estimate per call is 100 completion tokens at 10/M = 0.001; each call costs 0.0075.
	h := newHarness(t, fakeBudget{enabled: true, limit: 0.008}, succeed(heroJSON))

	if _, err := h.svc.GenerateBlock(context.Background(), heroRequest()); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	_, err := h.svc.GenerateBlock(context.Background(), heroRequest())
	var budgetErr *usage.BudgetExceededError
	if !errors.As(err, &budgetErr) {
		t.Fatalf("second attempt should be refused, got %v", err)
	}
	if h.completer.Calls() != 1 {
		t.Fatalf("calls = %d", h.completer.Calls())
	}
}

func TestGenerateBlockRejectsUnknownBlock(t *testing.T) {
	h := newHarness(t, fakeBudget{}, succeed(heroJSON))
	_, err := h.svc.GenerateBlock(context.Background(), Request{PostID: 1, BlockType: "footer"})
	if !errors.Is(err, ErrInvalidBlockType) {
		t.Fatalf("expected ErrInvalidBlockType, got %v", err)
	}
	if h.completer.Calls() != 0 {
		t.Fatalf("model must not be called")
	}
}

func TestGeneratePageBlockValidatesPage(t *testing.T) {
	h := newHarness(t, fakeBudget{}, succeed(`{"heading":"Go","text":"Buy now","button_text":"Shop"}`))

	if _, err := h.svc.GeneratePageBlock(context.Background(), 999, blocks.CTA, nil); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("expected ErrPostNotFound, got %v", err)
	}

	page, err := h.pages.Create(context.Background(), "Wool Socks", map[string]string{"focus_keyword": "wool socks"})
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	result, err := h.svc.GeneratePageBlock(context.Background(), page.ID, blocks.CTA, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if result.Fields["button_text"] != "Shop" {
		t.Fatalf("fields = %v", result.Fields)
	}
	if got := h.completer.requests[0].User; !strings.Contains(got, "Wool Socks") {
		t.Fatalf("page title not rendered into prompt: %q", got)
	}
}
