package feedback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/perfloop/internal/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// mockFeedbackRepo はテスト用のFeedbackRepositoryモック。
type mockFeedbackRepo struct {
	mu      sync.Mutex
	records map[string]*model.FeedbackRecord
	byIntID map[string]*model.FeedbackRecord
}

func newMockFeedbackRepo() *mockFeedbackRepo {
	return &mockFeedbackRepo{
		records: make(map[string]*model.FeedbackRecord),
		byIntID: make(map[string]*model.FeedbackRecord),
	}
}

func (m *mockFeedbackRepo) FindByID(_ context.Context, id string) (*model.FeedbackRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return rec, nil
}

func (m *mockFeedbackRepo) FindByInteractionID(_ context.Context, interactionID string) (*model.FeedbackRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byIntID[interactionID]
	if !ok {
		return nil, nil
	}
	return rec, nil
}

func (m *mockFeedbackRepo) Create(_ context.Context, rec *model.FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byIntID[rec.InteractionID]; exists {
		return model.NewStateConflictError("インタラクションIDが重複しています")
	}
	m.records[rec.ID] = rec
	m.byIntID[rec.InteractionID] = rec
	return nil
}

func (m *mockFeedbackRepo) ListRejectedSince(_ context.Context, _ time.Time, _ int) ([]*model.FeedbackRecord, error) {
	return nil, nil
}

func (m *mockFeedbackRepo) CountByVerdictSince(_ context.Context, _ time.Time) (map[model.Verdict]int, error) {
	return nil, nil
}

func (m *mockFeedbackRepo) ListExportable(_ context.Context, _ time.Time, _ int) ([]*model.FeedbackRecord, error) {
	return nil, nil
}

// mockAnalyzer はテスト用のAnalyzerモック。
type mockAnalyzer struct {
	mu       sync.Mutex
	analyzed []string
	done     chan struct{}
}

func newMockAnalyzer() *mockAnalyzer {
	return &mockAnalyzer{done: make(chan struct{}, 10)}
}

func (m *mockAnalyzer) Analyze(_ context.Context, rec *model.FeedbackRecord) (*model.FailureExplanation, error) {
	m.mu.Lock()
	m.analyzed = append(m.analyzed, rec.ID)
	m.mu.Unlock()
	m.done <- struct{}{}
	return &model.FailureExplanation{FeedbackRecordID: rec.ID}, nil
}

func (m *mockAnalyzer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.analyzed)
}

// stripSanitizer はテスト用のサニタイザー。タグ除去を模倣する。
type stripSanitizer struct{}

func (stripSanitizer) Sanitize(text string) string {
	text = strings.ReplaceAll(text, "<script>", "")
	text = strings.ReplaceAll(text, "</script>", "")
	return strings.TrimSpace(text)
}

func waitForAnalysis(t *testing.T, analyzer *mockAnalyzer) {
	t.Helper()
	select {
	case <-analyzer.done:
	case <-time.After(5 * time.Second):
		t.Fatal("analysis was not triggered")
	}
}

// TestRecordAccepted は承認フィードバックの記録をテストする。
func TestRecordAccepted(t *testing.T) {
	repo := newMockFeedbackRepo()
	analyzer := newMockAnalyzer()
	svc := NewService(repo, analyzer, stripSanitizer{}, newTestLogger())

	rec, err := svc.Record(context.Background(), "int-1", "生成テキスト", model.VerdictAccepted, "", "文脈")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	if rec.ID == "" {
		t.Error("record ID should be assigned")
	}
	if rec.Verdict != model.VerdictAccepted {
		t.Errorf("verdict = %s, want accepted", rec.Verdict)
	}
	if rec.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}

	// 承認レコードは分析されない
	time.Sleep(50 * time.Millisecond)
	if analyzer.count() != 0 {
		t.Errorf("analyzed = %d, want 0 (accepted records are not analyzed)", analyzer.count())
	}
}

// TestRecordRejectedTriggersAnalysis は却下レコードが非同期で分析されることをテストする。
func TestRecordRejectedTriggersAnalysis(t *testing.T) {
	repo := newMockFeedbackRepo()
	analyzer := newMockAnalyzer()
	svc := NewService(repo, analyzer, stripSanitizer{}, newTestLogger())

	rec, err := svc.Record(context.Background(), "int-1", "生成テキスト", model.VerdictRejected, "修正文", "")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	waitForAnalysis(t, analyzer)
	if analyzer.count() != 1 {
		t.Errorf("analyzed = %d, want 1", analyzer.count())
	}
	if analyzer.analyzed[0] != rec.ID {
		t.Errorf("analyzed record = %s, want %s", analyzer.analyzed[0], rec.ID)
	}
}

// TestRecordInvalidVerdict は不正な判定値が拒否されることをテストする。
func TestRecordInvalidVerdict(t *testing.T) {
	svc := NewService(newMockFeedbackRepo(), nil, stripSanitizer{}, newTestLogger())

	tests := []string{"maybe", "", "ACCEPTED", "approve"}
	for _, verdict := range tests {
		t.Run("verdict="+verdict, func(t *testing.T) {
			_, err := svc.Record(context.Background(), "int-1", "text", model.Verdict(verdict), "", "")
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidVerdict {
				t.Errorf("Record() error = %v, want INVALID_VERDICT", err)
			}
		})
	}
}

// TestRecordMissingFields は必須フィールドの欠落が拒否されることをテストする。
func TestRecordMissingFields(t *testing.T) {
	svc := NewService(newMockFeedbackRepo(), nil, stripSanitizer{}, newTestLogger())

	_, err := svc.Record(context.Background(), "", "text", model.VerdictAccepted, "", "")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRequest {
		t.Errorf("missing interaction_id: error = %v, want INVALID_REQUEST", err)
	}

	_, err = svc.Record(context.Background(), "int-1", "", model.VerdictAccepted, "", "")
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidRequest {
		t.Errorf("missing ai_text: error = %v, want INVALID_REQUEST", err)
	}
}

// TestRecordSanitizesTexts は保存前にテキストがサニタイズされることをテストする。
func TestRecordSanitizesTexts(t *testing.T) {
	repo := newMockFeedbackRepo()
	svc := NewService(repo, nil, stripSanitizer{}, newTestLogger())

	rec, err := svc.Record(context.Background(), "int-1", "<script>テキスト", model.VerdictAccepted, "  修正  ", "")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.AIText != "テキスト" {
		t.Errorf("AIText = %q, want テキスト (sanitized)", rec.AIText)
	}
	if rec.CorrectedText != "修正" {
		t.Errorf("CorrectedText = %q, want 修正 (trimmed)", rec.CorrectedText)
	}
}

// TestRecordDuplicateInteractionID は重複インタラクションIDの拒否をテストする。
func TestRecordDuplicateInteractionID(t *testing.T) {
	repo := newMockFeedbackRepo()
	svc := NewService(repo, nil, stripSanitizer{}, newTestLogger())

	if _, err := svc.Record(context.Background(), "int-1", "text", model.VerdictAccepted, "", ""); err != nil {
		t.Fatalf("first Record() error = %v", err)
	}

	_, err := svc.Record(context.Background(), "int-1", "text", model.VerdictAccepted, "", "")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeStateConflict {
		t.Errorf("duplicate Record() error = %v, want STATE_CONFLICT", err)
	}
}

// TestRecordAnalyzerFailureDoesNotAffectRecord は分析の失敗が記録に影響しないことをテストする。
func TestRecordAnalyzerFailureDoesNotAffectRecord(t *testing.T) {
	repo := newMockFeedbackRepo()
	svc := NewService(repo, failingAnalyzer{}, stripSanitizer{}, newTestLogger())

	rec, err := svc.Record(context.Background(), "int-1", "text", model.VerdictRejected, "", "")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	stored, err := repo.FindByID(context.Background(), rec.ID)
	if err != nil || stored == nil {
		t.Errorf("record should be stored despite analyzer failure: %v, %v", stored, err)
	}
}

// failingAnalyzer は常に失敗するAnalyzerモック。
type failingAnalyzer struct{}

func (failingAnalyzer) Analyze(_ context.Context, _ *model.FeedbackRecord) (*model.FailureExplanation, error) {
	return nil, errors.New("provider down")
}

// TestFind はレコード取得をテストする。
func TestFind(t *testing.T) {
	repo := newMockFeedbackRepo()
	svc := NewService(repo, nil, stripSanitizer{}, newTestLogger())

	rec, err := svc.Record(context.Background(), "int-1", "text", model.VerdictAccepted, "", "")
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	found, err := svc.Find(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if found.ID != rec.ID {
		t.Errorf("found ID = %s, want %s", found.ID, rec.ID)
	}

	_, err = svc.Find(context.Background(), "missing")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeRecordNotFound {
		t.Errorf("Find(missing) error = %v, want RECORD_NOT_FOUND", err)
	}
}
