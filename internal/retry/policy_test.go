package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// TestDelay は指数バックオフの計算をテストする。
func TestDelay(t *testing.T) {
	p := NewPolicy(2*time.Second, 60*time.Second, 3)
	// ジッターを最大値に固定
	p.rng = func() float64 { return 1.0 }

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "1回目の失敗後", attempt: 1, want: 2 * time.Second},
		{name: "2回目の失敗後", attempt: 2, want: 4 * time.Second},
		{name: "3回目の失敗後", attempt: 3, want: 8 * time.Second},
		{name: "上限で頭打ち", attempt: 10, want: 60 * time.Second},
		{name: "不正な試行回数は1扱い", attempt: 0, want: 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Delay(tt.attempt)
			if got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

// TestDelayJitter はジッターがバックオフ時間の範囲内に収まることをテストする。
func TestDelayJitter(t *testing.T) {
	p := NewPolicy(2*time.Second, 60*time.Second, 3)

	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		if d < 0 || d > 4*time.Second {
			t.Fatalf("Delay(2) = %v, want range [0, 4s]", d)
		}
	}
}

// TestDoSuccess は初回成功時にリトライしないことをテストする。
func TestDoSuccess(t *testing.T) {
	p := NewPolicy(time.Millisecond, 10*time.Millisecond, 3)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestDoTransientRetries は一時的エラーでリトライし最終的に成功することをテストする。
func TestDoTransientRetries(t *testing.T) {
	p := NewPolicy(time.Millisecond, 10*time.Millisecond, 3)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("server error"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestDoPermanentStopsImmediately は恒久的エラーで即座に失敗することをテストする。
func TestDoPermanentStopsImmediately(t *testing.T) {
	p := NewPolicy(time.Millisecond, 10*time.Millisecond, 3)

	calls := 0
	permErr := Permanent(errors.New("unauthorized"))
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permErr
	})
	if !IsPermanent(err) {
		t.Errorf("Do() error = %v, want permanent error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestDoExhausted は最大試行回数に達するとErrRetriesExhaustedを返すことをテストする。
func TestDoExhausted(t *testing.T) {
	p := NewPolicy(time.Millisecond, 10*time.Millisecond, 3)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Transient(errors.New("rate limited"))
	})
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("Do() error = %v, want ErrRetriesExhausted", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestDoContextCancel は待機中のキャンセルを検知することをテストする。
func TestDoContextCancel(t *testing.T) {
	p := NewPolicy(time.Hour, time.Hour, 3)
	p.rng = func() float64 { return 1.0 }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context) error {
			return Transient(errors.New("temporary"))
		})
	}()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Do() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Do() did not return after context cancellation")
	}
}

// TestIsTransientStatus はHTTPステータスコードの分類をテストする。
func TestIsTransientStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{status: 200, want: false},
		{status: 400, want: false},
		{status: 401, want: false},
		{status: 404, want: false},
		{status: 429, want: true},
		{status: 500, want: true},
		{status: 502, want: true},
		{status: 503, want: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			if got := IsTransientStatus(tt.status); got != tt.want {
				t.Errorf("IsTransientStatus(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

// TestErrorWrapping はラップしたエラーのUnwrapをテストする。
func TestErrorWrapping(t *testing.T) {
	base := errors.New("base")

	te := Transient(base)
	if !errors.Is(te, base) {
		t.Error("Transient() should wrap the original error")
	}
	if !IsTransient(te) {
		t.Error("IsTransient() = false, want true")
	}
	if IsPermanent(te) {
		t.Error("IsPermanent() = true for transient error")
	}

	pe := Permanent(base)
	if !errors.Is(pe, base) {
		t.Error("Permanent() should wrap the original error")
	}
	if !IsPermanent(pe) {
		t.Error("IsPermanent() = false, want true")
	}

	if Transient(nil) != nil {
		t.Error("Transient(nil) should return nil")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should return nil")
	}
}
