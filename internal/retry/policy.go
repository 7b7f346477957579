// Package retry は外部API呼び出しの指数バックオフリトライを提供する。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// ErrRetriesExhausted はリトライ回数の上限に達したことを示す。
var ErrRetriesExhausted = errors.New("リトライ回数の上限に達しました")

// TransientError はリトライ可能な一時的エラーを表す。
// レート制限(429)やサーバーエラー(5xx)、ネットワーク断などが該当する。
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("一時的エラー: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient はエラーを一時的エラーとしてラップする。
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError はリトライ不可能な恒久的エラーを表す。
// 認証エラー(401/403)やリクエスト不正(4xx)が該当し、即座に失敗させる。
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("恒久的エラー: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent はエラーを恒久的エラーとしてラップする。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient はエラーが一時的エラーかを判定する。
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent はエラーが恒久的エラーかを判定する。
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransientStatus はHTTPステータスコードが一時的エラーに該当するかを判定する。
// 429 (Too Many Requests) と5xx系をリトライ対象とする。
func IsTransientStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

// Policy はリトライポリシーを表す。
type Policy struct {
	// Base はバックオフの基準時間。試行回数nに対して Base * 2^(n-1) を待機する。
	Base time.Duration
	// Cap はバックオフ時間の上限。
	Cap time.Duration
	// MaxAttempts は最大試行回数(初回を含む)。
	MaxAttempts int
	// rng はジッター計算用の乱数源。テストで差し替え可能。
	rng func() float64
}

// NewPolicy はリトライポリシーの新しいインスタンスを生成する。
func NewPolicy(base, cap time.Duration, maxAttempts int) *Policy {
	return &Policy{
		Base:        base,
		Cap:         cap,
		MaxAttempts: maxAttempts,
		rng:         rand.Float64,
	}
}

// Delay はattempt回目(1始まり)の失敗後に待機すべき時間を返す。
// 指数バックオフにフルジッターを適用する: random(0, min(Cap, Base * 2^(attempt-1)))。
// 複数ワーカーの同時リトライによるリクエスト集中を避けるためジッターを入れる。
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := p.Base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.Cap {
			backoff = p.Cap
			break
		}
	}
	if backoff > p.Cap {
		backoff = p.Cap
	}

	rng := p.rng
	if rng == nil {
		rng = rand.Float64
	}
	return time.Duration(rng() * float64(backoff))
}

// Do はfnをリトライポリシーに従って実行する。
// fnが一時的エラーを返した場合はバックオフ後に再試行し、
// 恒久的エラーの場合は即座にそのエラーを返す。
// 最大試行回数に達した場合はErrRetriesExhaustedと最後のエラーを連結して返す。
// コンテキストのキャンセルは待機中にも検知される。
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("リトライ待機中にキャンセルされました: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}
