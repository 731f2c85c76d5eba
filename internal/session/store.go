// Package session はプロバイダートークンを保持するセッションストアを提供する。
// セッションはプロセス内のメモリにのみ保持し、再起動をまたいで永続化しない。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/duesync/internal/model"
)

// ErrNotFound はセッションが存在しないか期限切れであることを表す。
var ErrNotFound = errors.New("session not found")

// StoreConfig はセッションストアの設定。
type StoreConfig struct {
	MaxIdle time.Duration // 最終アクセスからこの時間を過ぎたセッションは破棄する
}

// Store はセッションIDをキーにしたインメモリのセッションストア。
// 複数のリクエストから同時に呼ばれるため、内部のマップはRWMutexで保護する。
// 呼び出し側には常にコピーを返し、ストア内部のセッションを共有しない。
type Store struct {
	config StoreConfig
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*model.Session
}

// NewStore はStoreを生成する。MaxIdleが0以下の場合は24時間とする。
func NewStore(config StoreConfig, logger *slog.Logger) *Store {
	if config.MaxIdle <= 0 {
		config.MaxIdle = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		config:   config,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*model.Session),
	}
}

// Create は空のセッションを作成して返す。
func (s *Store) Create() (*model.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := s.now()
	sess := &model.Session{
		ID:           id,
		CreatedAt:    now,
		LastAccessed: now,
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	return sess.Clone(), nil
}

// Get はセッションのコピーを返し、最終アクセス時刻を更新する。
// 期限切れのセッションはその場で破棄し、ErrNotFoundを返す。
func (s *Store) Get(id string) (*model.Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	if now.Sub(sess.LastAccessed) > s.config.MaxIdle {
		delete(s.sessions, id)
		return nil, ErrNotFound
	}
	sess.LastAccessed = now
	return sess.Clone(), nil
}

// PutToken は指定プロバイダーの枠にトークンを格納する。
// 既存のトークンはマージせず丸ごと置き換える。
func (s *Store) PutToken(id string, provider model.Provider, token *model.OAuthToken) error {
	if token == nil {
		return fmt.Errorf("token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.SetToken(provider, token.Clone())
	sess.LastAccessed = s.now()
	return nil
}

// Delete はセッションを破棄する。存在しない場合は何もしない。
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len は保持しているセッション数を返す。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep は期限切れのセッションを削除し、削除した件数を返す。
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.LastAccessed) > s.config.MaxIdle {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartSweeper はコンテキストがキャンセルされるまで、interval間隔でSweepを実行する。
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("expired sessions removed",
					slog.Int("removed", n),
					slog.Int("remaining", s.Len()),
				)
			}
		}
	}
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
