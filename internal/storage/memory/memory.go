package memory

import (
	"context"
	"sync"

	"bot_engine/internal/models"

	"github.com/bytedance/sonic"
)

// In-memory хранилища: paper/sandbox режимы и тесты.
// Копии через JSON, чтобы никто не держал указатели внутрь стора.

type StrategyStore struct {
	mu sync.RWMutex
	m  map[string]*models.Strategy
}

func NewStrategyStore() *StrategyStore {
	return &StrategyStore{m: make(map[string]*models.Strategy)}
}

func (s *StrategyStore) Get(_ context.Context, id string) (*models.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.m[id]
	if !ok {
		return nil, models.ErrStrategyNotFound
	}
	return cloneStrategy(st)
}

func (s *StrategyStore) Save(_ context.Context, st *models.Strategy) error {
	cp, err := cloneStrategy(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.m[st.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *StrategyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return models.ErrStrategyNotFound
	}
	delete(s.m, id)
	return nil
}

func (s *StrategyStore) ListByUser(_ context.Context, userID string) ([]*models.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Strategy
	for _, st := range s.m {
		if st.UserID != userID {
			continue
		}
		cp, err := cloneStrategy(st)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

type SessionStore struct {
	mu sync.RWMutex
	m  map[string]*models.BotExecutionSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{m: make(map[string]*models.BotExecutionSession)}
}

func (s *SessionStore) Get(_ context.Context, id string) (*models.BotExecutionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.m[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return cloneSession(sess)
}

func (s *SessionStore) Save(_ context.Context, sess *models.BotExecutionSession) error {
	cp, err := cloneSession(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.m[sess.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; !ok {
		return models.ErrSessionNotFound
	}
	delete(s.m, id)
	return nil
}

func (s *SessionStore) ListByUser(_ context.Context, userID string) ([]*models.BotExecutionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.BotExecutionSession
	for _, sess := range s.m {
		if sess.UserID != userID {
			continue
		}
		cp, err := cloneSession(sess)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *SessionStore) ListResumable(_ context.Context) ([]*models.BotExecutionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.BotExecutionSession
	for _, sess := range s.m {
		if sess.Status.Terminal() {
			continue
		}
		cp, err := cloneSession(sess)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func cloneStrategy(s *models.Strategy) (*models.Strategy, error) {
	raw, err := sonic.Marshal(s)
	if err != nil {
		return nil, err
	}
	var cp models.Strategy
	if err := sonic.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func cloneSession(s *models.BotExecutionSession) (*models.BotExecutionSession, error) {
	raw, err := sonic.Marshal(s)
	if err != nil {
		return nil, err
	}
	var cp models.BotExecutionSession
	if err := sonic.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
