package memory

import (
	"context"
	"sync"

	"bot_engine/internal/ledger"
	"bot_engine/internal/models"
)

// LedgerStore — append-only журнал в памяти. Записи никогда не правятся,
// конкурентные аппенды из разных сессий сериализуются мьютексом.
type LedgerStore struct {
	mu     sync.RWMutex
	logs   []*models.ExecutionLogEntry
	trades []*models.BotTrade
	ticks  []*ledger.TickRecord
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{}
}

func (s *LedgerStore) AppendLog(_ context.Context, e *models.ExecutionLogEntry) error {
	cp := *e
	s.mu.Lock()
	s.logs = append(s.logs, &cp)
	s.mu.Unlock()
	return nil
}

func (s *LedgerStore) AppendTrade(_ context.Context, t *models.BotTrade) error {
	cp := *t
	s.mu.Lock()
	s.trades = append(s.trades, &cp)
	s.mu.Unlock()
	return nil
}

func (s *LedgerStore) AppendTick(_ context.Context, r *ledger.TickRecord) error {
	cp := *r
	s.mu.Lock()
	s.ticks = append(s.ticks, &cp)
	s.mu.Unlock()
	return nil
}

func (s *LedgerStore) Logs(_ context.Context, q ledger.LogQuery) ([]*models.ExecutionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ExecutionLogEntry
	for _, e := range s.logs {
		if q.SessionID != "" && e.SessionID != q.SessionID {
			continue
		}
		if !q.From.IsZero() && e.At.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && e.At.After(q.To) {
			continue
		}
		if len(q.Levels) > 0 && !levelIn(e.Level, q.Levels) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return page(out, q.Offset, q.Limit), nil
}

func (s *LedgerStore) Trades(_ context.Context, q ledger.TradeQuery) ([]*models.BotTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.BotTrade
	for _, t := range s.trades {
		if q.SessionID != "" && t.SessionID != q.SessionID {
			continue
		}
		if !q.From.IsZero() && t.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && t.CreatedAt.After(q.To) {
			continue
		}
		if len(q.Statuses) > 0 && !statusIn(t.Status, q.Statuses) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return page(out, q.Offset, q.Limit), nil
}

func (s *LedgerStore) Ticks(_ context.Context, q ledger.ElementQuery) ([]*ledger.TickRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ledger.TickRecord
	for _, r := range s.ticks {
		if q.SessionID != "" && r.SessionID != q.SessionID {
			continue
		}
		if !q.From.IsZero() && r.At.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && r.At.After(q.To) {
			continue
		}
		if q.ElementID != "" && !hasElement(r.Results, q.ElementID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return page(out, q.Offset, q.Limit), nil
}

func hasElement(results []*models.ElementExecutionResult, id string) bool {
	for _, r := range results {
		if r.ElementID == id {
			return true
		}
		if hasElement(r.Children, id) {
			return true
		}
	}
	return false
}

func levelIn(l models.LogLevel, ls []models.LogLevel) bool {
	for _, x := range ls {
		if x == l {
			return true
		}
	}
	return false
}

func statusIn(s models.TradeStatus, ss []models.TradeStatus) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func page[T any](xs []T, offset, limit int) []T {
	if offset >= len(xs) {
		return nil
	}
	xs = xs[offset:]
	if limit > 0 && limit < len(xs) {
		xs = xs[:limit]
	}
	return xs
}

var _ ledger.Store = (*LedgerStore)(nil)
