package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bot_engine/internal/models"

	"github.com/google/uuid"
)

// TickRecord — результаты элементов одного тика, в форме графа.
type TickRecord struct {
	SessionID string                           `json:"session_id"`
	Tick      int64                            `json:"tick"`
	At        time.Time                        `json:"at"`
	Results   []*models.ElementExecutionResult `json:"results"`
}

type LogQuery struct {
	SessionID string
	From, To  time.Time
	Levels    []models.LogLevel
	Limit     int
	Offset    int
}

type TradeQuery struct {
	SessionID string
	From, To  time.Time
	Statuses  []models.TradeStatus
	Limit     int
	Offset    int
}

type ElementQuery struct {
	SessionID string
	ElementID string
	From, To  time.Time
	Limit     int
	Offset    int
}

// Store — append-only хранилище журнала. Единственная мутация — append;
// конкурентные записи из разных сессий не должны теряться.
type Store interface {
	AppendLog(ctx context.Context, e *models.ExecutionLogEntry) error
	AppendTrade(ctx context.Context, t *models.BotTrade) error
	AppendTick(ctx context.Context, r *TickRecord) error

	Logs(ctx context.Context, q LogQuery) ([]*models.ExecutionLogEntry, error)
	Trades(ctx context.Context, q TradeQuery) ([]*models.BotTrade, error)
	Ticks(ctx context.Context, q ElementQuery) ([]*TickRecord, error)
}

// Ledger — журнал решений и сделок плюс инкрементальные метрики.
// Метрики пересчитываются на каждом закрытии сделки, а не переигрыванием
// истории при чтении.
type Ledger struct {
	store Store

	mu      sync.Mutex
	seq     map[string]int64
	metrics map[string]*models.BotPerformanceMetrics
}

func New(store Store) *Ledger {
	return &Ledger{
		store:   store,
		seq:     make(map[string]int64),
		metrics: make(map[string]*models.BotPerformanceMetrics),
	}
}

// Log дописывает строку журнала; id, время и порядковый номер проставляются здесь,
// после записи строка больше не меняется.
func (l *Ledger) Log(ctx context.Context, e *models.ExecutionLogEntry) error {
	l.mu.Lock()
	l.seq[e.SessionID]++
	e.Seq = l.seq[e.SessionID]
	l.mu.Unlock()

	e.ID = uuid.NewString()
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := l.store.AppendLog(ctx, e); err != nil {
		return fmt.Errorf("ledger.Log: %w", err)
	}
	return nil
}

// Logf — шорткат для простых строк.
func (l *Ledger) Logf(ctx context.Context, sessionID string, level models.LogLevel, format string, args ...any) error {
	return l.Log(ctx, &models.ExecutionLogEntry{
		SessionID: sessionID,
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	})
}

// RecordTrade дописывает сделку; терминальная сделка сразу
// доворачивает метрики сессии.
func (l *Ledger) RecordTrade(ctx context.Context, t *models.BotTrade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := l.store.AppendTrade(ctx, t); err != nil {
		return fmt.Errorf("ledger.RecordTrade: %w", err)
	}
	if t.Status.Terminal() {
		l.mu.Lock()
		m := l.metrics[t.SessionID]
		if m == nil {
			m = &models.BotPerformanceMetrics{}
			l.metrics[t.SessionID] = m
		}
		applyTrade(m, t)
		l.mu.Unlock()
	}
	return nil
}

func (l *Ledger) RecordTick(ctx context.Context, r *TickRecord) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	if err := l.store.AppendTick(ctx, r); err != nil {
		return fmt.Errorf("ledger.RecordTick: %w", err)
	}
	return nil
}

func (l *Ledger) Logs(ctx context.Context, q LogQuery) ([]*models.ExecutionLogEntry, error) {
	return l.store.Logs(ctx, q)
}

func (l *Ledger) Trades(ctx context.Context, q TradeQuery) ([]*models.BotTrade, error) {
	return l.store.Trades(ctx, q)
}

func (l *Ledger) ElementHistory(ctx context.Context, q ElementQuery) ([]*TickRecord, error) {
	return l.store.Ticks(ctx, q)
}

// Metrics — текущий агрегат сессии (копия).
func (l *Ledger) Metrics(sessionID string) models.BotPerformanceMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m := l.metrics[sessionID]; m != nil {
		return *m
	}
	return models.BotPerformanceMetrics{}
}

// Seed восстанавливает агрегат и счётчик seq после рестарта процесса.
func (l *Ledger) Seed(sessionID string, m models.BotPerformanceMetrics, lastSeq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := m
	l.metrics[sessionID] = &cp
	if lastSeq > l.seq[sessionID] {
		l.seq[sessionID] = lastSeq
	}
}
