package storage

import (
	"context"

	"bot_engine/internal/models"
)

// Хранилища — граница персистентности. Стратегии и сессии — CRUD,
// журнал — только append (см. ledger.Store).

type StrategyStore interface {
	Get(ctx context.Context, id string) (*models.Strategy, error)
	Save(ctx context.Context, s *models.Strategy) error
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]*models.Strategy, error)
}

type SessionStore interface {
	Get(ctx context.Context, id string) (*models.BotExecutionSession, error)
	Save(ctx context.Context, s *models.BotExecutionSession) error
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]*models.BotExecutionSession, error)
	// ListResumable — нетерминальные сессии для восстановления после рестарта
	ListResumable(ctx context.Context) ([]*models.BotExecutionSession, error)
}
