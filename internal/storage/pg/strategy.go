package pg

import (
	"context"
	"errors"
	"fmt"

	"bot_engine/internal/models"
	"bot_engine/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
)

// StrategyStore — pg-хранилище стратегий. Граф элементов лежит
// в jsonb-блобе, индексируемые поля дублируются колонками.
type StrategyStore struct {
	db *db.PgTxManager
}

func NewStrategyStore(db *db.PgTxManager) *StrategyStore {
	return &StrategyStore{db: db}
}

func (s *StrategyStore) Get(ctx context.Context, id string) (out *models.Strategy, err error) {
	defer func() {
		if err != nil && !errors.Is(err, models.ErrStrategyNotFound) {
			err = fmt.Errorf("pg.StrategyStore.Get: %w", err)
		}
	}()

	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		var data []byte
		qErr := tx.QueryRow(ctxTx,
			`SELECT data FROM strategies WHERE id = $1`, id).Scan(&data)
		if qErr != nil {
			if errors.Is(qErr, pgx.ErrNoRows) {
				return models.ErrStrategyNotFound
			}
			return qErr
		}
		out = &models.Strategy{}
		return sonic.Unmarshal(data, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *StrategyStore) Save(ctx context.Context, strat *models.Strategy) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.StrategyStore.Save: %w", err)
		}
	}()

	data, err := sonic.Marshal(strat)
	if err != nil {
		return err
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, eErr := tx.Exec(ctxTx, `
			INSERT INTO strategies (id, user_id, version, active, data, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				version = EXCLUDED.version,
				active = EXCLUDED.active,
				data = EXCLUDED.data,
				updated_at = now()`,
			strat.ID, strat.UserID, strat.Version, strat.Active, data)
		return eErr
	})
}

func (s *StrategyStore) Delete(ctx context.Context, id string) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.StrategyStore.Delete: %w", err)
		}
	}()

	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, eErr := tx.Exec(ctxTx, `DELETE FROM strategies WHERE id = $1`, id)
		return eErr
	})
}

func (s *StrategyStore) ListByUser(ctx context.Context, userID string) (out []*models.Strategy, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.StrategyStore.ListByUser: %w", err)
		}
	}()

	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		rows, qErr := tx.Query(ctxTx,
			`SELECT data FROM strategies WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()

		for rows.Next() {
			var data []byte
			if sErr := rows.Scan(&data); sErr != nil {
				return sErr
			}
			st := &models.Strategy{}
			if uErr := sonic.Unmarshal(data, st); uErr != nil {
				return uErr
			}
			out = append(out, st)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
