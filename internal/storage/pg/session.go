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

// SessionStore — pg-хранилище сессий исполнения. Сессия целиком
// (конфиг, счётчики, scratch индикаторов) лежит в jsonb, статус
// вынесен колонкой ради выборки resumable.
type SessionStore struct {
	db *db.PgTxManager
}

func NewSessionStore(db *db.PgTxManager) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Get(ctx context.Context, id string) (out *models.BotExecutionSession, err error) {
	defer func() {
		if err != nil && !errors.Is(err, models.ErrSessionNotFound) {
			err = fmt.Errorf("pg.SessionStore.Get: %w", err)
		}
	}()

	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		var data []byte
		qErr := tx.QueryRow(ctxTx,
			`SELECT data FROM bot_sessions WHERE id = $1`, id).Scan(&data)
		if qErr != nil {
			if errors.Is(qErr, pgx.ErrNoRows) {
				return models.ErrSessionNotFound
			}
			return qErr
		}
		out = &models.BotExecutionSession{}
		return sonic.Unmarshal(data, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SessionStore) Save(ctx context.Context, sess *models.BotExecutionSession) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SessionStore.Save: %w", err)
		}
	}()

	data, err := sonic.Marshal(sess)
	if err != nil {
		return err
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, eErr := tx.Exec(ctxTx, `
			INSERT INTO bot_sessions (id, user_id, strategy_id, status, data, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				strategy_id = EXCLUDED.strategy_id,
				status = EXCLUDED.status,
				data = EXCLUDED.data,
				updated_at = now()`,
			sess.ID, sess.UserID, sess.StrategyID, string(sess.Status), data)
		return eErr
	})
}

func (s *SessionStore) Delete(ctx context.Context, id string) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SessionStore.Delete: %w", err)
		}
	}()

	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, eErr := tx.Exec(ctxTx, `DELETE FROM bot_sessions WHERE id = $1`, id)
		return eErr
	})
}

func (s *SessionStore) ListByUser(ctx context.Context, userID string) ([]*models.BotExecutionSession, error) {
	return s.list(ctx, `SELECT data FROM bot_sessions WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
}

// ListResumable — сессии, которые на рестарте процесса надо поднять
// обратно: всё, что не дошло до терминального статуса.
func (s *SessionStore) ListResumable(ctx context.Context) ([]*models.BotExecutionSession, error) {
	return s.list(ctx, `
		SELECT data FROM bot_sessions
		WHERE status NOT IN ('stopped', 'completed', 'error')
		ORDER BY updated_at ASC`)
}

func (s *SessionStore) list(ctx context.Context, query string, args ...any) (out []*models.BotExecutionSession, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.SessionStore.list: %w", err)
		}
	}()

	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		rows, qErr := tx.Query(ctxTx, query, args...)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()

		for rows.Next() {
			var data []byte
			if sErr := rows.Scan(&data); sErr != nil {
				return sErr
			}
			sess := &models.BotExecutionSession{}
			if uErr := sonic.Unmarshal(data, sess); uErr != nil {
				return uErr
			}
			out = append(out, sess)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
