package pg

import (
	"context"
	"fmt"
	"strings"

	"bot_engine/internal/ledger"
	"bot_engine/internal/models"
	"bot_engine/pkg/db"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
)

// LedgerStore — pg-журнал. Таблицы только append, правок и удалений нет;
// порядок восстанавливается по (session_id, seq) для логов и created_at
// для сделок.
type LedgerStore struct {
	db *db.PgTxManager
}

func NewLedgerStore(db *db.PgTxManager) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) AppendLog(ctx context.Context, e *models.ExecutionLogEntry) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LedgerStore.AppendLog: %w", err)
		}
	}()

	data, err := sonic.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, eErr := tx.Exec(ctxTx, `
			INSERT INTO execution_logs (id, session_id, seq, at, level, data)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.SessionID, e.Seq, e.At, string(e.Level), data)
		return eErr
	})
}

func (s *LedgerStore) AppendTrade(ctx context.Context, t *models.BotTrade) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LedgerStore.AppendTrade: %w", err)
		}
	}()

	data, err := sonic.Marshal(t)
	if err != nil {
		return err
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, eErr := tx.Exec(ctxTx, `
			INSERT INTO bot_trades (id, session_id, created_at, status, data)
			VALUES ($1, $2, $3, $4, $5)`,
			t.ID, t.SessionID, t.CreatedAt, string(t.Status), data)
		return eErr
	})
}

func (s *LedgerStore) AppendTick(ctx context.Context, r *ledger.TickRecord) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LedgerStore.AppendTick: %w", err)
		}
	}()

	data, err := sonic.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		_, eErr := tx.Exec(ctxTx, `
			INSERT INTO tick_records (session_id, tick, at, data)
			VALUES ($1, $2, $3, $4)`,
			r.SessionID, r.Tick, r.At, data)
		return eErr
	})
}

func (s *LedgerStore) Logs(ctx context.Context, q ledger.LogQuery) (out []*models.ExecutionLogEntry, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LedgerStore.Logs: %w", err)
		}
	}()

	where := newFilter()
	if q.SessionID != "" {
		where.add("session_id = %s", q.SessionID)
	}
	if !q.From.IsZero() {
		where.add("at >= %s", q.From)
	}
	if !q.To.IsZero() {
		where.add("at <= %s", q.To)
	}
	if len(q.Levels) > 0 {
		levels := make([]string, 0, len(q.Levels))
		for _, l := range q.Levels {
			levels = append(levels, string(l))
		}
		where.add("level = ANY(%s)", levels)
	}
	query := `SELECT data FROM execution_logs` + where.clause() +
		` ORDER BY session_id, seq` + pageClause(q.Offset, q.Limit)

	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		return scanBlobs(ctxTx, tx, query, where.args, func(data []byte) error {
			e := &models.ExecutionLogEntry{}
			if uErr := sonic.Unmarshal(data, e); uErr != nil {
				return uErr
			}
			out = append(out, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LedgerStore) Trades(ctx context.Context, q ledger.TradeQuery) (out []*models.BotTrade, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LedgerStore.Trades: %w", err)
		}
	}()

	where := newFilter()
	if q.SessionID != "" {
		where.add("session_id = %s", q.SessionID)
	}
	if !q.From.IsZero() {
		where.add("created_at >= %s", q.From)
	}
	if !q.To.IsZero() {
		where.add("created_at <= %s", q.To)
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, 0, len(q.Statuses))
		for _, st := range q.Statuses {
			statuses = append(statuses, string(st))
		}
		where.add("status = ANY(%s)", statuses)
	}
	query := `SELECT data FROM bot_trades` + where.clause() +
		` ORDER BY created_at` + pageClause(q.Offset, q.Limit)

	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		return scanBlobs(ctxTx, tx, query, where.args, func(data []byte) error {
			t := &models.BotTrade{}
			if uErr := sonic.Unmarshal(data, t); uErr != nil {
				return uErr
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LedgerStore) Ticks(ctx context.Context, q ledger.ElementQuery) (out []*ledger.TickRecord, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("pg.LedgerStore.Ticks: %w", err)
		}
	}()

	where := newFilter()
	if q.SessionID != "" {
		where.add("session_id = %s", q.SessionID)
	}
	if !q.From.IsZero() {
		where.add("at >= %s", q.From)
	}
	if !q.To.IsZero() {
		where.add("at <= %s", q.To)
	}
	query := `SELECT data FROM tick_records` + where.clause() +
		` ORDER BY session_id, tick` + pageClause(q.Offset, q.Limit)

	err = s.db.RunMaster(ctx, func(ctxTx context.Context, tx pgx.Tx) error {
		return scanBlobs(ctxTx, tx, query, where.args, func(data []byte) error {
			r := &ledger.TickRecord{}
			if uErr := sonic.Unmarshal(data, r); uErr != nil {
				return uErr
			}
			// фильтр по элементу делаем по распакованному блобу
			if q.ElementID != "" && !tickHasElement(r.Results, q.ElementID) {
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func tickHasElement(results []*models.ElementExecutionResult, id string) bool {
	for _, r := range results {
		if r.ElementID == id || tickHasElement(r.Children, id) {
			return true
		}
	}
	return false
}

// filter собирает WHERE с позиционными плейсхолдерами.
type filter struct {
	conds []string
	args  []any
}

func newFilter() *filter {
	return &filter{}
}

func (f *filter) add(cond string, arg any) {
	f.args = append(f.args, arg)
	f.conds = append(f.conds, fmt.Sprintf(cond, fmt.Sprintf("$%d", len(f.args))))
}

func (f *filter) clause() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

func pageClause(offset, limit int) string {
	out := ""
	if limit > 0 {
		out += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		out += fmt.Sprintf(" OFFSET %d", offset)
	}
	return out
}

func scanBlobs(ctx context.Context, tx pgx.Tx, query string, args []any, fn func(data []byte) error) error {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return rows.Err()
}

var _ ledger.Store = (*LedgerStore)(nil)
