package engine

import (
	"context"
	"time"

	"bot_engine/internal/evaluator"
	"bot_engine/internal/executor"
	"bot_engine/internal/ledger"
	"bot_engine/internal/market"
	"bot_engine/internal/models"
	"bot_engine/internal/modules/config"
	"bot_engine/internal/notify"
	"bot_engine/internal/risk"
	"bot_engine/internal/session"
	"bot_engine/internal/storage"
	"bot_engine/internal/storage/pg"
	"bot_engine/internal/venue"
	"bot_engine/pkg/db"
	"bot_engine/pkg/logger"

	"go.uber.org/fx"
)

// Module собирает ядро: сторы, журнал, фид, риск-гейт, исполнителей
// и менеджер сессий.
func Module() fx.Option {
	return fx.Module("engine",
		fx.Provide(
			func(txm *db.PgTxManager) storage.StrategyStore { return pg.NewStrategyStore(txm) },
			func(txm *db.PgTxManager) storage.SessionStore { return pg.NewSessionStore(txm) },
			func(txm *db.PgTxManager) ledger.Store { return pg.NewLedgerStore(txm) },
			ledger.New,

			func(cfg *config.Config) risk.GasOracle {
				return risk.StaticGas{Gwei: cfg.DefaultGasGwei}
			},
			risk.NewGate,
			evaluator.New,

			func(cfg *config.Config) *market.LiveFeed {
				return market.NewLiveFeed(cfg.Feed.URL, cfg.Feed.Interval)
			},
			func(f *market.LiveFeed) market.Feed { return f },

			newNotifier,
			notify.NewDispatcher,
			newExecRouter,

			func(
				cfg *config.Config,
				feed market.Feed,
				eval *evaluator.Evaluator,
				gate *risk.Gate,
				exec *execRouter,
				led *ledger.Ledger,
				sessions storage.SessionStore,
				dispatch *notify.Dispatcher,
			) session.Deps {
				return session.Deps{
					Feed:     feed,
					Eval:     eval,
					Gate:     gate,
					Exec:     exec,
					Ledger:   led,
					Sessions: sessions,
					Dispatch: dispatch,
					Defaults: cfg.ExecutionDefaults(),
				}
			},
			session.NewManager,
		),
		fx.Invoke(run),
	)
}

func newNotifier(cfg *config.Config) notify.Notifier {
	if cfg.Telegram.Token == "" {
		return notify.NewStdout()
	}
	tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
	if err != nil {
		logger.Error("[ENGINE] telegram notifier: %v, falling back to stdout", err)
		return notify.NewStdout()
	}
	return tg
}

// execRouter выбирает исполнителя по режиму сессии: реальные режимы
// идут на RPC-венью, бумажные — на мгновенные филлы по котировке.
type execRouter struct {
	real  *executor.Executor
	paper *executor.Executor
}

func newExecRouter(cfg *config.Config, feed market.Feed, led *ledger.Ledger) *execRouter {
	quotes := func(pair string) (float64, bool) {
		snap, err := feed.Snapshot(context.Background(), []string{pair}, time.Now().UTC())
		if err != nil {
			return 0, false
		}
		q, ok := snap.QuoteFor(pair)
		return q.Price, ok
	}
	paper := executor.New(venue.NewPaper(quotes), led)

	real := paper
	if cfg.Venue.URL != "" {
		real = executor.New(
			venue.NewRPC(cfg.Venue.URL, cfg.Venue.APIKey, cfg.Venue.APISecret, time.Duration(cfg.Venue.Timeout)), led)
	}
	return &execRouter{real: real, paper: paper}
}

func (r *execRouter) Execute(ctx context.Context, sess *models.BotExecutionSession, act *models.ProposedAction, quote models.Quote) *models.BotTrade {
	switch sess.Mode {
	case models.ModeReal, models.ModeSandbox:
		return r.real.Execute(ctx, sess, act, quote)
	default:
		return r.paper.Execute(ctx, sess, act, quote)
	}
}

func run(lc fx.Lifecycle, cfg *config.Config, feed *market.LiveFeed, mgr *session.Manager) {
	var feedCancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Feed.URL != "" {
				feedCtx, cancel := context.WithCancel(context.Background())
				feedCancel = cancel
				go feed.Run(feedCtx, cfg.Feed.Pairs)
			}
			return mgr.ResumeAll(ctx)
		},
		OnStop: func(ctx context.Context) error {
			mgr.Shutdown(ctx)
			if feedCancel != nil {
				feedCancel()
			}
			return nil
		},
	})
}
