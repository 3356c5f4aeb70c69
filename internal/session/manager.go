package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bot_engine/internal/graph"
	"bot_engine/internal/ledger"
	"bot_engine/internal/models"
	"bot_engine/internal/storage"
	"bot_engine/pkg/logger"

	"github.com/google/uuid"
)

// Manager держит контроллеры живых сессий и маршрутизирует команды по id.
type Manager struct {
	deps       Deps
	strategies storage.StrategyStore

	mu          sync.Mutex
	controllers map[string]*Controller
}

func NewManager(deps Deps, strategies storage.StrategyStore) *Manager {
	return &Manager{
		deps:        deps,
		strategies:  strategies,
		controllers: make(map[string]*Controller),
	}
}

// StartParams — всё, что нужно для создания сессии поверх стратегии.
type StartParams struct {
	BotID     string
	UserID    string
	WalletID  string
	Mode      models.ExecutionMode
	Frequency models.Frequency
	Config    models.BotExecutionConfig
}

// StartSession валидирует стратегию, создаёт сессию и запускает контроллер.
func (m *Manager) StartSession(ctx context.Context, strategyID string, p StartParams) (*models.BotExecutionSession, error) {
	strat, err := m.strategies.Get(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("manager.StartSession: %w", err)
	}

	if rep := graph.Validate(strat); !rep.IsValid {
		issues := make([]string, 0, len(rep.Errors))
		for _, is := range rep.Errors {
			issues = append(issues, is.Msg)
		}
		return nil, &models.ValidationError{StrategyID: strat.ID, Issues: issues}
	}

	if p.Mode == models.ModeReal && p.WalletID == "" {
		return nil, models.ErrWalletRequired
	}
	cfg := withDefaults(p.Config, m.deps.Defaults)
	if err := cfg.Validate(p.Frequency); err != nil {
		return nil, err
	}
	if issues := disallowedElements(strat, cfg.AllowedElementTypes); len(issues) > 0 {
		return nil, &models.ValidationError{StrategyID: strat.ID, Issues: issues}
	}

	sess := &models.BotExecutionSession{
		ID:         uuid.NewString(),
		BotID:      p.BotID,
		StrategyID: strat.ID,
		UserID:     p.UserID,
		WalletID:   p.WalletID,
		Status:     models.StatusIdle,
		Mode:       p.Mode,
		Frequency:  p.Frequency,
		CreatedAt:  time.Now().UTC(),
		Config:     cfg,
	}

	ctl := NewController(m.deps, sess, strat)

	m.mu.Lock()
	m.controllers[sess.ID] = ctl
	m.mu.Unlock()

	if err := ctl.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.controllers, sess.ID)
		m.mu.Unlock()
		return nil, err
	}

	logger.Info("[MANAGER] session %s started for bot %s", sess.ID, sess.BotID)
	out := ctl.Snapshot()
	return &out, nil
}

// ResumeAll поднимает все не-терминальные сессии после рестарта процесса.
// Битые сессии пропускаются, остальных это не останавливает.
func (m *Manager) ResumeAll(ctx context.Context) error {
	sessions, err := m.deps.Sessions.ListResumable(ctx)
	if err != nil {
		return fmt.Errorf("manager.ResumeAll: %w", err)
	}

	for _, sess := range sessions {
		strat, err := m.strategies.Get(ctx, sess.StrategyID)
		if err != nil {
			logger.Error("[MANAGER] resume %s: strategy %s: %v", sess.ID, sess.StrategyID, err)
			continue
		}

		// восстановим агрегаты журнала до запуска тиков
		m.seedLedger(ctx, sess)

		ctl := NewController(m.deps, sess, strat)
		if err := ctl.Attach(ctx); err != nil {
			logger.Error("[MANAGER] resume %s: %v", sess.ID, err)
			continue
		}

		m.mu.Lock()
		m.controllers[sess.ID] = ctl
		m.mu.Unlock()
		logger.Info("[MANAGER] session %s resumed (%s)", sess.ID, sess.Status)
	}
	return nil
}

func (m *Manager) seedLedger(ctx context.Context, sess *models.BotExecutionSession) {
	lastSeq := int64(0)
	logs, err := m.deps.Ledger.Logs(ctx, ledger.LogQuery{SessionID: sess.ID})
	if err != nil {
		logger.Error("[MANAGER] seed %s: %v", sess.ID, err)
	}
	for _, e := range logs {
		if e.Seq > lastSeq {
			lastSeq = e.Seq
		}
	}
	m.deps.Ledger.Seed(sess.ID, sess.Metrics, lastSeq)
}

// withDefaults накладывает дефолты процесса на незаполненные поля конфига
// сессии; явно заданное значение всегда выигрывает.
func withDefaults(c, d models.BotExecutionConfig) models.BotExecutionConfig {
	if c.MaxConcurrentTrades == 0 {
		c.MaxConcurrentTrades = d.MaxConcurrentTrades
	}
	if c.MaxDailyTrades == 0 {
		c.MaxDailyTrades = d.MaxDailyTrades
	}
	if c.MaxExposurePct == 0 {
		c.MaxExposurePct = d.MaxExposurePct
	}
	if c.SlippageBps == 0 {
		c.SlippageBps = d.SlippageBps
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = d.ExecutionTimeout
	}
	if c.TransactionTimeout == 0 {
		c.TransactionTimeout = d.TransactionTimeout
	}
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	// нулевой Gas — это «не задано», а не валидная политика
	if !c.Gas.UseDefault && c.Gas.Multiplier == 0 {
		c.Gas = d.Gas
	}
	if c.Network == "" {
		c.Network = d.Network
	}
	if len(c.TradingPairs) == 0 {
		c.TradingPairs = append([]string(nil), d.TradingPairs...)
	}
	return c
}

// disallowedElements — элементы стратегии, чьи типы не проходят allow-list
// сессии. Пустой allow-list разрешает всё.
func disallowedElements(strat *models.Strategy, allowed []models.ElementType) []string {
	if len(allowed) == 0 {
		return nil
	}
	ok := make(map[models.ElementType]bool, len(allowed))
	for _, tp := range allowed {
		ok[tp] = true
	}
	var issues []string
	for id, el := range strat.Elements {
		if !ok[el.Type] {
			issues = append(issues, fmt.Sprintf("element %s: type %q is not allowed for this session", id, el.Type))
		}
	}
	sort.Strings(issues)
	return issues
}

func (m *Manager) controller(id string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctl, ok := m.controllers[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return ctl, nil
}

func (m *Manager) Pause(ctx context.Context, sessionID string) error {
	ctl, err := m.controller(sessionID)
	if err != nil {
		return err
	}
	return ctl.Pause(ctx)
}

func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	ctl, err := m.controller(sessionID)
	if err != nil {
		return err
	}
	return ctl.Resume(ctx)
}

func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	ctl, err := m.controller(sessionID)
	if err != nil {
		return err
	}
	return ctl.Stop(ctx)
}

func (m *Manager) TriggerManual(ctx context.Context, sessionID string) error {
	ctl, err := m.controller(sessionID)
	if err != nil {
		return err
	}
	return ctl.TriggerManual(ctx)
}

func (m *Manager) UpdateConfig(ctx context.Context, sessionID string, patch *models.ConfigPatch) error {
	ctl, err := m.controller(sessionID)
	if err != nil {
		return err
	}
	return ctl.UpdateConfig(ctx, patch)
}

// Session — снапшот живой сессии, либо из стора, если контроллера уже нет.
func (m *Manager) Session(ctx context.Context, sessionID string) (*models.BotExecutionSession, error) {
	if ctl, err := m.controller(sessionID); err == nil {
		out := ctl.Snapshot()
		return &out, nil
	}
	return m.deps.Sessions.Get(ctx, sessionID)
}

// DeleteSession удаляет терминальную сессию из стора.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := m.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Status.Terminal() {
		return &models.StateTransitionError{SessionID: sessionID, From: sess.Status, Command: "delete"}
	}
	m.mu.Lock()
	delete(m.controllers, sessionID)
	m.mu.Unlock()
	return m.deps.Sessions.Delete(ctx, sessionID)
}

// Shutdown гасит все живые контроллеры; сессии остаются resumable.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ctls := make([]*Controller, 0, len(m.controllers))
	for _, ctl := range m.controllers {
		ctls = append(ctls, ctl)
	}
	m.mu.Unlock()

	for _, ctl := range ctls {
		ctl.Detach(ctx)
	}
}
