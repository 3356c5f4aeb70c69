package graph

import (
	"fmt"
	"time"

	"bot_engine/internal/models"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Fork — клон стратегии со свежими id и той же структурой рёбер.
func Fork(s *models.Strategy, userID string) (*models.Strategy, error) {
	raw, err := sonic.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("graph.Fork: marshal: %w", err)
	}
	var cp models.Strategy
	if err := sonic.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("graph.Fork: unmarshal: %w", err)
	}

	remap := make(map[string]string, len(cp.Elements))
	for id := range cp.Elements {
		remap[id] = uuid.NewString()
	}

	elements := make(map[string]*models.StrategyElement, len(cp.Elements))
	for id, el := range cp.Elements {
		el.ID = remap[id]
		if el.ParentID != "" {
			el.ParentID = remap[el.ParentID]
		}
		rewriteRefs(el, remap)
		elements[el.ID] = el
	}

	now := time.Now().UTC()
	cp.ID = uuid.NewString()
	cp.UserID = userID
	cp.Elements = elements
	cp.RootElementID = remap[s.RootElementID]
	cp.Version = 1
	cp.Active = false
	cp.CreatedAt = now
	cp.UpdatedAt = now
	return &cp, nil
}

func rewriteRefs(el *models.StrategyElement, remap map[string]string) {
	switch el.Type {
	case models.ElementCondition:
		if c := el.Condition; c != nil {
			c.LeftID = remap[c.LeftID]
			if c.RightID != "" {
				c.RightID = remap[c.RightID]
			}
			if c.BoundID != "" {
				c.BoundID = remap[c.BoundID]
			}
		}
	case models.ElementLogic:
		if l := el.Logic; l != nil {
			children := make([]string, len(l.Children))
			for i, ch := range l.Children {
				children[i] = remap[ch]
			}
			l.Children = children
		}
	}
}

// Export — автономное JSON-представление графа.
func Export(s *models.Strategy) ([]byte, error) {
	raw, err := sonic.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("graph.Export: %w", err)
	}
	return raw, nil
}

// Import разбирает экспорт, выдаёт новые id и валидирует результат.
// Структура рёбер обязана совпасть с исходной.
func Import(raw []byte, userID string) (*models.Strategy, *ValidationReport, error) {
	var src models.Strategy
	if err := sonic.Unmarshal(raw, &src); err != nil {
		return nil, nil, fmt.Errorf("graph.Import: unmarshal: %w", err)
	}
	forked, err := Fork(&src, userID)
	if err != nil {
		return nil, nil, err
	}
	report := Validate(forked)
	if !report.IsValid {
		return nil, report, &models.ValidationError{StrategyID: forked.ID, Issues: issueMsgs(report.Errors)}
	}
	return forked, report, nil
}
