package graph

import (
	"fmt"
	"time"

	"bot_engine/internal/models"
)

// Мутации графа работают по схеме copy — validate — commit:
// меняем копию, ревалидируем, и только валидный результат
// попадает обратно в стратегию. Стратегия никогда не
// авточинится за пользователя.

func AddElement(s *models.Strategy, el *models.StrategyElement) (*ValidationReport, error) {
	if el == nil || el.ID == "" {
		return nil, fmt.Errorf("graph.AddElement: element id is empty")
	}
	if _, exists := s.Elements[el.ID]; exists {
		return nil, fmt.Errorf("graph.AddElement: element %q already exists", el.ID)
	}
	next := shallowCopy(s)
	next.Elements[el.ID] = el
	return commit(s, next)
}

func UpdateElement(s *models.Strategy, el *models.StrategyElement) (*ValidationReport, error) {
	if el == nil || el.ID == "" {
		return nil, fmt.Errorf("graph.UpdateElement: element id is empty")
	}
	if _, exists := s.Elements[el.ID]; !exists {
		return nil, fmt.Errorf("graph.UpdateElement: element %q not found", el.ID)
	}
	next := shallowCopy(s)
	next.Elements[el.ID] = el
	return commit(s, next)
}

// DeleteElement убирает элемент из map. Висячие ссылки на него
// всплывают как ошибка валидации и блокируют коммит.
func DeleteElement(s *models.Strategy, id string) (*ValidationReport, error) {
	if _, exists := s.Elements[id]; !exists {
		return nil, fmt.Errorf("graph.DeleteElement: element %q not found", id)
	}
	next := shallowCopy(s)
	delete(next.Elements, id)
	return commit(s, next)
}

func commit(dst, next *models.Strategy) (*ValidationReport, error) {
	report := Validate(next)
	if !report.IsValid {
		return report, &models.ValidationError{StrategyID: dst.ID, Issues: issueMsgs(report.Errors)}
	}
	dst.Elements = next.Elements
	dst.Version++
	dst.UpdatedAt = time.Now().UTC()
	return report, nil
}

func shallowCopy(s *models.Strategy) *models.Strategy {
	next := *s
	next.Elements = make(map[string]*models.StrategyElement, len(s.Elements))
	for id, el := range s.Elements {
		next.Elements[id] = el
	}
	return &next
}

func issueMsgs(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, is := range issues {
		out = append(out, is.Msg)
	}
	return out
}
