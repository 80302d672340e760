package sequences

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldflow/internal/dispatch"
	"fieldflow/internal/models"
)

// Defer schedules a delayed rule action as a one-step sequence on the entity.
// It returns when the action becomes due.
func (s *Scheduler) Defer(ctx context.Context, tenant, entityType, entityID string, action models.RuleAction) (time.Time, error) {
	cfg := make(map[string]any, len(action.Config)+2)
	for k, v := range action.Config {
		cfg[k] = v
	}
	cfg["action_type"] = action.Type
	cfg["entity_type"] = entityType
	seq, err := s.Start(ctx, tenant, entityID, []models.SequenceStep{{
		DelayHours: float64(action.DelayMinutes) / 60,
		Channel:    action.Type,
		Config:     cfg,
	}})
	if err != nil {
		return time.Time{}, err
	}
	return *seq.NextStepAt, nil
}

// StartHandler lets rules start a sequence with the start_follow_up_sequence
// action. The action config carries "steps" or the name of a registered
// "template"; the lead is "lead_id" from the config or snapshot, falling back to
// the entity id.
func (s *Scheduler) StartHandler() dispatch.Handler {
	return func(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error) {
		steps, err := s.stepsFor(req.Config)
		if err != nil {
			return dispatch.Outcome{}, err
		}
		leadID := req.EntityID
		if v, ok := req.Config["lead_id"].(string); ok && v != "" {
			leadID = v
		} else if v, ok := req.Snapshot["lead_id"].(string); ok && v != "" {
			leadID = v
		}
		seq, err := s.Start(ctx, req.Tenant, leadID, steps)
		if err != nil {
			return dispatch.Outcome{}, err
		}
		return dispatch.Outcome{Detail: "sequence " + seq.ID}, nil
	}
}

func (s *Scheduler) stepsFor(cfg map[string]any) ([]models.SequenceStep, error) {
	name, _ := cfg["template"].(string)
	if name == "" {
		return decodeSteps(cfg["steps"])
	}
	tpl, ok := s.templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown sequence template %q", name)
	}
	return append([]models.SequenceStep(nil), tpl...), nil
}

func decodeSteps(raw any) ([]models.SequenceStep, error) {
	if raw == nil {
		return nil, fmt.Errorf("steps are required")
	}
	if steps, ok := raw.([]models.SequenceStep); ok {
		return steps, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	var steps []models.SequenceStep
	if err := json.Unmarshal(b, &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}
