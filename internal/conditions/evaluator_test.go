package conditions

import (
	"bytes"
	"testing"

	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"

	"fieldflow/internal/models"
)

func TestCheck(t *testing.T) {
	record := map[string]any{
		"status":         "COMPLETED",
		"total":          1250.5,
		"visits":         3,
		"count_str":      "42",
		"tags":           []any{"vip", "repeat"},
		"notes":          "customer asked for morning slot",
		"scheduled_date": "2026-03-02T09:00:00Z",
		"estimate_id":    nil,
		"customer":       map[string]any{"address": map[string]any{"city": "Portland"}},
	}

	tests := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"eq string", models.Condition{Field: "status", Operator: "eq", Value: "COMPLETED"}, true},
		{"eq mismatch", models.Condition{Field: "status", Operator: "eq", Value: "PAID"}, false},
		{"eq int vs float", models.Condition{Field: "visits", Operator: "eq", Value: 3.0}, true},
		{"eq numeric string", models.Condition{Field: "count_str", Operator: "eq", Value: 42}, true},
		{"eq missing", models.Condition{Field: "nope", Operator: "eq", Value: "x"}, false},
		{"neq", models.Condition{Field: "status", Operator: "neq", Value: "PAID"}, true},
		{"neq missing", models.Condition{Field: "nope", Operator: "neq", Value: "x"}, true},
		{"gt", models.Condition{Field: "total", Operator: "gt", Value: 1000}, true},
		{"gte equal", models.Condition{Field: "visits", Operator: "gte", Value: 3}, true},
		{"lt", models.Condition{Field: "visits", Operator: "lt", Value: 3}, false},
		{"lte numeric string", models.Condition{Field: "count_str", Operator: "lte", Value: "100"}, true},
		{"gt time", models.Condition{Field: "scheduled_date", Operator: "gt", Value: "2026-03-01T00:00:00Z"}, true},
		{"lt time", models.Condition{Field: "scheduled_date", Operator: "lt", Value: "2026-03-01T00:00:00Z"}, false},
		{"gt on missing", models.Condition{Field: "nope", Operator: "gt", Value: 1}, false},
		{"gt incompatible", models.Condition{Field: "tags", Operator: "gt", Value: 1}, false},
		{"contains substring", models.Condition{Field: "notes", Operator: "contains", Value: "morning"}, true},
		{"contains list", models.Condition{Field: "tags", Operator: "contains", Value: "vip"}, true},
		{"contains absent", models.Condition{Field: "notes", Operator: "contains", Value: "evening"}, false},
		{"in", models.Condition{Field: "status", Operator: "in", Value: []any{"INVOICED", "COMPLETED"}}, true},
		{"in absent", models.Condition{Field: "status", Operator: "in", Value: []any{"PAID"}}, false},
		{"in string value", models.Condition{Field: "status", Operator: "in", Value: "COMPLETED"}, false},
		{"exists", models.Condition{Field: "total", Operator: "exists"}, true},
		{"exists nil", models.Condition{Field: "estimate_id", Operator: "exists"}, false},
		{"exists missing", models.Condition{Field: "nope", Operator: "exists"}, false},
		{"dotted path", models.Condition{Field: "customer.address.city", Operator: "eq", Value: "Portland"}, true},
		{"dotted path through scalar", models.Condition{Field: "status.name", Operator: "exists"}, false},
		{"operator case", models.Condition{Field: "status", Operator: "EQ", Value: "COMPLETED"}, true},
	}

	e := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Check(tt.cond, record))
		})
	}
}

func TestEvaluateUsesAndSemantics(t *testing.T) {
	e := New(nil)
	record := map[string]any{"status": "COMPLETED", "total": 200}

	assert.True(t, e.Evaluate(nil, record))
	assert.True(t, e.Evaluate([]models.Condition{
		{Field: "status", Operator: "eq", Value: "COMPLETED"},
		{Field: "total", Operator: "gte", Value: 100},
	}, record))
	assert.False(t, e.Evaluate([]models.Condition{
		{Field: "status", Operator: "eq", Value: "COMPLETED"},
		{Field: "total", Operator: "gte", Value: 500},
	}, record))
}

func TestUnknownOperatorIsFalseAndWarns(t *testing.T) {
	var buf bytes.Buffer
	e := New(kitlog.NewLogfmtLogger(&buf))

	assert.NotPanics(t, func() {
		assert.False(t, e.Evaluate([]models.Condition{{Field: "status", Operator: "matches", Value: "C.*"}}, map[string]any{"status": "COMPLETED"}))
	})
	assert.Contains(t, buf.String(), "level=warn")
	assert.Contains(t, buf.String(), "operator=matches")
	assert.False(t, Known("matches"))
	assert.True(t, Known("Contains"))
}
