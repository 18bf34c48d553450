package collector

import (
	"errors"
	"fmt"
	"strconv"
)

// DefaultQuery reads per-table scan counters for the connected database.
const DefaultQuery = `SELECT current_database() AS dbname, schemaname, relname, idx_scan, seq_scan
FROM pg_catalog.pg_stat_user_tables
WHERE coalesce(idx_scan, 0) > 0 OR coalesce(seq_scan, 0) > 0`

// Row is one result row keyed by column name.
type Row map[string]any

// MetricSpec maps one column of every row to a counter.
type MetricSpec struct {
	// Name is the counter name.
	Name string `yaml:"name"`
	// ValueColumn holds the increment. Rows where it is null, zero or
	// not numeric are skipped.
	ValueColumn string `yaml:"value_column"`
	// LabelColumns become counter labels. Null columns are omitted.
	LabelColumns []string `yaml:"label_columns"`
}

// Plan is the read-only query a worker runs each cycle and how its rows
// become counter increments.
type Plan struct {
	Query   string       `yaml:"query"`
	Metrics []MetricSpec `yaml:"metrics"`
}

// DefaultPlan emits idx_scan and seq_scan per user table.
func DefaultPlan() Plan {
	labels := []string{"dbname", "schemaname", "relname"}

	return Plan{
		Query: DefaultQuery,
		Metrics: []MetricSpec{
			{Name: "idx_scan", ValueColumn: "idx_scan", LabelColumns: labels},
			{Name: "seq_scan", ValueColumn: "seq_scan", LabelColumns: labels},
		},
	}
}

// Validate checks the plan is usable.
func (p *Plan) Validate() error {
	if p.Query == "" {
		return errors.New("plan query is required")
	}

	if len(p.Metrics) == 0 {
		return errors.New("plan requires at least one metric")
	}

	for i, m := range p.Metrics {
		if m.Name == "" {
			return fmt.Errorf("plan metric %d: name is required", i)
		}

		if m.ValueColumn == "" {
			return fmt.Errorf("plan metric %q: value_column is required", m.Name)
		}
	}

	return nil
}

// Observation is one counter increment derived from a row.
type Observation struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// Evaluate turns rows into observations, in row order then metric order.
func (p *Plan) Evaluate(rows []Row) []Observation {
	out := make([]Observation, 0, len(rows)*len(p.Metrics))

	for _, row := range rows {
		for _, m := range p.Metrics {
			v, ok := toFloat(row[m.ValueColumn])
			if !ok || v <= 0 {
				continue
			}

			labels := make(map[string]string, len(m.LabelColumns))

			for _, col := range m.LabelColumns {
				if s, ok := toLabel(row[col]); ok {
					labels[col] = s
				}
			}

			out = append(out, Observation{Name: m.Name, Value: v, Labels: labels})
		}
	}

	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)

		return f, err == nil
	default:
		return 0, false
	}
}

func toLabel(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, true
	case []byte:
		return string(s), true
	case fmt.Stringer:
		return s.String(), true
	default:
		return fmt.Sprint(s), true
	}
}
