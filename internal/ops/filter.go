package ops

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
)

// filterByKey compares a named channel against a configured value and keeps
// matching points. A missing key is a pass-through with a warning, never an
// error. A string-encoded numeric value is coerced when the channel is
// numeric; a non-numeric string only supports equality.
type filterByKey struct {
	key      string
	operator string
	value    any
	log      zerolog.Logger
}

var validOperators = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

func newFilterByKey(cfg db.NodeConfig, log zerolog.Logger) (Operation, error) {
	op := cfg.String("operator", "==")
	if !validOperators[op] {
		return nil, fmt.Errorf("invalid filter operator %q", op)
	}
	return &filterByKey{
		key:      cfg.String("key", "intensity"),
		operator: op,
		value:    cfg["value"],
		log:      log,
	}, nil
}

func (f *filterByKey) Apply(frame *engine.Frame) (*engine.Frame, map[string]any, error) {
	in := frame.Points
	if in == nil || in.Len() == 0 {
		return frame, nil, nil
	}

	col := -1
	for i, field := range frame.Fields {
		if field == f.key {
			col = i
			break
		}
	}
	if col < 0 || col >= in.Cols {
		f.log.Warn().Str("key", f.key).Msg("filter key not found, passing through")
		return frame, map[string]any{
			"filtered_count": in.Len(),
			"warning":        fmt.Sprintf("key %q not found", f.key),
		}, nil
	}

	threshold, numeric := coerceNumeric(f.value)

	n := in.Len()
	mask := make([]bool, n)
	for i := 0; i < n; i++ {
		v := float64(in.Row(i)[col])
		if numeric {
			mask[i] = compareNumeric(v, f.operator, threshold)
		} else {
			// Non-numeric configured value against a numeric channel:
			// equality semantics only.
			mask[i] = f.operator == "==" && fmt.Sprintf("%v", f.value) == strconv.FormatFloat(v, 'f', -1, 64)
		}
	}

	out := in.SelectMask(mask)
	result := *frame
	result.Points = out
	return &result, map[string]any{"filtered_count": out.Len(), "filter_key": f.key}, nil
}

// coerceNumeric widens the configured value to float64, accepting numeric
// strings that parse cleanly.
func coerceNumeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func compareNumeric(v float64, op string, threshold float64) bool {
	switch op {
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	}
	return false
}
