package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	"github.com/execution-hub/otrun/internal/domain/run"
	"github.com/execution-hub/otrun/internal/domain/sequence"
)

// SensorReader returns the latest external readings as a JSON object.
type SensorReader interface {
	Read(ctx context.Context) (map[string]interface{}, error)
}

// ExpressionHook recomputes work item parameters from expressions such as
// "sensor_temperature + 2" before each item runs.
//
// Expressions see the item's current parameters by name, previous_status,
// and every sensor field flattened with an underscore prefix
// (sensor_probe_humidity). The dotted form is available escaped:
// [sensor.probe.humidity].
type ExpressionHook struct {
	sensor       SensorReader
	exprs        map[string]*govaluate.EvaluableExpression
	order        []string
	applyToFirst bool
	logger       zerolog.Logger
}

// NewExpressionHook compiles the feedback expressions. sensor may be nil.
func NewExpressionHook(fb *sequence.Feedback, sensor SensorReader, logger zerolog.Logger) (*ExpressionHook, error) {
	if fb == nil || len(fb.Adjust) == 0 {
		return nil, fmt.Errorf("feedback: no adjustments configured")
	}
	h := &ExpressionHook{
		sensor:       sensor,
		exprs:        make(map[string]*govaluate.EvaluableExpression, len(fb.Adjust)),
		applyToFirst: fb.ApplyToFirst,
		logger:       logger.With().Str("component", "feedback").Logger(),
	}
	for param, raw := range fb.Adjust {
		expr, err := govaluate.NewEvaluableExpression(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("feedback: %s: %w", param, err)
		}
		h.exprs[param] = expr
		h.order = append(h.order, param)
	}
	sort.Strings(h.order)
	return h, nil
}

// Hook returns h as a FeedbackHook.
func (h *ExpressionHook) Hook() FeedbackHook {
	return h.Adjust
}

// Adjust evaluates every expression and returns a copy of next with the
// results written into Params.
func (h *ExpressionHook) Adjust(ctx context.Context, previous run.Status, next sequence.WorkItem) (sequence.WorkItem, error) {
	if previous == "" && !h.applyToFirst {
		return next, nil
	}
	params := map[string]interface{}{
		"previous_status": string(previous),
	}
	for k, v := range next.Params {
		params[k] = v
	}
	if h.sensor != nil {
		reading, err := h.sensor.Read(ctx)
		if err != nil {
			return next, err
		}
		flattenContext("sensor", "_", reading, params)
		flattenContext("sensor", ".", reading, params)
	}

	adjusted := next.Clone()
	for _, param := range h.order {
		result, err := h.exprs[param].Evaluate(params)
		if err != nil {
			return next, fmt.Errorf("evaluate %s: %w", param, err)
		}
		value, ok := result.(float64)
		if !ok {
			return next, fmt.Errorf("expression for %s did not evaluate to a number (got %T)", param, result)
		}
		adjusted = adjusted.WithParam(param, value)
		h.logger.Info().
			Str("param", param).
			Float64("value", value).
			Str("previous_status", string(previous)).
			Msg("parameter adjusted")
	}
	return adjusted, nil
}

func flattenContext(prefix, sep string, m map[string]interface{}, out map[string]interface{}) {
	for k, v := range m {
		key := prefix + sep + k
		if vv, ok := v.(map[string]interface{}); ok {
			flattenContext(key, sep, vv, out)
			continue
		}
		out[key] = v
	}
}
