package intent

import "github.com/stationd/stationd/pkg/models"

// Layer names used in evaluation reports. They key into both the decision
// log's final_decision map and the user_override map.
const (
	EvalLayerInteraction = "interaction_type"
	EvalLayerDomain      = "task_domain"
	EvalLayerPlaybook    = "selected_playbook_code"
)

// LayerMetrics holds accuracy for one pipeline layer.
type LayerMetrics struct {
	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`

	// Confusion counts expected label to produced label.
	Confusion map[string]map[string]int `json:"confusion"`
}

// Report is the offline evaluation result over a set of decision logs.
type Report struct {
	// Total is the number of logs inspected.
	Total int `json:"total"`

	// Evaluated is the number carrying a user override.
	Evaluated int `json:"evaluated"`

	// Overall is the share of evaluated logs where every overridden layer
	// matched the pipeline's decision.
	Overall float64 `json:"overall"`

	PerLayer map[string]*LayerMetrics `json:"per_layer"`
}

// Evaluate scores decision logs against their user overrides. Logs without
// an override are counted but not scored; an override may correct any subset
// of layers, and only the layers it names participate in that log's score.
func Evaluate(logs []*models.IntentLog) *Report {
	report := &Report{
		Total: len(logs),
		PerLayer: map[string]*LayerMetrics{
			EvalLayerInteraction: newLayerMetrics(),
			EvalLayerDomain:      newLayerMetrics(),
			EvalLayerPlaybook:    newLayerMetrics(),
		},
	}

	allCorrect := 0
	for _, log := range logs {
		if len(log.UserOverride) == 0 {
			continue
		}
		report.Evaluated++

		logCorrect := true
		for layer, metrics := range report.PerLayer {
			expected, ok := stringField(log.UserOverride, layer)
			if !ok {
				continue
			}
			actual, _ := stringField(log.FinalDecision, layer)

			metrics.Total++
			if actual == expected {
				metrics.Correct++
			} else {
				logCorrect = false
			}
			row := metrics.Confusion[expected]
			if row == nil {
				row = map[string]int{}
				metrics.Confusion[expected] = row
			}
			row[actual]++
		}
		if logCorrect {
			allCorrect++
		}
	}

	if report.Evaluated > 0 {
		report.Overall = float64(allCorrect) / float64(report.Evaluated)
	}
	for _, metrics := range report.PerLayer {
		if metrics.Total > 0 {
			metrics.Accuracy = float64(metrics.Correct) / float64(metrics.Total)
		}
	}
	return report
}

func newLayerMetrics() *LayerMetrics {
	return &LayerMetrics{Confusion: map[string]map[string]int{}}
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
