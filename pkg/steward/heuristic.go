package steward

import (
	"strings"

	"github.com/stationd/stationd/pkg/models"
)

const groupPrefixLen = 20

// HeuristicPlan is the deterministic fallback when LLM analysis is
// unavailable. Signals are grouped by their lowercased first 20 characters;
// a group with at least two occurrences and a top confidence of 0.8 or more
// becomes a CREATE, or an UPDATE when a similar existing card title is found.
// Everything else is ephemeral.
func HeuristicPlan(signals []*models.IntentSignal, cards []*models.IntentCard) *models.IntentLayoutPlan {
	plan := &models.IntentLayoutPlan{
		Metadata: map[string]any{"method": "heuristic"},
	}

	type group struct {
		prefix  string
		top     *models.IntentSignal
		topConf float64
		ids     []string
		count   int
	}
	order := make([]string, 0, len(signals))
	groups := make(map[string]*group, len(signals))
	for _, sig := range signals {
		prefix := groupPrefix(sig.Label)
		g := groups[prefix]
		if g == nil {
			g = &group{prefix: prefix}
			groups[prefix] = g
			order = append(order, prefix)
		}
		g.count++
		g.ids = append(g.ids, sig.ID)
		if sig.Confidence >= g.topConf {
			g.topConf = sig.Confidence
			g.top = sig
		}
	}

	for _, prefix := range order {
		g := groups[prefix]
		if g.count < 2 || g.topConf < 0.8 {
			plan.EphemeralTasks = append(plan.EphemeralTasks, g.top.Label)
			continue
		}

		if target := similarCard(g.top.Label, cards); target != nil {
			plan.LongTermIntents = append(plan.LongTermIntents, models.IntentOperation{
				Type:            models.IntentOpUpdate,
				IntentID:        target.ID,
				Data:            map[string]any{"description": g.top.Label},
				RelationSignals: g.ids,
				Confidence:      g.topConf,
				Reasoning:       "recurring signal matches existing card",
			})
			continue
		}
		plan.LongTermIntents = append(plan.LongTermIntents, models.IntentOperation{
			Type:            models.IntentOpCreate,
			Data:            map[string]any{"title": g.top.Label},
			RelationSignals: g.ids,
			Confidence:      g.topConf,
			Reasoning:       "recurring high-confidence signal",
		})
	}
	return plan
}

func groupPrefix(label string) string {
	lower := strings.ToLower(strings.TrimSpace(label))
	runes := []rune(lower)
	if len(runes) > groupPrefixLen {
		return string(runes[:groupPrefixLen])
	}
	return lower
}

// similarCard finds an existing card whose title matches the label, either
// exactly (lowercased) or on the shared 20-character prefix.
func similarCard(label string, cards []*models.IntentCard) *models.IntentCard {
	lower := strings.ToLower(strings.TrimSpace(label))
	prefix := groupPrefix(label)
	for _, c := range cards {
		title := strings.ToLower(strings.TrimSpace(c.Title))
		if title == lower || groupPrefix(c.Title) == prefix {
			return c
		}
	}
	return nil
}
