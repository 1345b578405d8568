package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/llm"
	"github.com/stationd/stationd/pkg/models"
	"github.com/stationd/stationd/pkg/sampling"
	"github.com/stationd/stationd/pkg/store"
)

// Signal label length bounds. Labels outside the range are dropped.
const (
	minLabelLen = 3
	maxLabelLen = 200
)

// Sampler is the client-side sampling channel (typically MCP). Nil or
// ErrSamplingNotSupported routes extraction to the workspace provider.
type Sampler interface {
	Sample(ctx context.Context, workspaceID string, prompt sampling.Prompt) (map[string]any, error)
}

// Extractor turns a synced message into persisted intent signals. Extraction
// routes through the sampling gate: the client's model first, the workspace
// provider second, a pending review card last.
type Extractor struct {
	logger   *slog.Logger
	cfg      *config.Config
	store    store.Store
	gate     *sampling.Gate
	provider Completer
	sampler  Sampler
	newID    func() string
	now      func() time.Time
}

// NewExtractor builds a signal extractor. sampler may be nil.
func NewExtractor(logger *slog.Logger, cfg *config.Config, st store.Store, gate *sampling.Gate, provider Completer, sampler Sampler) *Extractor {
	return &Extractor{
		logger:   logger.With("component", "intent_extractor"),
		cfg:      cfg,
		store:    st,
		gate:     gate,
		provider: provider,
		sampler:  sampler,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// ExtractSignals extracts, validates, and persists intent signals for one
// synced message, then appends an intent_extracted event.
func (e *Extractor) ExtractSignals(ctx context.Context, workspaceID, profileID, message, messageID string) ([]*models.IntentSignal, error) {
	prompt := sampling.BuildIntentExtractPrompt(message)

	samplingFn := func(ctx context.Context) (map[string]any, error) {
		if e.sampler == nil {
			return nil, sampling.ErrSamplingNotSupported
		}
		return e.sampler.Sample(ctx, workspaceID, prompt)
	}
	fallbackFn := func(ctx context.Context) (map[string]any, error) {
		comp, err := e.provider.ChatCompletion(ctx, llm.Request{
			Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt.Text}},
			Model:     e.cfg.ChatModel,
			MaxTokens: matcherMaxTokens,
		})
		if err != nil {
			return nil, err
		}
		var out map[string]any
		if err := decodeJSON(comp.Text, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	pendingCardFn := func(ctx context.Context) error {
		return e.store.CreateTimelineItem(ctx, &models.TimelineItem{
			ID:          e.newID(),
			WorkspaceID: workspaceID,
			MessageID:   messageID,
			Type:        models.TimelineItemPendingCard,
			Title:       "Intent extraction needs review",
			Summary:     "Automatic extraction failed for this message.",
			CreatedAt:   e.now().UTC(),
		})
	}

	res := e.gate.WithFallback(ctx, samplingFn, fallbackFn, workspaceID, prompt.Template, pendingCardFn)
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Source == sampling.SourcePendingCard {
		// A review card exists; nothing to persist.
		return nil, nil
	}

	source := models.SignalSourceLLMExtractor
	if res.Source == sampling.SourceMCPSampling {
		source = models.SignalSourceMCPSampling
	}
	signals := e.buildSignals(res.Data, workspaceID, profileID, messageID, source)

	for _, sig := range signals {
		if err := e.store.CreateIntentSignal(ctx, sig); err != nil {
			return nil, err
		}
	}
	e.emitExtractedEvent(ctx, workspaceID, profileID, messageID, signals, res.Source)
	return signals, nil
}

// buildSignals validates raw model output into signal rows: trimmed labels in
// the length range, confidence clamped to [0,1], de-duplicated by lowercased
// label.
func (e *Extractor) buildSignals(data map[string]any, workspaceID, profileID, messageID string, source models.SignalSource) []*models.IntentSignal {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	var parsed struct {
		Signals []struct {
			Label      string  `json:"label"`
			Confidence float64 `json:"confidence"`
		} `json:"signals"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		e.logger.Warn("unparseable extraction payload", "workspace_id", workspaceID, "error", err)
		return nil
	}

	seen := make(map[string]bool, len(parsed.Signals))
	out := make([]*models.IntentSignal, 0, len(parsed.Signals))
	for _, s := range parsed.Signals {
		label := strings.TrimSpace(s.Label)
		if n := utf8.RuneCountInString(label); n < minLabelLen || n > maxLabelLen {
			continue
		}
		key := strings.ToLower(label)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, &models.IntentSignal{
			ID:          e.newID(),
			WorkspaceID: workspaceID,
			ProfileID:   profileID,
			Label:       label,
			Confidence:  clamp01(s.Confidence),
			Source:      source,
			MessageID:   messageID,
			Status:      models.SignalCandidate,
			CreatedAt:   e.now().UTC(),
		})
	}
	return out
}

func (e *Extractor) emitExtractedEvent(ctx context.Context, workspaceID, profileID, messageID string, signals []*models.IntentSignal, source sampling.Source) {
	labels := make([]string, 0, len(signals))
	ids := make([]string, 0, len(signals))
	for _, s := range signals {
		labels = append(labels, s.Label)
		ids = append(ids, s.ID)
	}
	_, err := e.store.AppendEvent(ctx, &models.Event{
		ID:          e.newID(),
		Timestamp:   e.now().UTC(),
		Actor:       models.ActorSystem,
		EventType:   models.EventTypeIntentExtracted,
		WorkspaceID: workspaceID,
		ProfileID:   profileID,
		EntityIDs:   ids,
		Payload: map[string]any{
			"message_id":   messageID,
			"signal_count": len(signals),
			"labels":       labels,
			"source":       string(source),
		},
	})
	if err != nil {
		e.logger.Error("failed to append intent_extracted event",
			"workspace_id", workspaceID, "error", err)
	}
}
