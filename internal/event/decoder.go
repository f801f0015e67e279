package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Decoder parses raw bus payloads into PipelineEvents.
type Decoder struct {
	log *logrus.Logger
}

// NewDecoder creates a Decoder.
func NewDecoder(log *logrus.Logger) *Decoder {
	if log == nil {
		log = logrus.New()
	}
	return &Decoder{log: log}
}

// Decode parses a raw payload. Decode failures and schema violations are
// terminal drops with cause "malformed"; they are never retried.
func (d *Decoder) Decode(raw []byte) (*PipelineEvent, error) {
	var ev PipelineEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		d.log.WithField("error", err.Error()).Debug("Failed to decode event payload")
		return nil, DroppedWithDetails(DropMalformed, map[string]any{"error": err.Error()})
	}

	if ev.Event == "" {
		return nil, DroppedWithDetails(DropMalformed, map[string]any{"error": "missing event name"})
	}
	if ev.DistinctID == "" {
		return nil, DroppedWithDetails(DropMalformed, map[string]any{"error": "missing distinct id"})
	}

	if ev.Properties == nil {
		ev.Properties = Properties{}
	}

	// Top-level $set / $set_once are accepted as an alternate shape and
	// folded into the property bag; properties win on conflict.
	mergeTopLevel(ev.Properties, PropSet, ev.Set)
	mergeTopLevel(ev.Properties, PropSetOnce, ev.SetOnce)

	ev.Now = time.Now().UTC()
	return &ev, nil
}

// ValidateUUID checks the event uuid field. Invalid uuids drop the event
// with an ingestion warning.
func ValidateUUID(ev *PipelineEvent) error {
	if _, err := uuid.Parse(ev.UUID); err != nil {
		return DroppedWithDetails(DropInvalidEventUUID, map[string]any{"eventUuid": ev.UUID})
	}
	return nil
}

func mergeTopLevel(props Properties, key string, top Properties) {
	if len(top) == 0 {
		return
	}
	existing, ok := props[key].(map[string]any)
	if !ok {
		if _, present := props[key]; present {
			return
		}
		existing = map[string]any{}
	}
	merged := make(map[string]any, len(top)+len(existing))
	for k, v := range top {
		merged[k] = v
	}
	for k, v := range existing {
		merged[k] = v
	}
	props[key] = merged
}
