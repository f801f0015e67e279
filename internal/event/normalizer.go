package event

import (
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"
)

// MaxEventNameLength matches the analytical store's column limit.
const MaxEventNameLength = 200

// maxPropertyValueBytes caps individual string property values before
// serialization to the downstream schema.
const maxPropertyValueBytes = 64 * 1024

// NormalizerConfig tunes event normalization.
type NormalizerConfig struct {
	// FutureTolerance is how far ahead of the wall clock a timestamp may
	// land before it is clamped to now.
	FutureTolerance time.Duration
}

// DefaultNormalizerConfig returns the default normalization settings.
func DefaultNormalizerConfig() *NormalizerConfig {
	return &NormalizerConfig{
		FutureTolerance: 23 * time.Hour,
	}
}

// Normalizer sanitizes event names and resolves timestamps. It does not strip
// person fields; that is StripPersonProperties, called separately.
type Normalizer struct {
	config *NormalizerConfig
	log    *logrus.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(config *NormalizerConfig, log *logrus.Logger) *Normalizer {
	if config == nil {
		config = DefaultNormalizerConfig()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Normalizer{config: config, log: log}
}

// Normalize sanitizes the event in place and returns any ingestion warnings
// raised along the way.
func (n *Normalizer) Normalize(ev *PipelineEvent, teamID int64) []IngestionWarning {
	var warnings []IngestionWarning

	ev.Event = SanitizeEventName(ev.Event)

	ts, tsWarnings := n.resolveTimestamp(ev, teamID)
	warnings = append(warnings, tsWarnings...)
	ev.Timestamp = ClickHouseFormat(ts)

	truncateLargeStrings(ev.Properties)

	return warnings
}

// StripPersonProperties removes all person and group mutation keys from the
// property bag. Applied before any downstream step when person processing is
// disabled for the event.
func StripPersonProperties(props Properties) {
	delete(props, PropSet)
	delete(props, PropSetOnce)
	delete(props, PropUnset)
	delete(props, PropAnonDistinctID)
	delete(props, PropGroups)
	for k := range props {
		if strings.HasPrefix(k, "$group_") {
			delete(props, k)
		}
	}
}

// SanitizeEventName trims whitespace, strips control characters and caps the
// name length.
func SanitizeEventName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if len(name) > MaxEventNameLength {
		name = name[:MaxEventNameLength]
	}
	return name
}

// resolveTimestamp applies the precedence: explicit timestamp, else sent_at
// minus offset, else now. Invalid values fall back to now with a warning;
// far-future values clamp to now with a warning.
func (n *Normalizer) resolveTimestamp(ev *PipelineEvent, teamID int64) (time.Time, []IngestionWarning) {
	now := ev.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var warnings []IngestionWarning
	var ts time.Time

	switch {
	case ev.Timestamp != "":
		parsed, err := ParseTimestamp(ev.Timestamp)
		if err != nil {
			warnings = append(warnings, NewIngestionWarning(teamID, WarnIgnoredInvalidTimestamp, map[string]any{
				"eventUuid": ev.UUID,
				"field":     "timestamp",
				"value":     ev.Timestamp,
			}))
			ts = now
		} else {
			ts = parsed
		}
	case ev.SentAt != "":
		sentAt, err := ParseTimestamp(ev.SentAt)
		if err != nil {
			warnings = append(warnings, NewIngestionWarning(teamID, WarnIgnoredInvalidTimestamp, map[string]any{
				"eventUuid": ev.UUID,
				"field":     "sent_at",
				"value":     ev.SentAt,
			}))
			ts = now
		} else {
			ts = sentAt.Add(-time.Duration(ev.Offset) * time.Millisecond)
		}
	case ev.Offset != 0:
		ts = now.Add(-time.Duration(ev.Offset) * time.Millisecond)
	default:
		ts = now
	}

	if ts.After(now.Add(n.config.FutureTolerance)) {
		warnings = append(warnings, NewIngestionWarning(teamID, WarnTimestampInFuture, map[string]any{
			"eventUuid": ev.UUID,
			"timestamp": ClickHouseFormat(ts),
			"now":       ClickHouseFormat(now),
		}))
		ts = now
	}

	return ts.UTC(), warnings
}

// timestampLayouts are accepted input formats, most common first.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a client-supplied timestamp string.
func ParseTimestamp(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func truncateLargeStrings(props Properties) {
	for k, v := range props {
		if s, ok := v.(string); ok && len(s) > maxPropertyValueBytes {
			props[k] = s[:maxPropertyValueBytes]
		}
	}
}
