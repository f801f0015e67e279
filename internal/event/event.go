package event

import (
	"encoding/json"
	"time"
)

// Known property keys with special meaning to the pipeline. Everything else
// in the property bag passes through opaquely to the enriched output.
const (
	PropSet                  = "$set"
	PropSetOnce              = "$set_once"
	PropUnset                = "$unset"
	PropAnonDistinctID       = "$anon_distinct_id"
	PropAlias                = "alias"
	PropGroups               = "$groups"
	PropGroupType            = "$group_type"
	PropGroupKey             = "$group_key"
	PropGroupSet             = "$group_set"
	PropGroupSetOnce         = "$group_set_once"
	PropHeatmapData          = "$heatmap_data"
	PropIP                   = "$ip"
	PropElements             = "$elements"
	PropProcessPersonProfile = "$process_person_profile"
	PropSentryEventID        = "$sentry_event_id"
	PropSessionID            = "$session_id"
	PropCurrentURL           = "$current_url"
	PropViewportHeight       = "$viewport_height"
	PropViewportWidth        = "$viewport_width"
	PropIsIdentified         = "$is_identified"
)

// Event names the pipeline treats specially.
const (
	EventIdentify         = "$identify"
	EventCreateAlias      = "$create_alias"
	EventMergeDangerously = "$merge_dangerously"
	EventGroupIdentify    = "$groupidentify"
	EventHeatmap          = "$$heatmap"
	EventException        = "$exception"
	EventAIGeneration     = "$ai_generation"
	EventAIEmbedding      = "$ai_embedding"
)

// CookielessSentinel is the distinct id placeholder emitted by clients in
// cookieless mode. Such events are filtered out of this pipeline.
const CookielessSentinel = "$device_cookieless"

// Properties is the free-form event property bag.
type Properties map[string]any

// StringMap returns the value at key as a string-keyed map, or nil when the
// key is absent or holds a different shape.
func (p Properties) StringMap(key string) map[string]any {
	if p == nil {
		return nil
	}
	m, _ := p[key].(map[string]any)
	return m
}

// String returns the value at key as a string.
func (p Properties) String(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	s, ok := p[key].(string)
	return s, ok
}

// Bool returns the value at key as a bool.
func (p Properties) Bool(key string) (bool, bool) {
	if p == nil {
		return false, false
	}
	b, ok := p[key].(bool)
	return b, ok
}

// Clone performs a shallow copy. Nested maps are shared; callers that mutate
// nested values must copy them first.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// PipelineEvent is a raw analytics event as consumed from the bus, after
// decoding but before enrichment.
type PipelineEvent struct {
	Token      string     `json:"token,omitempty"`
	TeamID     *int64     `json:"team_id,omitempty"`
	UUID       string     `json:"uuid"`
	Event      string     `json:"event"`
	DistinctID string     `json:"distinct_id"`
	Timestamp  string     `json:"timestamp,omitempty"`
	SentAt     string     `json:"sent_at,omitempty"`
	Offset     int64      `json:"offset,omitempty"`
	Properties Properties `json:"properties"`
	Set        Properties `json:"$set,omitempty"`
	SetOnce    Properties `json:"$set_once,omitempty"`

	// Now is the wall-clock capture time assigned at decode. Kept on the
	// event so every downstream step shares one notion of "now".
	Now time.Time `json:"-"`

	// KafkaOffset and Partition identify the source record for logging.
	KafkaOffset int64 `json:"-"`
	Partition   int   `json:"-"`
}

// PersonMode describes how much person state accompanies an enriched event.
type PersonMode string

const (
	PersonModeFull         PersonMode = "full"
	PersonModeForceUpgrade PersonMode = "force_upgrade"
	PersonModePropertyless PersonMode = "propertyless"
)

// EnrichedEvent is the pipeline output record written to the enriched topic
// and the analytical store.
type EnrichedEvent struct {
	UUID             string     `json:"uuid"`
	Event            string     `json:"event"`
	Properties       string     `json:"properties"`
	Timestamp        string     `json:"timestamp"`
	TeamID           int64      `json:"team_id"`
	ProjectID        int64      `json:"project_id"`
	DistinctID       string     `json:"distinct_id"`
	ElementsChain    string     `json:"elements_chain"`
	CreatedAt        string     `json:"created_at"`
	PersonID         string     `json:"person_id"`
	PersonProperties string     `json:"person_properties"`
	PersonCreatedAt  string     `json:"person_created_at"`
	PersonMode       PersonMode `json:"person_mode"`
}

// ClickHouseFormat renders a timestamp the way the analytical store expects.
func ClickHouseFormat(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05.000")
}

// Team is the resolved owner of an event. Read-only from the pipeline's
// perspective; cached by both id and token.
type Team struct {
	ID                      int64  `json:"id"`
	ProjectID               int64  `json:"project_id"`
	Name                    string `json:"name"`
	APIToken                string `json:"api_token"`
	AnonymizeIPs            bool   `json:"anonymize_ips"`
	HeatmapsOptIn           *bool  `json:"heatmaps_opt_in"`
	PersonProcessingOptOut  bool   `json:"person_processing_opt_out"`
	IngestedEvent           bool   `json:"ingested_event"`
	CookielessServerHashOpt int16  `json:"cookieless_server_hash_mode"`
}

// HeatmapsEnabled reports whether heatmap extraction applies; a nil opt-in
// counts as enabled.
func (t *Team) HeatmapsEnabled() bool {
	return t.HeatmapsOptIn == nil || *t.HeatmapsOptIn
}

// Person is a resolved end-user identity.
type Person struct {
	ID           int64      `json:"id"`
	UUID         string     `json:"uuid"`
	TeamID       int64      `json:"team_id"`
	CreatedAt    time.Time  `json:"created_at"`
	Properties   Properties `json:"properties"`
	IsIdentified bool       `json:"is_identified"`
	IsUserID     *int64     `json:"is_user_id,omitempty"`
	Version      int64      `json:"version"`
	ForceUpgrade bool       `json:"force_upgrade"`
}

// PropertiesJSON serializes the person property bag, defaulting to "{}".
func (p *Person) PropertiesJSON() string {
	if p == nil || len(p.Properties) == 0 {
		return "{}"
	}
	b, err := json.Marshal(p.Properties)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Group is a named non-person entity (organization, project, ...).
type Group struct {
	TeamID         int64      `json:"team_id"`
	GroupTypeIndex int        `json:"group_type_index"`
	GroupKey       string     `json:"group_key"`
	Properties     Properties `json:"properties"`
	CreatedAt      time.Time  `json:"created_at"`
	Version        int64      `json:"version"`
}

// HeatmapRow is one pointer interaction extracted from $heatmap_data.
type HeatmapRow struct {
	X                  int    `json:"x"`
	Y                  int    `json:"y"`
	ScaleFactor        int    `json:"scale_factor"`
	ViewportWidth      int    `json:"viewport_width"`
	ViewportHeight     int    `json:"viewport_height"`
	PointerTargetFixed bool   `json:"pointer_target_fixed"`
	CurrentURL         string `json:"current_url"`
	Type               string `json:"type"`
	SessionID          string `json:"session_id"`
	DistinctID         string `json:"distinct_id"`
	TeamID             int64  `json:"team_id"`
	Timestamp          string `json:"timestamp"`
}

// IngestionWarning is a non-fatal anomaly reported on the warnings topic.
type IngestionWarning struct {
	TeamID    int64  `json:"team_id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
}

// NewIngestionWarning builds a warning record with serialized details.
func NewIngestionWarning(teamID int64, warningType string, details map[string]any) IngestionWarning {
	detailJSON := "{}"
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			detailJSON = string(b)
		}
	}
	return IngestionWarning{
		TeamID:    teamID,
		Type:      warningType,
		Source:    "plugin-server",
		Details:   detailJSON,
		Timestamp: ClickHouseFormat(time.Now()),
	}
}
