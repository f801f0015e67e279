package group

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
)

// EngineConfig tunes group resolution.
type EngineConfig struct {
	// MaxTypesPerTeam caps how many distinct group types a team may
	// register; later types resolve to no index.
	MaxTypesPerTeam int
}

// DefaultEngineConfig returns the default group settings.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{MaxTypesPerTeam: 5}
}

// Engine resolves group references on events and upserts group rows on
// $groupidentify. Skipped entirely when person processing is disabled.
type Engine struct {
	store  Store
	config *EngineConfig
	log    *logrus.Logger

	onGroupUpdate func(context.Context, *event.Group)
}

// NewEngine creates an Engine.
func NewEngine(store Store, config *EngineConfig, log *logrus.Logger) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	if log == nil {
		log = logrus.New()
	}
	return &Engine{store: store, config: config, log: log}
}

// OnGroupUpdate registers the downstream group-update sink.
func (e *Engine) OnGroupUpdate(fn func(context.Context, *event.Group)) {
	e.onGroupUpdate = fn
}

// HandleEvent resolves $groups into indexed $group_<i> keys and processes
// $groupidentify upserts. Returns ingestion warnings; resolution failures
// for individual group types skip that type without aborting the event.
func (e *Engine) HandleEvent(ctx context.Context, ev *event.PipelineEvent, team *event.Team, timestamp time.Time) ([]event.IngestionWarning, error) {
	var warnings []event.IngestionWarning

	if ev.Event == event.EventGroupIdentify {
		w, err := e.handleGroupIdentify(ctx, ev, team, timestamp)
		warnings = append(warnings, w...)
		if err != nil {
			return warnings, err
		}
	}

	groups := ev.Properties.StringMap(event.PropGroups)
	if len(groups) == 0 {
		return warnings, nil
	}

	// Deterministic resolution order keeps index assignment stable when
	// several new types arrive on one event.
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		key, ok := groups[name].(string)
		if !ok || key == "" {
			continue
		}
		index, err := e.store.ResolveTypeIndex(ctx, team.ID, team.ProjectID, name, e.config.MaxTypesPerTeam)
		if err == ErrNoIndex {
			e.log.WithFields(logrus.Fields{
				"team_id":    team.ID,
				"group_type": name,
			}).Debug("Group type cap reached, reference skipped")
			continue
		}
		if err != nil {
			return warnings, event.NewPipelineError(event.ErrCodeStoreUnavailable, "group type resolution failed", err)
		}
		ev.Properties[fmt.Sprintf("$group_%d", index)] = key
	}

	return warnings, nil
}

func (e *Engine) handleGroupIdentify(ctx context.Context, ev *event.PipelineEvent, team *event.Team, timestamp time.Time) ([]event.IngestionWarning, error) {
	groupType, _ := ev.Properties.String(event.PropGroupType)
	groupKey, hasKey := groupKeyString(ev.Properties)
	if groupType == "" || !hasKey {
		return nil, nil
	}

	set, setOK := mapOrNil(ev.Properties, event.PropGroupSet)
	setOnce, setOnceOK := mapOrNil(ev.Properties, event.PropGroupSetOnce)
	if !setOK || !setOnceOK {
		return []event.IngestionWarning{event.NewIngestionWarning(team.ID,
			event.WarnGroupTypePropertyInvalid, map[string]any{
				"eventUuid": ev.UUID,
				"groupType": groupType,
			})}, nil
	}

	index, err := e.store.ResolveTypeIndex(ctx, team.ID, team.ProjectID, groupType, e.config.MaxTypesPerTeam)
	if err == ErrNoIndex {
		e.log.WithFields(logrus.Fields{
			"team_id":    team.ID,
			"group_type": groupType,
		}).Debug("Group type cap reached, groupidentify skipped")
		return nil, nil
	}
	if err != nil {
		return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "group type resolution failed", err)
	}

	g, err := e.store.Upsert(ctx, team.ID, index, groupKey, set, setOnce, timestamp)
	if err != nil {
		return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "group upsert failed", err)
	}
	ev.Properties[fmt.Sprintf("$group_%d", index)] = groupKey

	if e.onGroupUpdate != nil {
		e.onGroupUpdate(ctx, g)
	}
	return nil, nil
}

// groupKeyString accepts string and numeric group keys; clients send both.
func groupKeyString(props event.Properties) (string, bool) {
	raw, ok := props[event.PropGroupKey]
	if !ok || raw == nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, v != ""
	case float64:
		return fmt.Sprintf("%v", v), true
	default:
		return "", false
	}
}

// mapOrNil returns the map at key, nil when absent, and ok=false when the
// key holds a non-map value.
func mapOrNil(props event.Properties, key string) (map[string]any, bool) {
	raw, ok := props[key]
	if !ok || raw == nil {
		return nil, true
	}
	m, isMap := raw.(map[string]any)
	if !isMap {
		return nil, false
	}
	return m, true
}
