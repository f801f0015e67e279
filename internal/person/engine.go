package person

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
)

// maxDistinctIDLength caps distinct ids accepted in merges.
const maxDistinctIDLength = 400

// illegalDistinctIDs are values that clients send by accident; merging on
// them would collapse unrelated users into one person.
var illegalDistinctIDs = map[string]struct{}{
	"anonymous":         {},
	"guest":             {},
	"distinctid":        {},
	"distinct_id":       {},
	"id":                {},
	"not_authenticated": {},
	"email":             {},
	"undefined":         {},
	"null":              {},
	"none":              {},
	"nan":               {},
	"true":              {},
	"false":             {},
	"0":                 {},
	"[object object]":   {},
}

// EngineConfig tunes identity resolution.
type EngineConfig struct {
	// RetryMax bounds the optimistic-concurrency retry loop.
	RetryMax int
}

// DefaultEngineConfig returns the default engine settings.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{RetryMax: 5}
}

// Result is the outcome of identity processing for one event.
type Result struct {
	Person   *event.Person
	Warnings []event.IngestionWarning
}

// Engine resolves distinct ids to persons and applies identify, alias and
// merge semantics. All mutations are version-guarded; on guard exhaustion
// the event fails with a retryable PersonUpdateConflict.
type Engine struct {
	store  Store
	config *EngineConfig
	log    *logrus.Logger

	// onPersonUpdate, when set, receives the post-mutation person snapshot
	// for downstream person-update emission.
	onPersonUpdate func(context.Context, *event.Person)
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

// OnPersonUpdate registers the downstream person-update sink.
func (e *Engine) OnPersonUpdate(fn func(context.Context, *event.Person)) {
	e.onPersonUpdate = fn
}

// HandleEvent runs identity resolution for one event and returns the person
// snapshot reflecting state after this event's property writes.
func (e *Engine) HandleEvent(ctx context.Context, ev *event.PipelineEvent, teamID int64, timestamp time.Time) (*Result, error) {
	result := &Result{}

	var p *event.Person
	var err error

	switch ev.Event {
	case event.EventIdentify:
		p, err = e.handleMergeEvent(ctx, ev, teamID, timestamp, e.anonDistinctID(ev), false, result)
	case event.EventCreateAlias:
		p, err = e.handleMergeEvent(ctx, ev, teamID, timestamp, e.aliasDistinctID(ev), false, result)
	case event.EventMergeDangerously:
		p, err = e.handleMergeEvent(ctx, ev, teamID, timestamp, e.aliasDistinctID(ev), true, result)
	default:
		p, err = e.ensurePerson(ctx, teamID, ev.DistinctID, timestamp, false)
	}
	if err != nil {
		return nil, err
	}

	if p.ForceUpgrade {
		// Migration marker: suppress property writes, surface as-is.
		result.Person = p
		return result, nil
	}

	p, err = e.applyEventProperties(ctx, p, ev)
	if err != nil {
		return nil, err
	}

	result.Person = p
	return result, nil
}

func (e *Engine) anonDistinctID(ev *event.PipelineEvent) string {
	s, _ := ev.Properties.String(event.PropAnonDistinctID)
	return s
}

func (e *Engine) aliasDistinctID(ev *event.PipelineEvent) string {
	s, _ := ev.Properties.String(event.PropAlias)
	return s
}

// ensurePerson resolves or creates the person for a distinct id. Concurrent
// creations converge: losing the insert race re-reads the winner's row.
func (e *Engine) ensurePerson(ctx context.Context, teamID int64, distinctID string, timestamp time.Time, identified bool) (*event.Person, error) {
	for attempt := 0; attempt <= e.config.RetryMax; attempt++ {
		p, err := e.store.FetchByDistinctID(ctx, teamID, distinctID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "person fetch failed", err)
		}

		p, err = e.store.Create(ctx, &event.Person{
			UUID:         newPersonUUID(),
			TeamID:       teamID,
			CreatedAt:    timestamp,
			Properties:   event.Properties{},
			IsIdentified: identified,
		}, []string{distinctID})
		if err == nil {
			return p, nil
		}
		if errors.Is(err, ErrDistinctIDTaken) {
			continue
		}
		return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "person creation failed", err)
	}
	return nil, event.NewPipelineError(event.ErrCodePersonUpdateConflict, "person creation kept racing", nil)
}

// handleMergeEvent implements $identify, $create_alias and
// $merge_dangerously. otherID is the distinct id being linked to the event's
// own distinct id; unchecked merges skip the illegal-id guard.
func (e *Engine) handleMergeEvent(ctx context.Context, ev *event.PipelineEvent, teamID int64, timestamp time.Time, otherID string, dangerous bool, result *Result) (*event.Person, error) {
	if otherID == "" || otherID == ev.DistinctID {
		// Nothing to link; an identify still promotes the person.
		return e.ensureIdentifiedRetry(ctx, teamID, ev.DistinctID, timestamp)
	}

	if !dangerous {
		if reason, illegal := illegalForMerge(otherID); illegal {
			result.Warnings = append(result.Warnings, event.NewIngestionWarning(teamID,
				event.WarnIllegalDistinctIDForMerge, map[string]any{
					"eventUuid":  ev.UUID,
					"distinctId": otherID,
					"reason":     reason,
				}))
			return e.ensureIdentifiedRetry(ctx, teamID, ev.DistinctID, timestamp)
		}
		if reason, illegal := illegalForMerge(ev.DistinctID); illegal {
			result.Warnings = append(result.Warnings, event.NewIngestionWarning(teamID,
				event.WarnIllegalDistinctIDForMerge, map[string]any{
					"eventUuid":  ev.UUID,
					"distinctId": ev.DistinctID,
					"reason":     reason,
				}))
			return e.ensurePerson(ctx, teamID, ev.DistinctID, timestamp, false)
		}
	}

	for attempt := 0; attempt <= e.config.RetryMax; attempt++ {
		p, err := e.mergeOnce(ctx, teamID, ev.DistinctID, otherID, timestamp)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrDistinctIDTaken) {
			continue
		}
		return nil, err
	}
	return nil, event.NewPipelineError(event.ErrCodePersonUpdateConflict,
		fmt.Sprintf("merge of %q and %q exhausted retries", ev.DistinctID, otherID), nil)
}

// mergeOnce performs one attempt at linking two distinct ids. Version or
// mapping races surface as ErrVersionConflict / ErrDistinctIDTaken for the
// caller's retry loop.
func (e *Engine) mergeOnce(ctx context.Context, teamID int64, distinctID, otherID string, timestamp time.Time) (*event.Person, error) {
	primary, err := e.fetchOptional(ctx, teamID, distinctID)
	if err != nil {
		return nil, err
	}
	other, err := e.fetchOptional(ctx, teamID, otherID)
	if err != nil {
		return nil, err
	}

	switch {
	case primary == nil && other == nil:
		p, err := e.store.Create(ctx, &event.Person{
			UUID:         newPersonUUID(),
			TeamID:       teamID,
			CreatedAt:    timestamp,
			Properties:   event.Properties{},
			IsIdentified: true,
		}, []string{distinctID, otherID})
		if errors.Is(err, ErrDistinctIDTaken) {
			return nil, err
		}
		if err != nil {
			return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "person creation failed", err)
		}
		e.emitPersonUpdate(ctx, p)
		return p, nil

	case primary == nil:
		if err := e.store.AddDistinctID(ctx, teamID, other.ID, distinctID); err != nil {
			if errors.Is(err, ErrDistinctIDTaken) {
				return nil, err
			}
			return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "distinct id link failed", err)
		}
		return e.markIdentified(ctx, other)

	case other == nil:
		if err := e.store.AddDistinctID(ctx, teamID, primary.ID, otherID); err != nil {
			if errors.Is(err, ErrDistinctIDTaken) {
				return nil, err
			}
			return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "distinct id link failed", err)
		}
		return e.markIdentified(ctx, primary)

	case primary.ID == other.ID:
		// Equal endpoints: the merge is already complete, promotion only.
		return e.markIdentified(ctx, primary)

	default:
		return e.mergePersons(ctx, teamID, primary, other, []string{distinctID, otherID})
	}
}

// mergePersons folds two persons into the survivor chosen by the merge rule:
// greatest is_identified, then earliest created_at, then smallest uuid.
func (e *Engine) mergePersons(ctx context.Context, teamID int64, a, b *event.Person, distinctIDs []string) (*event.Person, error) {
	survivor, loser := chooseSurvivor(a, b)

	merged := survivor.Properties.Clone()
	if merged == nil {
		merged = event.Properties{}
	}
	for k, v := range loser.Properties {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}

	createdAt := survivor.CreatedAt
	if loser.CreatedAt.Before(createdAt) {
		createdAt = loser.CreatedAt
	}

	ordered := append([]string(nil), distinctIDs...)
	sort.Strings(ordered)

	p, err := e.store.Merge(ctx, MergeArgs{
		TeamID:             teamID,
		Survivor:           survivor,
		Loser:              loser,
		Properties:         merged,
		CreatedAt:          createdAt,
		OrderedDistinctIDs: ordered,
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "person merge failed", err)
	}

	e.log.WithFields(logrus.Fields{
		"team_id":  teamID,
		"survivor": p.UUID,
		"loser":    loser.UUID,
	}).Debug("Merged persons")
	e.emitPersonUpdate(ctx, p)
	return p, nil
}

func (e *Engine) ensureIdentifiedRetry(ctx context.Context, teamID int64, distinctID string, timestamp time.Time) (*event.Person, error) {
	for attempt := 0; attempt <= e.config.RetryMax; attempt++ {
		p, err := e.ensurePerson(ctx, teamID, distinctID, timestamp, true)
		if err != nil {
			return nil, err
		}
		p, err = e.markIdentified(ctx, p)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return p, err
	}
	return nil, event.NewPipelineError(event.ErrCodePersonUpdateConflict,
		fmt.Sprintf("identify of %q exhausted retries", distinctID), nil)
}

func (e *Engine) markIdentified(ctx context.Context, p *event.Person) (*event.Person, error) {
	if p.IsIdentified {
		return p, nil
	}
	updated := *p
	updated.IsIdentified = true
	out, err := e.store.Update(ctx, &updated, p.Version)
	if errors.Is(err, ErrVersionConflict) {
		return nil, err
	}
	if err != nil {
		return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "person update failed", err)
	}
	e.emitPersonUpdate(ctx, out)
	return out, nil
}

// applyEventProperties applies $set / $set_once / $unset with a bounded CAS
// retry loop. The returned snapshot reflects post-event state.
func (e *Engine) applyEventProperties(ctx context.Context, p *event.Person, ev *event.PipelineEvent) (*event.Person, error) {
	set := ev.Properties.StringMap(event.PropSet)
	setOnce := ev.Properties.StringMap(event.PropSetOnce)
	unset := unsetKeys(ev.Properties)
	if len(set) == 0 && len(setOnce) == 0 && len(unset) == 0 {
		return p, nil
	}

	for attempt := 0; attempt <= e.config.RetryMax; attempt++ {
		next, changed := ApplyProperties(p.Properties, set, setOnce, unset)
		if !changed {
			return p, nil
		}

		updated := *p
		updated.Properties = next
		out, err := e.store.Update(ctx, &updated, p.Version)
		if err == nil {
			e.emitPersonUpdate(ctx, out)
			return out, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "person property update failed", err)
		}

		p, err = e.store.FetchByDistinctID(ctx, p.TeamID, ev.DistinctID)
		if err != nil {
			return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "person refetch failed", err)
		}
	}
	return nil, event.NewPipelineError(event.ErrCodePersonUpdateConflict,
		fmt.Sprintf("property update for %q exhausted retries", ev.DistinctID), nil)
}

// ApplyProperties computes the next property map: set overwrites, setOnce
// fills holes, unset removes. Reports whether anything changed.
func ApplyProperties(current event.Properties, set, setOnce map[string]any, unset []string) (event.Properties, bool) {
	next := current.Clone()
	if next == nil {
		next = event.Properties{}
	}
	changed := false

	for k, v := range setOnce {
		if _, exists := next[k]; !exists {
			next[k] = v
			changed = true
		}
	}
	for k, v := range set {
		if existing, exists := next[k]; !exists || !equalValue(existing, v) {
			next[k] = v
			changed = true
		}
	}
	for _, k := range unset {
		if _, exists := next[k]; exists {
			delete(next, k)
			changed = true
		}
	}
	return next, changed
}

func (e *Engine) fetchOptional(ctx context.Context, teamID int64, distinctID string) (*event.Person, error) {
	p, err := e.store.FetchByDistinctID(ctx, teamID, distinctID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "person fetch failed", err)
	}
	return p, nil
}

func (e *Engine) emitPersonUpdate(ctx context.Context, p *event.Person) {
	if e.onPersonUpdate != nil {
		e.onPersonUpdate(ctx, p)
	}
}

// chooseSurvivor picks the merge survivor: identified beats anonymous, then
// the older person, then the lexicographically smaller uuid.
func chooseSurvivor(a, b *event.Person) (survivor, loser *event.Person) {
	if a.IsIdentified != b.IsIdentified {
		if a.IsIdentified {
			return a, b
		}
		return b, a
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		if a.CreatedAt.Before(b.CreatedAt) {
			return a, b
		}
		return b, a
	}
	if a.UUID <= b.UUID {
		return a, b
	}
	return b, a
}

func illegalForMerge(distinctID string) (string, bool) {
	if distinctID == "" {
		return "empty", true
	}
	if len(distinctID) > maxDistinctIDLength {
		return "too_long", true
	}
	if _, bad := illegalDistinctIDs[lower(distinctID)]; bad {
		return "reserved_value", true
	}
	return "", false
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func unsetKeys(props event.Properties) []string {
	raw, ok := props[event.PropUnset]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

func equalValue(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func newPersonUUID() string {
	if u, err := uuid.NewV7(); err == nil {
		return u.String()
	}
	return uuid.NewString()
}
