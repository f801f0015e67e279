package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
	"github.com/plumehq/plume/internal/group"
	"github.com/plumehq/plume/internal/metrics"
	"github.com/plumehq/plume/internal/person"
	"github.com/plumehq/plume/internal/producer"
	"github.com/plumehq/plume/internal/team"
)

// Status is the terminal state of one event's run through the pipeline.
type Status int

const (
	// StatusProduced means the event produced downstream records.
	StatusProduced Status = iota
	// StatusDropped means the event terminated as a counted drop.
	StatusDropped
	// StatusErrored means a classified failure; the consumer decides
	// between retry and DLQ from the error.
	StatusErrored
)

// Result is the outcome of Runner.Run for one event. Acks carry the pending
// side-effect completions; the consumer awaits them before committing.
type Result struct {
	Status   Status
	Enriched *event.EnrichedEvent
	Drop     *event.DroppedError
	Err      error
	Acks     []*producer.Ack
}

// TeamResolver is the slice of the team cache the runner needs.
type TeamResolver interface {
	ByToken(ctx context.Context, token string) (*event.Team, error)
	ByID(ctx context.Context, teamID int64) (*event.Team, error)
	MarkIngestedEvent(ctx context.Context, t *event.Team)
}

// RunnerConfig tunes the per-event state machine.
type RunnerConfig struct {
	// SkipTokens force-disables person processing for the listed distinct
	// ids of a token; an empty list disables it for the whole token.
	SkipTokens map[string][]string
}

// Runner drives one event through the pipeline state machine:
// team resolution, validation, the heatmap fast path or the full
// transform/identity/group/assemble chain, and production.
type Runner struct {
	config    *RunnerConfig
	teams     TeamResolver
	normalize *event.Normalizer
	transform *TransformChain
	persons   *person.Engine
	groups    *group.Engine
	heatmaps  *HeatmapExtractor
	ai        *AIProcessor
	assemble  *Assembler
	producer  *producer.Producer
	metrics   *metrics.Metrics
	log       *logrus.Logger
}

// NewRunner wires the pipeline components together.
func NewRunner(
	config *RunnerConfig,
	teams TeamResolver,
	normalize *event.Normalizer,
	transform *TransformChain,
	persons *person.Engine,
	groups *group.Engine,
	heatmaps *HeatmapExtractor,
	ai *AIProcessor,
	assemble *Assembler,
	prod *producer.Producer,
	m *metrics.Metrics,
	log *logrus.Logger,
) *Runner {
	if config == nil {
		config = &RunnerConfig{}
	}
	if log == nil {
		log = logrus.New()
	}
	return &Runner{
		config:    config,
		teams:     teams,
		normalize: normalize,
		transform: transform,
		persons:   persons,
		groups:    groups,
		heatmaps:  heatmaps,
		ai:        ai,
		assemble:  assemble,
		producer:  prod,
		metrics:   m,
		log:       log,
	}
}

// Run processes one decoded event. It returns when the synchronous work is
// done; pending producer completions ride along in Result.Acks.
func (r *Runner) Run(ctx context.Context, ev *event.PipelineEvent) *Result {
	start := time.Now()
	result := r.run(ctx, ev)
	if r.metrics != nil {
		r.metrics.ProcessingSeconds.Observe(time.Since(start).Seconds())
		if result.Status == StatusDropped && result.Drop != nil {
			r.metrics.Drop(ev.Event, result.Drop.Cause)
		}
	}
	if result.Status == StatusErrored {
		r.log.WithFields(logrus.Fields{
			"event_uuid": ev.UUID,
			"error":      result.Err.Error(),
		}).Warn("Event processing failed")
	}
	return result
}

func (r *Runner) run(ctx context.Context, ev *event.PipelineEvent) *Result {
	result := &Result{}

	team, err := r.resolveTeam(ctx, ev)
	if err != nil {
		return r.terminal(result, err)
	}

	if err := event.ValidateUUID(ev); err != nil {
		r.warn(ctx, event.NewIngestionWarning(team.ID, event.WarnInvalidEventUUID, map[string]any{
			"eventUuid": ev.UUID,
		}))
		return r.terminal(result, err)
	}

	if ev.DistinctID == event.CookielessSentinel {
		return r.terminal(result, event.Dropped(event.DropCookielessFiltered))
	}

	personProcessing, warnings := r.personProcessingEnabled(ev, team)
	for _, w := range warnings {
		r.warn(ctx, w)
	}
	if !personProcessing {
		if isPersonMutationEvent(ev.Event) {
			return r.terminal(result, &event.DroppedError{
				Cause:          event.DropPersonProcessingOff,
				Details:        map[string]any{"eventUuid": ev.UUID, "event": ev.Event},
				DoNotSendToDLQ: true,
			})
		}
		event.StripPersonProperties(ev.Properties)
	}

	for _, w := range r.normalize.Normalize(ev, team.ID) {
		r.warn(ctx, w)
	}

	// $$heatmap events exist only to carry heatmap data; they bypass
	// transformation, identity and group processing entirely.
	if ev.Event == event.EventHeatmap {
		return r.heatmapFastPath(ctx, ev, team, result)
	}

	ev, err = r.transform.Run(ctx, ev)
	if err != nil {
		return r.terminal(result, err)
	}

	r.ai.Process(ev)

	var p *event.Person
	mode := event.PersonModePropertyless
	if personProcessing {
		pr, err := r.persons.HandleEvent(ctx, ev, team.ID, ev.Now)
		if err != nil {
			return r.terminal(result, err)
		}
		for _, w := range pr.Warnings {
			r.warn(ctx, w)
		}
		p = pr.Person
		mode = event.PersonModeFull
		if p.ForceUpgrade {
			mode = event.PersonModeForceUpgrade
		}

		groupWarnings, err := r.groups.HandleEvent(ctx, ev, team, ev.Now)
		for _, w := range groupWarnings {
			r.warn(ctx, w)
		}
		if err != nil {
			return r.terminal(result, err)
		}
	}

	rows, heatmapWarning := r.heatmaps.Extract(ev, team, ev.Timestamp)
	if heatmapWarning != nil {
		r.warn(ctx, *heatmapWarning)
	}
	if len(rows) > 0 {
		result.Acks = append(result.Acks, r.producer.EmitHeatmaps(ctx, ev.UUID, rows))
	}

	_, hasSentryID := ev.Properties[event.PropSentryEventID]

	enriched, err := r.assemble.Assemble(ev, team, p, mode)
	if err != nil {
		return r.terminal(result, err)
	}

	result.Acks = append(result.Acks, r.producer.EmitEvent(ctx, enriched, hasSentryID))
	result.Status = StatusProduced
	result.Enriched = enriched

	r.teams.MarkIngestedEvent(ctx, team)
	return result
}

func (r *Runner) heatmapFastPath(ctx context.Context, ev *event.PipelineEvent, team *event.Team, result *Result) *Result {
	rows, warning := r.heatmaps.Extract(ev, team, ev.Timestamp)
	if warning != nil {
		r.warn(ctx, *warning)
	}
	if len(rows) > 0 {
		result.Acks = append(result.Acks, r.producer.EmitHeatmaps(ctx, ev.UUID, rows))
	}
	result.Status = StatusProduced
	return result
}

func (r *Runner) resolveTeam(ctx context.Context, ev *event.PipelineEvent) (*event.Team, error) {
	if ev.Token != "" {
		t, err := r.teams.ByToken(ctx, ev.Token)
		if err == nil {
			return t, nil
		}
		if !isNotFound(err) {
			return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "team lookup failed", err)
		}
	}
	if ev.TeamID != nil {
		t, err := r.teams.ByID(ctx, *ev.TeamID)
		if err == nil {
			return t, nil
		}
		if !isNotFound(err) {
			return nil, event.NewPipelineError(event.ErrCodeStoreUnavailable, "team lookup failed", err)
		}
	}
	return nil, event.Dropped(event.DropInvalidToken)
}

// personProcessingEnabled applies the opt-out precedence: team opt-out wins,
// then the configured skip list, then the per-event property.
func (r *Runner) personProcessingEnabled(ev *event.PipelineEvent, team *event.Team) (bool, []event.IngestionWarning) {
	if team.PersonProcessingOptOut {
		return false, nil
	}

	if skip, ok := r.config.SkipTokens[ev.Token]; ok {
		if len(skip) == 0 {
			return false, nil
		}
		for _, distinctID := range skip {
			if distinctID == ev.DistinctID {
				return false, nil
			}
		}
	}

	raw, present := ev.Properties[event.PropProcessPersonProfile]
	if !present {
		return true, nil
	}
	b, ok := raw.(bool)
	if !ok {
		return true, []event.IngestionWarning{event.NewIngestionWarning(team.ID,
			event.WarnInvalidProcessPerson, map[string]any{
				"eventUuid": ev.UUID,
			})}
	}
	return b, nil
}

func (r *Runner) terminal(result *Result, err error) *Result {
	if drop, ok := event.AsDropped(err); ok {
		result.Status = StatusDropped
		result.Drop = drop
		return result
	}
	result.Status = StatusErrored
	result.Err = err
	return result
}

func (r *Runner) warn(ctx context.Context, w event.IngestionWarning) {
	r.producer.EmitWarning(ctx, w)
}

func isPersonMutationEvent(name string) bool {
	switch name {
	case event.EventIdentify, event.EventCreateAlias, event.EventMergeDangerously, event.EventGroupIdentify:
		return true
	}
	return false
}

func isNotFound(err error) bool {
	return errors.Is(err, team.ErrNotFound)
}
