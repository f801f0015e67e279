package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumehq/plume/internal/event"
	"github.com/plumehq/plume/internal/group"
	"github.com/plumehq/plume/internal/metrics"
	"github.com/plumehq/plume/internal/person"
	"github.com/plumehq/plume/internal/producer"
	"github.com/plumehq/plume/internal/team"
)

const (
	validUUID  = "9e8f1a3c-5a81-4a34-8d20-b9f0a3e7c111"
	validToken = "phc_test_token"
)

var runnerTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeTeams struct {
	byToken  map[string]*event.Team
	byID     map[int64]*event.Team
	ingested []int64
}

func (f *fakeTeams) ByToken(_ context.Context, token string) (*event.Team, error) {
	if t, ok := f.byToken[token]; ok {
		return t, nil
	}
	return nil, team.ErrNotFound
}

func (f *fakeTeams) ByID(_ context.Context, teamID int64) (*event.Team, error) {
	if t, ok := f.byID[teamID]; ok {
		return t, nil
	}
	return nil, team.ErrNotFound
}

func (f *fakeTeams) MarkIngestedEvent(_ context.Context, t *event.Team) {
	f.ingested = append(f.ingested, t.ID)
}

type runnerRig struct {
	runner      *Runner
	teams       *fakeTeams
	personStore *person.MemoryStore
	groupStore  *group.MemoryStore
	backends    map[string]*producer.MemoryBackend
	producer    *producer.Producer
}

func newRunnerRig(t *testing.T, mutate ...func(*event.Team)) *runnerRig {
	t.Helper()

	tm := &event.Team{ID: 1, ProjectID: 10, APIToken: validToken}
	for _, fn := range mutate {
		fn(tm)
	}
	teams := &fakeTeams{
		byToken: map[string]*event.Team{validToken: tm},
		byID:    map[int64]*event.Team{tm.ID: tm},
	}

	backends := map[string]*producer.MemoryBackend{}
	prod := producer.New(producer.DefaultConfig(), func(topic string) producer.Backend {
		b := producer.NewMemoryBackend()
		backends[topic] = b
		return b
	}, nil, nil)

	personStore := person.NewMemoryStore()
	groupStore := group.NewMemoryStore()

	runner := NewRunner(
		&RunnerConfig{},
		teams,
		event.NewNormalizer(nil, nil),
		NewTransformChain(nil, nil, nil),
		person.NewEngine(personStore, nil, nil),
		group.NewEngine(groupStore, nil, nil),
		NewHeatmapExtractor(nil),
		NewAIProcessor(nil),
		NewAssembler(nil),
		prod,
		metrics.New(prometheus.NewRegistry()),
		nil,
	)

	return &runnerRig{
		runner:      runner,
		teams:       teams,
		personStore: personStore,
		groupStore:  groupStore,
		backends:    backends,
		producer:    prod,
	}
}

func rawEvent(name string, props event.Properties) *event.PipelineEvent {
	if props == nil {
		props = event.Properties{}
	}
	return &event.PipelineEvent{
		Token:      validToken,
		UUID:       validUUID,
		Event:      name,
		DistinctID: "d1",
		Properties: props,
		Now:        runnerTime,
	}
}

func (r *runnerRig) run(t *testing.T, ev *event.PipelineEvent) *Result {
	t.Helper()
	result := r.runner.Run(context.Background(), ev)
	require.NoError(t, producer.WaitAll(context.Background(), result.Acks))
	return result
}

func (r *runnerRig) enrichedMessages(t *testing.T) []event.EnrichedEvent {
	t.Helper()
	var out []event.EnrichedEvent
	for _, msg := range r.backends["clickhouse_events_json"].Messages() {
		var e event.EnrichedEvent
		require.NoError(t, json.Unmarshal(msg.Value, &e))
		out = append(out, e)
	}
	return out
}

func TestRunner_AnonymousPageview(t *testing.T) {
	rig := newRunnerRig(t)

	result := rig.run(t, rawEvent("$pageview", nil))
	require.Equal(t, StatusProduced, result.Status)

	events := rig.enrichedMessages(t)
	require.Len(t, events, 1)
	out := events[0]

	assert.Equal(t, validUUID, out.UUID)
	assert.Equal(t, "$pageview", out.Event)
	assert.Equal(t, int64(1), out.TeamID)
	assert.Equal(t, int64(10), out.ProjectID)
	assert.Equal(t, "d1", out.DistinctID)
	assert.Equal(t, event.PersonModeFull, out.PersonMode)
	assert.NotEmpty(t, out.PersonID, "a new person was created")
	assert.Equal(t, []int64{1}, rig.teams.ingested)
}

func TestRunner_IdentifyScenario(t *testing.T) {
	rig := newRunnerRig(t)
	ctx := context.Background()

	rig.run(t, rawEvent("$pageview", nil))

	identify := rawEvent(event.EventIdentify, event.Properties{
		event.PropAnonDistinctID: "d1",
		event.PropSet:            map[string]any{"plan": "pro"},
	})
	identify.DistinctID = "user@x"
	result := rig.run(t, identify)
	require.Equal(t, StatusProduced, result.Status)

	p1, err := rig.personStore.FetchByDistinctID(ctx, 1, "d1")
	require.NoError(t, err)
	p2, err := rig.personStore.FetchByDistinctID(ctx, 1, "user@x")
	require.NoError(t, err)
	assert.Equal(t, p1.UUID, p2.UUID, "both distinct ids map to one person")
	assert.True(t, p2.IsIdentified)
	assert.Equal(t, "pro", p2.Properties["plan"])

	// The enriched output reflects post-$set person state.
	events := rig.enrichedMessages(t)
	require.Len(t, events, 2)
	var personProps map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[1].PersonProperties), &personProps))
	assert.Equal(t, "pro", personProps["plan"])
}

func TestRunner_CrossPersonMerge(t *testing.T) {
	rig := newRunnerRig(t)
	ctx := context.Background()

	rig.run(t, rawEvent("$pageview", nil))
	second := rawEvent("$pageview", nil)
	second.DistinctID = "d2"
	rig.run(t, second)
	require.Equal(t, 2, rig.personStore.PersonCount())

	link := rawEvent(event.EventIdentify, event.Properties{event.PropAnonDistinctID: "d1"})
	link.DistinctID = "d2"
	rig.run(t, link)

	assert.Equal(t, 1, rig.personStore.PersonCount(), "loser deleted")
	p1, err := rig.personStore.FetchByDistinctID(ctx, 1, "d1")
	require.NoError(t, err)
	p2, err := rig.personStore.FetchByDistinctID(ctx, 1, "d2")
	require.NoError(t, err)
	assert.Equal(t, p1.UUID, p2.UUID)
}

func TestRunner_MissingTokenAndTeamDrops(t *testing.T) {
	rig := newRunnerRig(t)

	ev := rawEvent("$pageview", nil)
	ev.Token = ""
	result := rig.runner.Run(context.Background(), ev)

	require.Equal(t, StatusDropped, result.Status)
	assert.Equal(t, event.DropInvalidToken, result.Drop.Cause)
}

func TestRunner_NullByteTokenDropsWithoutCrash(t *testing.T) {
	rig := newRunnerRig(t)

	ev := rawEvent("$pageview", nil)
	ev.Token = "phc_\x00evil"
	result := rig.runner.Run(context.Background(), ev)

	require.Equal(t, StatusDropped, result.Status)
	assert.Equal(t, event.DropInvalidToken, result.Drop.Cause)
}

func TestRunner_UnknownTokenFallsBackToTeamID(t *testing.T) {
	rig := newRunnerRig(t)

	ev := rawEvent("$pageview", nil)
	ev.Token = "phc_unknown"
	teamID := int64(1)
	ev.TeamID = &teamID
	result := rig.run(t, ev)

	assert.Equal(t, StatusProduced, result.Status)
}

func TestRunner_InvalidUUIDDropsWithWarning(t *testing.T) {
	rig := newRunnerRig(t)

	ev := rawEvent("$pageview", nil)
	ev.UUID = "not-a-uuid"
	result := rig.runner.Run(context.Background(), ev)

	require.Equal(t, StatusDropped, result.Status)
	assert.Equal(t, event.DropInvalidEventUUID, result.Drop.Cause)

	waitForMessages(t, rig.backends["clickhouse_ingestion_warnings"], 1)
}

func TestRunner_CookielessFiltered(t *testing.T) {
	rig := newRunnerRig(t)

	ev := rawEvent("$pageview", nil)
	ev.DistinctID = event.CookielessSentinel
	result := rig.runner.Run(context.Background(), ev)

	require.Equal(t, StatusDropped, result.Status)
	assert.Equal(t, event.DropCookielessFiltered, result.Drop.Cause)
}

func TestRunner_HeatmapFastPath(t *testing.T) {
	rig := newRunnerRig(t)

	ev := rawEvent(event.EventHeatmap, event.Properties{
		event.PropHeatmapData: map[string]any{
			"https://example.com": map[string]any{
				"1": []any{
					map[string]any{"x": float64(10), "y": float64(20), "type": "click"},
					map[string]any{"x": float64(30), "y": float64(40), "type": "click"},
				},
			},
		},
	})
	result := rig.run(t, ev)

	require.Equal(t, StatusProduced, result.Status)
	assert.Nil(t, result.Enriched, "no enriched event on the fast path")
	assert.Equal(t, 0, rig.backends["clickhouse_events_json"].Len())
	assert.Equal(t, 2, rig.backends["clickhouse_heatmap_events"].Len())
	assert.Equal(t, 0, rig.personStore.PersonCount(), "identity processing bypassed")
}

func TestRunner_HeatmapDataExtractedFromRegularEvent(t *testing.T) {
	rig := newRunnerRig(t)

	ev := rawEvent("$pageview", event.Properties{
		event.PropHeatmapData: map[string]any{
			"https://example.com": map[string]any{
				"2": []any{map[string]any{"x": float64(1), "y": float64(2)}},
			},
		},
	})
	result := rig.run(t, ev)

	require.Equal(t, StatusProduced, result.Status)
	assert.Equal(t, 1, rig.backends["clickhouse_heatmap_events"].Len())

	events := rig.enrichedMessages(t)
	require.Len(t, events, 1)
	assert.NotContains(t, events[0].Properties, "$heatmap_data", "heatmap data removed from output")
}

func TestRunner_InvalidHeatmapDataWarnsAndContinues(t *testing.T) {
	rig := newRunnerRig(t)

	ev := rawEvent("$pageview", event.Properties{
		event.PropHeatmapData: "not-a-map",
	})
	result := rig.run(t, ev)

	require.Equal(t, StatusProduced, result.Status, "heatmap errors never abort the event")
	waitForMessages(t, rig.backends["clickhouse_ingestion_warnings"], 1)
}

func TestRunner_PersonOptOutTeam(t *testing.T) {
	rig := newRunnerRig(t, func(tm *event.Team) { tm.PersonProcessingOptOut = true })

	t.Run("identify is dropped without DLQ", func(t *testing.T) {
		result := rig.runner.Run(context.Background(), rawEvent(event.EventIdentify, event.Properties{
			event.PropAnonDistinctID: "d0",
		}))
		require.Equal(t, StatusDropped, result.Status)
		assert.Equal(t, event.DropPersonProcessingOff, result.Drop.Cause)
		assert.True(t, result.Drop.DoNotSendToDLQ)
	})

	t.Run("regular event becomes propertyless", func(t *testing.T) {
		result := rig.run(t, rawEvent("$pageview", event.Properties{
			event.PropSet:    map[string]any{"plan": "pro"},
			event.PropGroups: map[string]any{"org": "acme"},
			"$group_0":       "acme",
		}))
		require.Equal(t, StatusProduced, result.Status)

		events := rig.enrichedMessages(t)
		require.Len(t, events, 1)
		out := events[0]
		assert.Equal(t, event.PersonModePropertyless, out.PersonMode)
		assert.Equal(t, "{}", out.PersonProperties)
		assert.Empty(t, out.PersonID)

		var props map[string]any
		require.NoError(t, json.Unmarshal([]byte(out.Properties), &props))
		for key := range props {
			assert.False(t, strings.HasPrefix(key, "$group_"), "group keys stripped: %s", key)
		}
		assert.NotContains(t, props, event.PropSet)
		assert.Equal(t, 0, rig.personStore.PersonCount())
	})
}

func TestRunner_PerEventOptOut(t *testing.T) {
	rig := newRunnerRig(t)

	result := rig.run(t, rawEvent("$pageview", event.Properties{
		event.PropProcessPersonProfile: false,
	}))
	require.Equal(t, StatusProduced, result.Status)

	events := rig.enrichedMessages(t)
	require.Len(t, events, 1)
	assert.Equal(t, event.PersonModePropertyless, events[0].PersonMode)
	assert.Equal(t, 0, rig.personStore.PersonCount())
}

func TestRunner_InvalidProcessPersonProfileWarns(t *testing.T) {
	rig := newRunnerRig(t)

	result := rig.run(t, rawEvent("$pageview", event.Properties{
		event.PropProcessPersonProfile: "yes-please",
	}))
	require.Equal(t, StatusProduced, result.Status)

	events := rig.enrichedMessages(t)
	require.Len(t, events, 1)
	assert.Equal(t, event.PersonModeFull, events[0].PersonMode, "invalid value defaults to processing enabled")
	waitForMessages(t, rig.backends["clickhouse_ingestion_warnings"], 1)
}

func TestRunner_SkipTokensDisablePersonProcessing(t *testing.T) {
	rig := newRunnerRig(t)
	rig.runner.config.SkipTokens = map[string][]string{validToken: {"d1"}}

	result := rig.run(t, rawEvent("$pageview", nil))
	require.Equal(t, StatusProduced, result.Status)

	events := rig.enrichedMessages(t)
	require.Len(t, events, 1)
	assert.Equal(t, event.PersonModePropertyless, events[0].PersonMode)

	// Other distinct ids of the token are unaffected.
	other := rawEvent("$pageview", nil)
	other.DistinctID = "d2"
	rig.run(t, other)
	events = rig.enrichedMessages(t)
	require.Len(t, events, 2)
	assert.Equal(t, event.PersonModeFull, events[1].PersonMode)
}

func TestRunner_OversizePayload(t *testing.T) {
	rig := newRunnerRig(t)
	rig.backends["clickhouse_events_json"].FailWith(kafka.MessageTooLargeError{})

	result := rig.runner.Run(context.Background(), rawEvent("$pageview", nil))
	require.Equal(t, StatusProduced, result.Status)

	// The ack settles without a retryable error: oversize is terminal.
	require.NoError(t, producer.WaitAll(context.Background(), result.Acks))
	assert.Equal(t, 0, rig.backends["clickhouse_events_json"].Len())
	waitForMessages(t, rig.backends["clickhouse_ingestion_warnings"], 1)
}

func TestRunner_TransformationDrop(t *testing.T) {
	rig := newRunnerRig(t)
	rig.runner.transform = NewTransformChain([]Transformation{
		TransformFunc{
			TransformName: "drop-everything",
			Fn: func(_ context.Context, _ *event.PipelineEvent) (*event.PipelineEvent, error) {
				return nil, nil
			},
		},
	}, nil, nil)

	result := rig.runner.Run(context.Background(), rawEvent("$pageview", nil))
	require.Equal(t, StatusDropped, result.Status)
	assert.Equal(t, event.DropTransformation, result.Drop.Cause)
}

func TestRunner_GroupsResolvedOnEvent(t *testing.T) {
	rig := newRunnerRig(t)

	result := rig.run(t, rawEvent("$pageview", event.Properties{
		event.PropGroups: map[string]any{"organization": "acme"},
	}))
	require.Equal(t, StatusProduced, result.Status)

	events := rig.enrichedMessages(t)
	require.Len(t, events, 1)
	var props map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[0].Properties), &props))
	assert.Equal(t, "acme", props["$group_0"])
}

func TestRunner_RoundTrip(t *testing.T) {
	rig := newRunnerRig(t)

	ev := rawEvent("signup completed", event.Properties{"custom": "value"})
	ev.DistinctID = "round-trip-user"
	result := rig.run(t, ev)
	require.Equal(t, StatusProduced, result.Status)

	events := rig.enrichedMessages(t)
	require.Len(t, events, 1)
	assert.Equal(t, validUUID, events[0].UUID)
	assert.Equal(t, "round-trip-user", events[0].DistinctID)

	var props map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[0].Properties), &props))
	assert.Equal(t, "value", props["custom"], "unknown keys pass through opaquely")
}

func TestRunner_RetryableIdentityFailureSurfaces(t *testing.T) {
	rig := newRunnerRig(t)
	rig.runner.persons = person.NewEngine(failingPersonStore{}, &person.EngineConfig{RetryMax: 1}, nil)

	result := rig.runner.Run(context.Background(), rawEvent("$pageview", nil))
	require.Equal(t, StatusErrored, result.Status)
	assert.True(t, event.IsRetryable(result.Err))
}

type failingPersonStore struct{}

func (failingPersonStore) FetchByDistinctID(context.Context, int64, string) (*event.Person, error) {
	return nil, person.ErrNotFound
}
func (failingPersonStore) Create(context.Context, *event.Person, []string) (*event.Person, error) {
	return nil, person.ErrDistinctIDTaken
}
func (failingPersonStore) Update(context.Context, *event.Person, int64) (*event.Person, error) {
	return nil, person.ErrVersionConflict
}
func (failingPersonStore) AddDistinctID(context.Context, int64, int64, string) error {
	return person.ErrDistinctIDTaken
}
func (failingPersonStore) Merge(context.Context, person.MergeArgs) (*event.Person, error) {
	return nil, person.ErrVersionConflict
}

func waitForMessages(t *testing.T, backend *producer.MemoryBackend, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for backend.Len() < want {
		select {
		case <-deadline:
			t.Fatalf("expected %d messages, got %d", want, backend.Len())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
