package group

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumehq/plume/internal/event"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

var testTeam = &event.Team{ID: 1, ProjectID: 1}

func groupEvent(name string, props event.Properties) *event.PipelineEvent {
	if props == nil {
		props = event.Properties{}
	}
	return &event.PipelineEvent{
		UUID:       "33333333-3333-3333-3333-333333333333",
		Event:      name,
		DistinctID: "d1",
		Properties: props,
		Now:        testTime,
	}
}

func TestEngine_ResolvesGroupReferences(t *testing.T) {
	e := NewEngine(NewMemoryStore(), nil, nil)

	ev := groupEvent("$pageview", event.Properties{
		event.PropGroups: map[string]any{"organization": "acme", "project": "alpha"},
	})
	warnings, err := e.HandleEvent(context.Background(), ev, testTeam, testTime)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	// Types resolve in name order: organization before project.
	assert.Equal(t, "acme", ev.Properties["$group_0"])
	assert.Equal(t, "alpha", ev.Properties["$group_1"])
}

func TestEngine_GroupTypeCap(t *testing.T) {
	e := NewEngine(NewMemoryStore(), &EngineConfig{MaxTypesPerTeam: 5}, nil)
	ctx := context.Background()

	groups := map[string]any{}
	for i := 0; i < 6; i++ {
		groups[fmt.Sprintf("type_%d", i)] = fmt.Sprintf("key_%d", i)
	}
	ev := groupEvent("$pageview", event.Properties{event.PropGroups: groups})

	_, err := e.HandleEvent(ctx, ev, testTeam, testTime)
	require.NoError(t, err)

	indexed := 0
	for i := 0; i < 6; i++ {
		if _, ok := ev.Properties[fmt.Sprintf("$group_%d", i)]; ok {
			indexed++
		}
	}
	assert.Equal(t, 5, indexed, "the sixth distinct type resolves to no index")
	assert.NotContains(t, ev.Properties, "$group_5")
}

func TestEngine_GroupIdentifyUpserts(t *testing.T) {
	store := NewMemoryStore()
	e := NewEngine(store, nil, nil)
	ctx := context.Background()

	var updated *event.Group
	e.OnGroupUpdate(func(_ context.Context, g *event.Group) { updated = g })

	ev := groupEvent(event.EventGroupIdentify, event.Properties{
		event.PropGroupType:    "organization",
		event.PropGroupKey:     "acme",
		event.PropGroupSet:     map[string]any{"tier": "enterprise", "seats": float64(50)},
		event.PropGroupSetOnce: map[string]any{"founded": "2020"},
	})
	warnings, err := e.HandleEvent(ctx, ev, testTeam, testTime)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	g, ok := store.Get(1, 0, "acme")
	require.True(t, ok)
	assert.Equal(t, "enterprise", g.Properties["tier"])
	assert.Equal(t, "2020", g.Properties["founded"])
	assert.Equal(t, int64(1), g.Version)
	assert.Equal(t, testTime, g.CreatedAt)
	assert.Equal(t, "acme", ev.Properties["$group_0"])
	require.NotNil(t, updated)
	assert.Equal(t, "acme", updated.GroupKey)
}

func TestEngine_GroupIdentifySetOncePrecedence(t *testing.T) {
	store := NewMemoryStore()
	e := NewEngine(store, nil, nil)
	ctx := context.Background()

	first := groupEvent(event.EventGroupIdentify, event.Properties{
		event.PropGroupType:    "organization",
		event.PropGroupKey:     "acme",
		event.PropGroupSet:     map[string]any{"tier": "starter"},
		event.PropGroupSetOnce: map[string]any{"founded": "2020"},
	})
	_, err := e.HandleEvent(ctx, first, testTeam, testTime)
	require.NoError(t, err)

	second := groupEvent(event.EventGroupIdentify, event.Properties{
		event.PropGroupType:    "organization",
		event.PropGroupKey:     "acme",
		event.PropGroupSet:     map[string]any{"tier": "enterprise"},
		event.PropGroupSetOnce: map[string]any{"founded": "1999"},
	})
	_, err = e.HandleEvent(ctx, second, testTeam, testTime)
	require.NoError(t, err)

	g, ok := store.Get(1, 0, "acme")
	require.True(t, ok)
	assert.Equal(t, "enterprise", g.Properties["tier"], "$group_set overwrites")
	assert.Equal(t, "2020", g.Properties["founded"], "$group_set_once never overwrites")
	assert.Equal(t, int64(2), g.Version)
}

func TestEngine_GroupIdentifyInvalidSetWarns(t *testing.T) {
	store := NewMemoryStore()
	e := NewEngine(store, nil, nil)

	ev := groupEvent(event.EventGroupIdentify, event.Properties{
		event.PropGroupType: "organization",
		event.PropGroupKey:  "acme",
		event.PropGroupSet:  "not-a-map",
	})
	warnings, err := e.HandleEvent(context.Background(), ev, testTeam, testTime)
	require.NoError(t, err)

	require.Len(t, warnings, 1)
	assert.Equal(t, event.WarnGroupTypePropertyInvalid, warnings[0].Type)
	_, ok := store.Get(1, 0, "acme")
	assert.False(t, ok, "upsert skipped on invalid $group_set")
}

func TestEngine_NumericGroupKeyAccepted(t *testing.T) {
	store := NewMemoryStore()
	e := NewEngine(store, nil, nil)

	ev := groupEvent(event.EventGroupIdentify, event.Properties{
		event.PropGroupType: "organization",
		event.PropGroupKey:  float64(42),
		event.PropGroupSet:  map[string]any{"tier": "x"},
	})
	_, err := e.HandleEvent(context.Background(), ev, testTeam, testTime)
	require.NoError(t, err)

	_, ok := store.Get(1, 0, "42")
	assert.True(t, ok)
}

func TestEngine_GroupIdentifyMissingFieldsIgnored(t *testing.T) {
	e := NewEngine(NewMemoryStore(), nil, nil)

	ev := groupEvent(event.EventGroupIdentify, event.Properties{
		event.PropGroupType: "organization",
	})
	warnings, err := e.HandleEvent(context.Background(), ev, testTeam, testTime)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}
