package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plumehq/plume/internal/event"
)

func TestBuildTransformation_PropertyFilter(t *testing.T) {
	transform, ok := buildTransformation(pluginConfig{
		TeamID:     1,
		PluginName: "property-filter",
		Config:     map[string]any{"properties": []any{"$ip", "secret"}},
	})
	require.True(t, ok)

	teamID := int64(1)
	ev := &event.PipelineEvent{
		TeamID:     &teamID,
		Event:      "$pageview",
		Properties: event.Properties{"$ip": "1.2.3.4", "secret": "x", "keep": "y"},
	}
	out, err := transform.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.NotContains(t, out.Properties, "$ip")
	assert.NotContains(t, out.Properties, "secret")
	assert.Equal(t, "y", out.Properties["keep"])
}

func TestBuildTransformation_PropertyFilterOtherTeamUntouched(t *testing.T) {
	transform, _ := buildTransformation(pluginConfig{
		TeamID:     1,
		PluginName: "property-filter",
		Config:     map[string]any{"properties": []any{"$ip"}},
	})

	otherTeam := int64(2)
	ev := &event.PipelineEvent{
		TeamID:     &otherTeam,
		Properties: event.Properties{"$ip": "1.2.3.4"},
	}
	out, err := transform.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", out.Properties["$ip"])
}

func TestBuildTransformation_EventFilter(t *testing.T) {
	transform, ok := buildTransformation(pluginConfig{
		TeamID:     1,
		PluginName: "event-filter",
		Config:     map[string]any{"events": []any{"$snapshot"}},
	})
	require.True(t, ok)

	teamID := int64(1)
	dropped, err := transform.Apply(context.Background(), &event.PipelineEvent{
		TeamID: &teamID, Event: "$snapshot", Properties: event.Properties{},
	})
	require.NoError(t, err)
	assert.Nil(t, dropped, "blocked event drops")

	kept, err := transform.Apply(context.Background(), &event.PipelineEvent{
		TeamID: &teamID, Event: "$pageview", Properties: event.Properties{},
	})
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestBuildTransformation_Unknown(t *testing.T) {
	_, ok := buildTransformation(pluginConfig{PluginName: "does-not-exist"})
	assert.False(t, ok)
}

func TestTransformChain_FailureContinues(t *testing.T) {
	chain := NewTransformChain([]Transformation{
		TransformFunc{
			TransformName: "explodes",
			Fn: func(_ context.Context, _ *event.PipelineEvent) (*event.PipelineEvent, error) {
				return nil, assert.AnError
			},
		},
		TransformFunc{
			TransformName: "tags",
			Fn: func(_ context.Context, ev *event.PipelineEvent) (*event.PipelineEvent, error) {
				ev.Properties["tagged"] = true
				return ev, nil
			},
		},
	}, nil, nil)

	ev := &event.PipelineEvent{Event: "$pageview", Properties: event.Properties{}}
	out, err := chain.Run(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, true, out.Properties["tagged"], "failed transformation is skipped, not fatal")
}

func TestTransformChain_NilDrops(t *testing.T) {
	chain := NewTransformChain([]Transformation{
		TransformFunc{
			TransformName: "drops",
			Fn: func(_ context.Context, _ *event.PipelineEvent) (*event.PipelineEvent, error) {
				return nil, nil
			},
		},
	}, nil, nil)

	_, err := chain.Run(context.Background(), &event.PipelineEvent{Event: "x", Properties: event.Properties{}})
	drop, ok := event.AsDropped(err)
	require.True(t, ok)
	assert.Equal(t, event.DropTransformation, drop.Cause)
}
