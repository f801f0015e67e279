package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
)

// pluginConfig is one row of the plugin configuration table (read-only from
// the pipeline).
type pluginConfig struct {
	TeamID     int64
	PluginName string
	Order      int
	Config     map[string]any
}

// LoadTransformations reads enabled plugin configurations and builds the
// transformation chain. Unknown plugin names are skipped with a log line so
// a config written for a newer worker does not break ingestion.
func LoadTransformations(ctx context.Context, pool *pgxpool.Pool, log *logrus.Logger) ([]Transformation, error) {
	rows, err := pool.Query(ctx, `
		SELECT team_id, plugin_name, "order", config
		FROM posthog_pluginconfig
		WHERE enabled
		ORDER BY "order", id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load plugin configs: %w", err)
	}
	defer rows.Close()

	var transforms []Transformation
	for rows.Next() {
		var pc pluginConfig
		if err := rows.Scan(&pc.TeamID, &pc.PluginName, &pc.Order, &pc.Config); err != nil {
			return nil, fmt.Errorf("failed to scan plugin config: %w", err)
		}
		t, ok := buildTransformation(pc)
		if !ok {
			log.WithFields(logrus.Fields{
				"plugin":  pc.PluginName,
				"team_id": pc.TeamID,
			}).Warn("Unknown transformation plugin, skipped")
			continue
		}
		transforms = append(transforms, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("plugin config rows error: %w", err)
	}
	return transforms, nil
}

func buildTransformation(pc pluginConfig) (Transformation, bool) {
	switch pc.PluginName {
	case "property-filter":
		return newPropertyFilter(pc), true
	case "event-filter":
		return newEventFilter(pc), true
	default:
		return nil, false
	}
}

// newPropertyFilter removes the configured property keys from matching
// teams' events.
func newPropertyFilter(pc pluginConfig) Transformation {
	keys := stringList(pc.Config["properties"])
	teamID := pc.TeamID
	return TransformFunc{
		TransformName: "property-filter",
		Fn: func(_ context.Context, ev *event.PipelineEvent) (*event.PipelineEvent, error) {
			if teamID != 0 && teamFromEvent(ev) != teamID {
				return ev, nil
			}
			for _, key := range keys {
				delete(ev.Properties, key)
			}
			return ev, nil
		},
	}
}

// newEventFilter drops events whose name is on the configured list.
func newEventFilter(pc pluginConfig) Transformation {
	blocked := map[string]struct{}{}
	for _, name := range stringList(pc.Config["events"]) {
		blocked[name] = struct{}{}
	}
	teamID := pc.TeamID
	return TransformFunc{
		TransformName: "event-filter",
		Fn: func(_ context.Context, ev *event.PipelineEvent) (*event.PipelineEvent, error) {
			if teamID != 0 && teamFromEvent(ev) != teamID {
				return ev, nil
			}
			if _, drop := blocked[ev.Event]; drop {
				return nil, nil
			}
			return ev, nil
		},
	}
}

func teamFromEvent(ev *event.PipelineEvent) int64 {
	if ev.TeamID != nil {
		return *ev.TeamID
	}
	return 0
}

func stringList(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
