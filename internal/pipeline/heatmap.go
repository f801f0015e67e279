package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
)

// HeatmapExtractor turns $heatmap_data into per-coordinate rows for the
// heatmaps topic. $heatmap_data is always removed from the outgoing event;
// extraction errors warn and never abort the event.
type HeatmapExtractor struct {
	log *logrus.Logger
}

// NewHeatmapExtractor creates a HeatmapExtractor.
func NewHeatmapExtractor(log *logrus.Logger) *HeatmapExtractor {
	if log == nil {
		log = logrus.New()
	}
	return &HeatmapExtractor{log: log}
}

// Extract pulls heatmap rows out of the event. The returned warning is
// non-nil when $heatmap_data was present but malformed.
func (h *HeatmapExtractor) Extract(ev *event.PipelineEvent, team *event.Team, timestamp string) ([]event.HeatmapRow, *event.IngestionWarning) {
	raw, present := ev.Properties[event.PropHeatmapData]
	delete(ev.Properties, event.PropHeatmapData)
	if !present || raw == nil {
		return nil, nil
	}
	if !team.HeatmapsEnabled() {
		return nil, nil
	}

	rows, err := h.parse(raw, ev, team, timestamp)
	if err != nil {
		h.log.WithFields(logrus.Fields{
			"event_uuid": ev.UUID,
			"team_id":    team.ID,
			"error":      err.Error(),
		}).Debug("Invalid heatmap data")
		w := event.NewIngestionWarning(team.ID, event.WarnInvalidHeatmapData, map[string]any{
			"eventUuid": ev.UUID,
		})
		return nil, &w
	}
	return rows, nil
}

// parse expects {url: {"scale_factor": [...points]}} maps keyed by current
// url, each point carrying x, y, target_fixed and type.
func (h *HeatmapExtractor) parse(raw any, ev *event.PipelineEvent, team *event.Team, timestamp string) ([]event.HeatmapRow, error) {
	byURL, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("heatmap data is not an object")
	}

	sessionID, _ := ev.Properties.String(event.PropSessionID)
	viewportWidth := intProperty(ev.Properties, event.PropViewportWidth)
	viewportHeight := intProperty(ev.Properties, event.PropViewportHeight)

	var rows []event.HeatmapRow
	for url, byScale := range byURL {
		scaleMap, ok := byScale.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("heatmap entry for %q is not an object", url)
		}
		for scaleKey, points := range scaleMap {
			scale, err := parseScaleFactor(scaleKey)
			if err != nil {
				return nil, err
			}
			list, ok := points.([]any)
			if !ok {
				return nil, fmt.Errorf("heatmap points for scale %q are not a list", scaleKey)
			}
			for _, item := range list {
				point, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("heatmap point is not an object")
				}
				x, okX := numericValue(point["x"])
				y, okY := numericValue(point["y"])
				if !okX || !okY {
					return nil, fmt.Errorf("heatmap point is missing coordinates")
				}
				targetFixed, _ := point["target_fixed"].(bool)
				pointType, _ := point["type"].(string)
				if pointType == "" {
					pointType = "click"
				}
				rows = append(rows, event.HeatmapRow{
					X:                  int(x),
					Y:                  int(y),
					ScaleFactor:        scale,
					ViewportWidth:      viewportWidth,
					ViewportHeight:     viewportHeight,
					PointerTargetFixed: targetFixed,
					CurrentURL:         url,
					Type:               pointType,
					SessionID:          sessionID,
					DistinctID:         ev.DistinctID,
					TeamID:             team.ID,
					Timestamp:          timestamp,
				})
			}
		}
	}
	return rows, nil
}

func parseScaleFactor(key string) (int, error) {
	key = strings.TrimSpace(key)
	scale, err := strconv.Atoi(key)
	if err != nil {
		f, ferr := strconv.ParseFloat(key, 64)
		if ferr != nil {
			return 0, fmt.Errorf("invalid scale factor %q", key)
		}
		scale = int(f)
	}
	return scale, nil
}

func intProperty(props event.Properties, key string) int {
	v, ok := numericValue(props[key])
	if !ok {
		return 0
	}
	return int(v)
}

func numericValue(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
