package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
)

// Assembler builds the enriched output record from the processed event and
// the resolved person snapshot.
type Assembler struct {
	log *logrus.Logger
}

// NewAssembler creates an Assembler.
func NewAssembler(log *logrus.Logger) *Assembler {
	if log == nil {
		log = logrus.New()
	}
	return &Assembler{log: log}
}

// Assemble produces the enriched record. person is nil when person
// processing is disabled for the event; mode carries the matching
// person_mode.
func (a *Assembler) Assemble(ev *event.PipelineEvent, team *event.Team, person *event.Person, mode event.PersonMode) (*event.EnrichedEvent, error) {
	props := ev.Properties

	if team.AnonymizeIPs {
		delete(props, event.PropIP)
	}

	elementsChain := ""
	if rawElements, ok := props[event.PropElements]; ok {
		chain, err := ElementsChain(rawElements)
		if err != nil {
			a.log.WithFields(logrus.Fields{
				"event_uuid": ev.UUID,
				"team_id":    team.ID,
				"error":      err.Error(),
			}).Debug("Failed to compute elements chain")
		} else {
			elementsChain = chain
		}
		delete(props, event.PropElements)
	}

	propertiesJSON, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event properties: %w", err)
	}

	enriched := &event.EnrichedEvent{
		UUID:          ev.UUID,
		Event:         ev.Event,
		Properties:    string(propertiesJSON),
		Timestamp:     ev.Timestamp,
		TeamID:        team.ID,
		ProjectID:     team.ProjectID,
		DistinctID:    ev.DistinctID,
		ElementsChain: elementsChain,
		CreatedAt:     event.ClickHouseFormat(ev.Now),
		PersonMode:    mode,
	}

	switch mode {
	case event.PersonModePropertyless:
		enriched.PersonProperties = "{}"
	case event.PersonModeForceUpgrade:
		enriched.PersonID = person.UUID
		enriched.PersonCreatedAt = event.ClickHouseFormat(person.CreatedAt)
		enriched.PersonProperties = "{}"
	default:
		enriched.PersonID = person.UUID
		enriched.PersonCreatedAt = event.ClickHouseFormat(person.CreatedAt)
		enriched.PersonProperties = person.PropertiesJSON()
	}

	return enriched, nil
}

// ElementsChain serializes the $elements list into the compact chain format
// the analytical store indexes: one segment per element, outermost last.
func ElementsChain(raw any) (string, error) {
	list, ok := raw.([]any)
	if !ok {
		return "", fmt.Errorf("$elements is not a list")
	}

	segments := make([]string, 0, len(list))
	for _, item := range list {
		el, ok := item.(map[string]any)
		if !ok {
			return "", fmt.Errorf("element is not an object")
		}
		segments = append(segments, elementSegment(el))
	}
	return strings.Join(segments, ";"), nil
}

func elementSegment(el map[string]any) string {
	var b strings.Builder

	tag, _ := el["tag_name"].(string)
	if tag == "" {
		tag = "div"
	}
	b.WriteString(tag)

	if classes, ok := el["attr__class"].(string); ok && classes != "" {
		for _, class := range strings.Fields(classes) {
			b.WriteByte('.')
			b.WriteString(class)
		}
	}

	attrs := make([]string, 0, 4)
	if text, ok := el["$el_text"].(string); ok && text != "" {
		attrs = append(attrs, fmt.Sprintf("text=%q", truncateRunes(text, 400)))
	}
	if href, ok := el["attr__href"].(string); ok && href != "" {
		attrs = append(attrs, fmt.Sprintf("href=%q", truncateRunes(href, 2048)))
	}
	if id, ok := el["attr__id"].(string); ok && id != "" {
		attrs = append(attrs, fmt.Sprintf("attr_id=%q", id))
	}
	if nth, ok := numericValue(el["nth_child"]); ok {
		attrs = append(attrs, fmt.Sprintf("nth-child=%q", fmt.Sprintf("%d", int(nth))))
	}
	if nth, ok := numericValue(el["nth_of_type"]); ok {
		attrs = append(attrs, fmt.Sprintf("nth-of-type=%q", fmt.Sprintf("%d", int(nth))))
	}

	for key, value := range el {
		if !strings.HasPrefix(key, "attr__") || key == "attr__class" || key == "attr__href" || key == "attr__id" {
			continue
		}
		if s, ok := value.(string); ok {
			attrs = append(attrs, fmt.Sprintf("%s=%q", strings.TrimPrefix(key, "attr__"), s))
		}
	}
	sort.Strings(attrs)

	if len(attrs) > 0 {
		b.WriteByte(':')
		b.WriteString(strings.Join(attrs, ""))
	}
	return b.String()
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
