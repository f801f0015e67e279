package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/event"
	"github.com/plumehq/plume/internal/metrics"
)

// Transformation is one user-defined event transformation. Returning a nil
// event drops the input; returning an error skips this transformation and
// lets the pre-transform event continue.
type Transformation interface {
	Name() string
	Apply(ctx context.Context, ev *event.PipelineEvent) (*event.PipelineEvent, error)
}

// TransformFunc adapts a function to the Transformation interface.
type TransformFunc struct {
	TransformName string
	Fn            func(ctx context.Context, ev *event.PipelineEvent) (*event.PipelineEvent, error)
}

func (t TransformFunc) Name() string { return t.TransformName }

func (t TransformFunc) Apply(ctx context.Context, ev *event.PipelineEvent) (*event.PipelineEvent, error) {
	return t.Fn(ctx, ev)
}

// TransformChain runs transformations in registration order.
type TransformChain struct {
	transforms []Transformation
	log        *logrus.Logger
	metrics    *metrics.Metrics
}

// NewTransformChain creates a TransformChain.
func NewTransformChain(transforms []Transformation, m *metrics.Metrics, log *logrus.Logger) *TransformChain {
	if log == nil {
		log = logrus.New()
	}
	return &TransformChain{transforms: transforms, log: log, metrics: m}
}

// Run applies the chain. A nil result from any transformation terminates the
// event as transformation_dropped; a transformation error is logged and the
// event continues unmodified by that step.
func (c *TransformChain) Run(ctx context.Context, ev *event.PipelineEvent) (*event.PipelineEvent, error) {
	current := ev
	for _, t := range c.transforms {
		next, err := t.Apply(ctx, current)
		if err != nil {
			if c.metrics != nil {
				c.metrics.TransformFailures.Inc()
			}
			c.log.WithFields(logrus.Fields{
				"transformation": t.Name(),
				"event_uuid":     current.UUID,
				"error":          err.Error(),
			}).Warn("Transformation failed, event continues untransformed")
			continue
		}
		if next == nil {
			return nil, event.DroppedWithDetails(event.DropTransformation, map[string]any{
				"transformation": t.Name(),
			})
		}
		current = next
	}
	return current, nil
}
