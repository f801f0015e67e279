package hub

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/analytics"
	"github.com/plumehq/plume/internal/config"
	"github.com/plumehq/plume/internal/consumer"
	"github.com/plumehq/plume/internal/database"
	"github.com/plumehq/plume/internal/event"
	"github.com/plumehq/plume/internal/group"
	"github.com/plumehq/plume/internal/metrics"
	"github.com/plumehq/plume/internal/person"
	"github.com/plumehq/plume/internal/pipeline"
	"github.com/plumehq/plume/internal/producer"
	"github.com/plumehq/plume/internal/team"
)

// Hub owns every shared resource of the ingestion worker: stores, caches,
// producers, metrics and the wired pipeline. Components receive what they
// need from the hub explicitly; there are no package-level singletons.
type Hub struct {
	Config   *config.Config
	Log      *logrus.Logger
	Metrics  *metrics.Metrics
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Teams    *team.Resolver
	Persons  *person.Engine
	Groups   *group.Engine
	Producer *producer.Producer
	Sink     *analytics.Sink
	Runner   *pipeline.Runner
	Consumer *consumer.Consumer
}

// New wires the full pipeline from configuration.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*Hub, error) {
	h := &Hub{Config: cfg, Log: log}
	h.Metrics = metrics.New(nil)

	pool, err := database.Connect(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	h.Pool = pool

	if err := database.RunMigrations(ctx, pool, log); err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		h.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := h.Redis.Ping(ctx).Err(); err != nil {
			log.WithField("error", err.Error()).Warn("Redis unavailable, team cache runs memory-only")
			h.Redis = nil
		}
	}

	teamCacheConfig := team.DefaultResolverConfig()
	teamCacheConfig.TTL = cfg.Pipeline.TeamCacheTTL
	h.Teams = team.NewResolver(team.NewPostgresStore(pool, log), h.Redis, teamCacheConfig, log)

	h.Persons = person.NewEngine(
		person.NewPostgresStore(pool, log),
		&person.EngineConfig{RetryMax: cfg.Pipeline.PersonResolutionRetryMax},
		log,
	)
	h.Groups = group.NewEngine(
		group.NewPostgresStore(pool, log),
		&group.EngineConfig{MaxTypesPerTeam: cfg.Pipeline.MaxGroupTypesPerTeam},
		log,
	)

	producerConfig := &producer.Config{
		EnrichedEventsTopic:    cfg.Kafka.EnrichedEventsTopic,
		IngestionWarningsTopic: cfg.Kafka.IngestionWarningsTopic,
		HeatmapsTopic:          cfg.Kafka.HeatmapsTopic,
		ExceptionsTopic:        cfg.Kafka.ExceptionsTopic,
		PersonUpdatesTopic:     cfg.Kafka.PersonUpdatesTopic,
		GroupUpdatesTopic:      cfg.Kafka.GroupUpdatesTopic,
		WarningDebounceTTL:     cfg.Pipeline.WarningDebounceTTL,
	}
	h.Producer = producer.New(producerConfig, func(topic string) producer.Backend {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Lz4,
		}
	}, h.Metrics, log)

	h.Persons.OnPersonUpdate(func(ctx context.Context, p *event.Person) {
		h.Producer.EmitPersonUpdate(ctx, p)
	})
	h.Groups.OnGroupUpdate(func(ctx context.Context, g *event.Group) {
		h.Producer.EmitGroupUpdate(ctx, g)
	})

	if cfg.ClickHouse.Addr != "" {
		sinkConfig := analytics.DefaultSinkConfig()
		sinkConfig.Addr = cfg.ClickHouse.Addr
		sinkConfig.Database = cfg.ClickHouse.Database
		sinkConfig.Username = cfg.ClickHouse.Username
		sinkConfig.Password = cfg.ClickHouse.Password
		sink, err := analytics.NewSink(sinkConfig, log)
		if err != nil {
			log.WithField("error", err.Error()).Warn("ClickHouse sink unavailable, continuing without it")
		} else {
			h.Sink = sink
		}
	}

	transforms, err := pipeline.LoadTransformations(ctx, pool, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load transformations: %w", err)
	}

	normalizerConfig := &event.NormalizerConfig{FutureTolerance: cfg.Pipeline.TimestampFutureTolerance}
	h.Runner = pipeline.NewRunner(
		&pipeline.RunnerConfig{SkipTokens: cfg.Pipeline.PersonsProcessingSkipTokens},
		h.Teams,
		event.NewNormalizer(normalizerConfig, log),
		pipeline.NewTransformChain(transforms, h.Metrics, log),
		h.Persons,
		h.Groups,
		pipeline.NewHeatmapExtractor(log),
		pipeline.NewAIProcessor(log),
		pipeline.NewAssembler(log),
		h.Producer,
		h.Metrics,
		log,
	)

	consumerConfig := consumer.DefaultConfig()
	consumerConfig.Brokers = cfg.Kafka.Brokers
	consumerConfig.Topic = cfg.Kafka.ConsumerTopic
	consumerConfig.GroupID = cfg.Kafka.ConsumerGroupID
	consumerConfig.DLQTopic = cfg.Kafka.DLQTopic
	consumerConfig.MaxBatchRetries = cfg.Pipeline.ConsumerBatchMaxRetries
	consumerConfig.DrainTimeout = cfg.Pipeline.DrainTimeout

	var dlq producer.Backend
	if consumerConfig.DLQTopic != "" {
		dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        consumerConfig.DLQTopic,
			RequiredAcks: kafka.RequireAll,
		}
	}

	h.Consumer = consumer.New(
		consumerConfig,
		consumer.NewReader(consumerConfig),
		event.NewDecoder(log),
		&sinkRunner{runner: h.Runner, sink: h.Sink},
		dlq,
		h.Metrics,
		log,
	)

	return h, nil
}

// Run consumes until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	return h.Consumer.Run(ctx)
}

// Close releases every resource in reverse dependency order.
func (h *Hub) Close() {
	if h.Consumer != nil {
		if err := h.Consumer.Close(); err != nil {
			h.Log.WithField("error", err.Error()).Warn("Consumer close failed")
		}
	}
	if h.Producer != nil {
		if err := h.Producer.Close(); err != nil {
			h.Log.WithField("error", err.Error()).Warn("Producer close failed")
		}
	}
	if h.Sink != nil {
		if err := h.Sink.Close(); err != nil {
			h.Log.WithField("error", err.Error()).Warn("Sink close failed")
		}
	}
	if h.Redis != nil {
		_ = h.Redis.Close()
	}
	if h.Pool != nil {
		h.Pool.Close()
	}
}

// sinkRunner tees produced events into the ClickHouse sink after the
// pipeline run.
type sinkRunner struct {
	runner *pipeline.Runner
	sink   *analytics.Sink
}

func (s *sinkRunner) Run(ctx context.Context, ev *event.PipelineEvent) *pipeline.Result {
	result := s.runner.Run(ctx, ev)
	if s.sink != nil && result.Status == pipeline.StatusProduced && result.Enriched != nil {
		s.sink.Add(result.Enriched)
	}
	return result
}
