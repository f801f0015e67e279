package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/plumehq/plume/internal/config"
)

// Connect establishes the pgx connection pool for the relational store.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.WithField("database", cfg.Name).Info("Connected to PostgreSQL")
	return pool, nil
}

// RunMigrations executes the schema migrations in order.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, log *logrus.Logger) error {
	for i, migration := range migrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i, err)
		}
	}
	log.WithField("count", len(migrations)).Info("Migrations completed")
	return nil
}

// HealthCheck pings the pool with a short deadline.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool) error {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return pool.Ping(checkCtx)
}

// Schema for the ingestion pipeline's relational state.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS team (
		id BIGSERIAL PRIMARY KEY,
		project_id BIGINT NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		api_token VARCHAR(255) UNIQUE NOT NULL,
		anonymize_ips BOOLEAN NOT NULL DEFAULT FALSE,
		heatmaps_opt_in BOOLEAN,
		person_processing_opt_out BOOLEAN NOT NULL DEFAULT FALSE,
		ingested_event BOOLEAN NOT NULL DEFAULT FALSE,
		cookieless_server_hash_mode SMALLINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS person (
		id BIGSERIAL PRIMARY KEY,
		uuid UUID NOT NULL,
		team_id BIGINT NOT NULL REFERENCES team(id) ON DELETE CASCADE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		properties JSONB NOT NULL DEFAULT '{}',
		is_identified BOOLEAN NOT NULL DEFAULT FALSE,
		is_user_id BIGINT,
		version BIGINT NOT NULL DEFAULT 0,
		force_upgrade BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (team_id, uuid)
	)`,

	`CREATE TABLE IF NOT EXISTS person_distinct_id (
		id BIGSERIAL PRIMARY KEY,
		team_id BIGINT NOT NULL REFERENCES team(id) ON DELETE CASCADE,
		distinct_id VARCHAR(400) NOT NULL,
		person_id BIGINT NOT NULL REFERENCES person(id) ON DELETE CASCADE,
		version BIGINT NOT NULL DEFAULT 0,
		UNIQUE (team_id, distinct_id)
	)`,

	`CREATE TABLE IF NOT EXISTS "group" (
		id BIGSERIAL PRIMARY KEY,
		team_id BIGINT NOT NULL REFERENCES team(id) ON DELETE CASCADE,
		group_type_index SMALLINT NOT NULL,
		group_key VARCHAR(400) NOT NULL,
		properties JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		version BIGINT NOT NULL DEFAULT 0,
		UNIQUE (team_id, group_type_index, group_key)
	)`,

	`CREATE TABLE IF NOT EXISTS group_type_mapping (
		id BIGSERIAL PRIMARY KEY,
		team_id BIGINT NOT NULL REFERENCES team(id) ON DELETE CASCADE,
		project_id BIGINT NOT NULL,
		group_type VARCHAR(400) NOT NULL,
		group_type_index SMALLINT NOT NULL,
		UNIQUE (project_id, group_type),
		UNIQUE (project_id, group_type_index)
	)`,

	`CREATE TABLE IF NOT EXISTS posthog_pluginconfig (
		id BIGSERIAL PRIMARY KEY,
		team_id BIGINT NOT NULL REFERENCES team(id) ON DELETE CASCADE,
		plugin_name VARCHAR(255) NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		"order" INTEGER NOT NULL DEFAULT 0,
		config JSONB NOT NULL DEFAULT '{}'
	)`,

	`CREATE INDEX IF NOT EXISTS idx_person_team_uuid ON person(team_id, uuid)`,
	`CREATE INDEX IF NOT EXISTS idx_person_distinct_id_person ON person_distinct_id(person_id)`,
	`CREATE INDEX IF NOT EXISTS idx_group_type_mapping_project ON group_type_mapping(project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_pluginconfig_team ON posthog_pluginconfig(team_id, enabled)`,
}
