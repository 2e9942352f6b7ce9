package gateway

import (
	"context"
	"encoding/json"

	"mcpforge/pkg/platformerrors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL for the gateway_routing table, applied via Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS gateway_routing (
    template_id TEXT PRIMARY KEY,
    instances   JSONB NOT NULL DEFAULT '[]',
    policy      JSONB NOT NULL DEFAULT '{}',
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the subset of *pgxpool.Pool this store needs; *pgx.Conn satisfies
// it too.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is the relational alternative RegistryStore, selected via
// GATEWAY_DATABASE_URL: one row per template id, with the instance list
// and policy stored as JSONB rather than normalized into separate tables,
// since the routing table is always read and written whole.
type PostgresStore struct {
	db DB
}

// NewPostgresStore wraps an already-connected pool or conn. The caller
// must call Migrate before first use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresStoreFromURL opens a *pgxpool.Pool against databaseURL
// (typically $GATEWAY_DATABASE_URL) and migrates the schema.
func NewPostgresStoreFromURL(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to connect to gateway postgres store")
	}
	store := NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the gateway_routing table if it does not already exist.
// Schema declares no index beyond the template_id primary key.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to migrate gateway postgres store")
	}
	return nil
}

// Load reads every row into the in-memory routing table the Registry
// expects.
func (s *PostgresStore) Load() (map[string]TemplateRouting, error) {
	ctx := context.Background()
	rows, err := s.db.Query(ctx, `SELECT template_id, instances, policy FROM gateway_routing`)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to query gateway postgres store")
	}
	defer rows.Close()

	out := make(map[string]TemplateRouting)
	for rows.Next() {
		var templateID string
		var instancesJSON, policyJSON []byte
		if err := rows.Scan(&templateID, &instancesJSON, &policyJSON); err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to scan gateway postgres row")
		}
		var routing TemplateRouting
		if err := json.Unmarshal(instancesJSON, &routing.Instances); err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to unmarshal instances column")
		}
		if err := json.Unmarshal(policyJSON, &routing.Policy); err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to unmarshal policy column")
		}
		out[templateID] = routing
	}
	if err := rows.Err(); err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to iterate gateway postgres rows")
	}
	return out, nil
}

// Save upserts every template's routing row and deletes rows for
// templates no longer present in snapshot.
func (s *PostgresStore) Save(snapshot map[string]TemplateRouting) error {
	ctx := context.Background()
	if err := s.upsertAll(ctx, snapshot); err != nil {
		return err
	}
	return s.pruneMissing(ctx, snapshot)
}

func (s *PostgresStore) upsertAll(ctx context.Context, snapshot map[string]TemplateRouting) error {
	const query = `
		INSERT INTO gateway_routing (template_id, instances, policy, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (template_id) DO UPDATE SET
			instances = EXCLUDED.instances,
			policy = EXCLUDED.policy,
			updated_at = now()`
	for templateID, routing := range snapshot {
		instancesJSON, err := json.Marshal(routing.Instances)
		if err != nil {
			return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to marshal instances")
		}
		policyJSON, err := json.Marshal(routing.Policy)
		if err != nil {
			return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to marshal policy")
		}
		if _, err := s.db.Exec(ctx, query, templateID, instancesJSON, policyJSON); err != nil {
			return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to upsert gateway routing row")
		}
	}
	return nil
}

func (s *PostgresStore) pruneMissing(ctx context.Context, snapshot map[string]TemplateRouting) error {
	ids := make([]string, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	const query = `DELETE FROM gateway_routing WHERE NOT (template_id = ANY($1))`
	if _, err := s.db.Exec(ctx, query, ids); err != nil {
		return platformerrors.Wrap(platformerrors.KindBackendUnavailable, err, "failed to prune gateway routing rows")
	}
	return nil
}
