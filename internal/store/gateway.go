// Package store implements Postgres persistence for stations and readings.
// All writes are idempotent: the uniqueness constraints in the schema, not
// application-level checks, are what make re-ingesting the same scrape
// window converge to the same stored set.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/waterwatch/cnemc-harvester/internal/parser"
)

// ErrNotFound is returned by read-side lookups for missing rows.
var ErrNotFound = errors.New("not found")

// ConflictPolicy controls what happens when a reading with an existing
// (station_id, observed_at) key is ingested again.
type ConflictPolicy string

// Supported conflict policies. The upstream portal does not revise
// historical readings, so ignore is the default; update is an explicit
// opt-in for sources that do publish corrections.
const (
	ConflictIgnore ConflictPolicy = "ignore"
	ConflictUpdate ConflictPolicy = "update"
)

// Config controls the Postgres connection pool and write behavior.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConflictPolicy  ConflictPolicy
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Gateway owns the database pool for the duration of a run and is the only
// component that writes to it.
type Gateway struct {
	pool     dbPool
	conflict ConflictPolicy
	logger   *zap.Logger
}

// NewGateway connects to Postgres, verifies the connection, and ensures the
// schema exists.
func NewGateway(ctx context.Context, cfg Config, logger *zap.Logger) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	g := &Gateway{pool: pool, conflict: normalizePolicy(cfg.ConflictPolicy), logger: logger}
	if err := g.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return g, nil
}

// NewGatewayWithPool constructs a Gateway from an existing pool, primarily
// for tests backed by pgxmock.
func NewGatewayWithPool(pool dbPool, policy ConflictPolicy, logger *zap.Logger) (*Gateway, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{pool: pool, conflict: normalizePolicy(policy), logger: logger}, nil
}

func normalizePolicy(p ConflictPolicy) ConflictPolicy {
	if p == ConflictUpdate {
		return ConflictUpdate
	}
	return ConflictIgnore
}

// Close releases the underlying pool.
func (g *Gateway) Close() {
	if g == nil || g.pool == nil {
		return
	}
	g.pool.Close()
}

// EnsureSchema creates the tables and uniqueness constraints if they do not
// exist yet.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	if _, err := g.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const selectStationByKeySQL = `
SELECT id, station_code FROM stations
WHERE province = $1 AND city = $2 AND basin = $3 AND river = $4 AND station_name = $5`

const selectBlankCityCandidatesSQL = `
SELECT id, station_code FROM stations
WHERE province = $1 AND basin = $2 AND river = $3 AND station_name = $4 AND city = ''`

const selectNamedCityCandidatesSQL = `
SELECT id, station_code FROM stations
WHERE province = $1 AND basin = $2 AND river = $3 AND station_name = $4 AND city <> ''`

const insertStationSQL = `
INSERT INTO stations (province, city, basin, river, station_name, station_code)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (province, city, basin, river, station_name) DO NOTHING
RETURNING id`

const backfillStationCodeSQL = `
UPDATE stations SET station_code = $1 WHERE id = $2 AND station_code = ''`

const claimBlankCityStationSQL = `
UPDATE stations SET city = $1 WHERE id = $2 AND city = ''`

// UpsertStation resolves a record to a station id, inserting the station on
// first observation. At most one row per identity tuple can ever exist; the
// unique constraint backs this even across interrupted and retried runs.
// The only permitted mutations to an existing row are backfilling a blank
// station_code and filling in a blank city when a later run learns it; a
// record arriving without a city reuses the lone stored row that has one.
func (g *Gateway) UpsertStation(ctx context.Context, rec parser.Record) (int64, error) {
	key := parser.KeyForStation(rec)
	if key.StationName == "" {
		return 0, fmt.Errorf("station name is required")
	}

	id, err := g.findStation(ctx, key, rec.StationCode)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	// Reconcile across the city column before inserting a second identity.
	// A station first seen without city metadata may already be stored
	// under a blank city; the inverse also happens when a tooltip-less row
	// arrives after the city was learned. Either direction resolves only
	// when the candidate is unambiguous.
	if key.City != "" {
		id, err = g.claimBlankCityStation(ctx, key, rec.StationCode)
	} else {
		id, err = g.adoptNamedCityStation(ctx, key, rec.StationCode)
	}
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	return g.insertStation(ctx, key, rec.StationCode)
}

type stationCandidate struct {
	id   int64
	code string
}

// loneCandidate runs a candidate query and returns its single match, or
// ErrNotFound when zero or several rows qualify.
func (g *Gateway) loneCandidate(ctx context.Context, sql string, key parser.StationKey) (stationCandidate, error) {
	rows, err := g.pool.Query(ctx, sql,
		key.Province, key.Basin, key.River, key.StationName,
	)
	if err != nil {
		return stationCandidate{}, fmt.Errorf("select station candidates: %w", err)
	}
	defer rows.Close()

	var candidates []stationCandidate
	for rows.Next() {
		var c stationCandidate
		if err := rows.Scan(&c.id, &c.code); err != nil {
			return stationCandidate{}, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return stationCandidate{}, fmt.Errorf("iterate candidates: %w", err)
	}
	if len(candidates) != 1 {
		return stationCandidate{}, ErrNotFound
	}
	return candidates[0], nil
}

func (g *Gateway) claimBlankCityStation(ctx context.Context, key parser.StationKey, code string) (int64, error) {
	c, err := g.loneCandidate(ctx, selectBlankCityCandidatesSQL, key)
	if err != nil {
		return 0, err
	}
	if _, err := g.pool.Exec(ctx, claimBlankCityStationSQL, key.City, c.id); err != nil {
		return 0, fmt.Errorf("claim station city: %w", err)
	}
	g.logger.Info("backfilled station city",
		zap.Int64("station_id", c.id),
		zap.String("city", key.City),
	)
	return g.backfillCode(ctx, c, code)
}

// adoptNamedCityStation resolves a record that arrived without city metadata
// to the lone stored station carrying the same identity under a known city.
// The stored city is kept; nothing is overwritten with a blank.
func (g *Gateway) adoptNamedCityStation(ctx context.Context, key parser.StationKey, code string) (int64, error) {
	c, err := g.loneCandidate(ctx, selectNamedCityCandidatesSQL, key)
	if err != nil {
		return 0, err
	}
	g.logger.Debug("resolved blank-city record to stored station",
		zap.Int64("station_id", c.id),
		zap.String("station_name", key.StationName),
	)
	return g.backfillCode(ctx, c, code)
}

func (g *Gateway) backfillCode(ctx context.Context, c stationCandidate, code string) (int64, error) {
	if c.code == "" && code != "" {
		if _, err := g.pool.Exec(ctx, backfillStationCodeSQL, code, c.id); err != nil {
			return 0, fmt.Errorf("backfill station code: %w", err)
		}
	}
	return c.id, nil
}

func (g *Gateway) findStation(ctx context.Context, key parser.StationKey, code string) (int64, error) {
	var id int64
	var storedCode string
	err := g.pool.QueryRow(ctx, selectStationByKeySQL,
		key.Province, key.City, key.Basin, key.River, key.StationName,
	).Scan(&id, &storedCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("select station: %w", err)
	}
	if storedCode == "" && code != "" {
		if _, err := g.pool.Exec(ctx, backfillStationCodeSQL, code, id); err != nil {
			return 0, fmt.Errorf("backfill station code: %w", err)
		}
	}
	return id, nil
}

func (g *Gateway) insertStation(ctx context.Context, key parser.StationKey, code string) (int64, error) {
	var id int64
	err := g.pool.QueryRow(ctx, insertStationSQL,
		key.Province, key.City, key.Basin, key.River, key.StationName, code,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Lost an insert race; the row exists now.
		return g.findStation(ctx, key, code)
	}
	if err != nil {
		return 0, fmt.Errorf("insert station: %w", err)
	}
	return id, nil
}

const insertReadingIgnoreSQL = `
INSERT INTO readings (station_id, observed_at, batch_time, payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (station_id, observed_at) DO NOTHING`

const insertReadingUpdateSQL = `
INSERT INTO readings (station_id, observed_at, batch_time, payload)
VALUES ($1, $2, $3, $4)
ON CONFLICT (station_id, observed_at) DO UPDATE
SET batch_time = EXCLUDED.batch_time, payload = EXCLUDED.payload
RETURNING (xmax = 0)`

// InsertReadingIfAbsent writes one reading under the (station_id,
// observed_at) uniqueness constraint. A duplicate key is not an error: it
// reports inserted=false and leaves the stored payload untouched under the
// default policy, or refreshes it under ConflictUpdate.
func (g *Gateway) InsertReadingIfAbsent(ctx context.Context, stationID int64, rec parser.Record, batchTime time.Time) (bool, error) {
	key := parser.KeyForReading(stationID, rec)
	payload, err := marshalPayload(rec)
	if err != nil {
		return false, err
	}

	if g.conflict == ConflictUpdate {
		var inserted bool
		err := g.pool.QueryRow(ctx, insertReadingUpdateSQL,
			key.StationID, key.ObservedAt, batchTime.UTC(), payload,
		).Scan(&inserted)
		if err != nil {
			return false, fmt.Errorf("upsert reading: %w", err)
		}
		return inserted, nil
	}

	tag, err := g.pool.Exec(ctx, insertReadingIgnoreSQL,
		key.StationID, key.ObservedAt, batchTime.UTC(), payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert reading: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func marshalPayload(rec parser.Record) ([]byte, error) {
	payload := make(map[string]any, len(rec.Measurements)+len(rec.Attributes))
	for name, value := range rec.Measurements {
		if value == nil {
			payload[name] = nil
			continue
		}
		payload[name] = *value
	}
	for name, value := range rec.Attributes {
		payload[name] = value
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}
