package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Station is the read-side projection of one stations row.
type Station struct {
	ID          int64  `json:"id"`
	Province    string `json:"province"`
	City        string `json:"city"`
	Basin       string `json:"basin"`
	River       string `json:"river"`
	StationName string `json:"station_name"`
	StationCode string `json:"station_code,omitempty"`
}

// Reading is the read-side projection of one readings row.
type Reading struct {
	ID         int64          `json:"id"`
	StationID  int64          `json:"station_id"`
	ObservedAt time.Time      `json:"observed_at"`
	BatchTime  time.Time      `json:"batch_time"`
	Payload    map[string]any `json:"payload"`
}

// StationFilter narrows ListStations output. Zero values mean no filtering.
type StationFilter struct {
	Province string
	Basin    string
	City     string
	Limit    int
	Offset   int
}

// Counts reports table sizes for the run summary and the query API.
type Counts struct {
	Stations int64 `json:"stations"`
	Readings int64 `json:"readings"`
}

const listStationsSQL = `
SELECT id, province, city, basin, river, station_name, station_code
FROM stations
WHERE ($1 = '' OR province = $1)
  AND ($2 = '' OR basin = $2)
  AND ($3 = '' OR city = $3)
ORDER BY province, city, station_name
LIMIT $4 OFFSET $5`

// ListStations returns stations matching the filter, ordered for stable
// pagination. Consumers must sort readings explicitly; stored order carries
// no meaning beyond the identity keys.
func (g *Gateway) ListStations(ctx context.Context, f StationFilter) ([]Station, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := g.pool.Query(ctx, listStationsSQL, f.Province, f.Basin, f.City, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	defer rows.Close()

	var stations []Station
	for rows.Next() {
		var s Station
		if err := rows.Scan(&s.ID, &s.Province, &s.City, &s.Basin, &s.River, &s.StationName, &s.StationCode); err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		stations = append(stations, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stations: %w", err)
	}
	return stations, nil
}

const getStationSQL = `
SELECT id, province, city, basin, river, station_name, station_code
FROM stations WHERE id = $1`

// GetStation fetches one station by id.
func (g *Gateway) GetStation(ctx context.Context, id int64) (Station, error) {
	var s Station
	err := g.pool.QueryRow(ctx, getStationSQL, id).
		Scan(&s.ID, &s.Province, &s.City, &s.Basin, &s.River, &s.StationName, &s.StationCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return Station{}, ErrNotFound
	}
	if err != nil {
		return Station{}, fmt.Errorf("get station: %w", err)
	}
	return s, nil
}

const listReadingsSQL = `
SELECT id, station_id, observed_at, batch_time, payload
FROM readings
WHERE station_id = $1
  AND ($2::timestamptz IS NULL OR observed_at >= $2)
  AND ($3::timestamptz IS NULL OR observed_at <= $3)
ORDER BY observed_at DESC
LIMIT $4`

// ListReadings returns readings for one station inside the optional
// [from, to] window, most recent first.
func (g *Gateway) ListReadings(ctx context.Context, stationID int64, from, to *time.Time, limit int) ([]Reading, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	rows, err := g.pool.Query(ctx, listReadingsSQL, stationID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	defer rows.Close()

	var readings []Reading
	for rows.Next() {
		var r Reading
		if err := rows.Scan(&r.ID, &r.StationID, &r.ObservedAt, &r.BatchTime, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return readings, nil
}

const countsSQL = `
SELECT (SELECT COUNT(*) FROM stations), (SELECT COUNT(*) FROM readings)`

// TableCounts reports how many stations and readings are stored.
func (g *Gateway) TableCounts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := g.pool.QueryRow(ctx, countsSQL).Scan(&c.Stations, &c.Readings); err != nil {
		return Counts{}, fmt.Errorf("count tables: %w", err)
	}
	return c, nil
}
