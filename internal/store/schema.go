package store

// schemaSQL creates the persisted schema. Station identity is the composite
// tuple; key columns default to '' rather than NULL so the unique constraint
// actually deduplicates rows with missing metadata. Readings are unique per
// (station_id, observed_at); payload stays JSONB because the measured
// indicator set varies by station and region.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS stations (
	id           BIGSERIAL PRIMARY KEY,
	province     TEXT NOT NULL DEFAULT '',
	city         TEXT NOT NULL DEFAULT '',
	basin        TEXT NOT NULL DEFAULT '',
	river        TEXT NOT NULL DEFAULT '',
	station_name TEXT NOT NULL,
	station_code TEXT NOT NULL DEFAULT '',
	CONSTRAINT uq_station_identity UNIQUE (province, city, basin, river, station_name)
);

CREATE TABLE IF NOT EXISTS readings (
	id          BIGSERIAL PRIMARY KEY,
	station_id  BIGINT NOT NULL REFERENCES stations(id),
	observed_at TIMESTAMPTZ NOT NULL,
	batch_time  TIMESTAMPTZ NOT NULL,
	payload     JSONB,
	CONSTRAINT uq_reading_identity UNIQUE (station_id, observed_at)
);

CREATE INDEX IF NOT EXISTS ix_readings_observed_at ON readings (observed_at);
`
