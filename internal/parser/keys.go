package parser

import (
	"strings"
	"time"
)

// StationKey is the identity tuple for a monitoring station. Two records
// with equal keys refer to the same station; no other field participates in
// identity. Blank components canonicalize to the empty string so the key is
// comparable and matches the storage uniqueness constraint.
type StationKey struct {
	Province    string
	City        string
	Basin       string
	River       string
	StationName string
}

// ReadingKey is the identity pair for one reading. Payload content never
// participates: a re-scraped instant with different values is the same
// reading and the second copy is discarded.
type ReadingKey struct {
	StationID  int64
	ObservedAt time.Time
}

// KeyForStation computes the station identity tuple for a record.
func KeyForStation(rec Record) StationKey {
	return StationKey{
		Province:    canonical(rec.Province),
		City:        canonical(rec.City),
		Basin:       canonical(rec.Basin),
		River:       canonical(rec.River),
		StationName: canonical(rec.StationName),
	}
}

// KeyForReading computes the reading identity for a record once its station
// row is known. The instant is normalized to UTC so equality does not depend
// on the wall-clock zone the source rendered.
func KeyForReading(stationID int64, rec Record) ReadingKey {
	return ReadingKey{
		StationID:  stationID,
		ObservedAt: rec.ObservedAt.UTC(),
	}
}

func canonical(value string) string {
	return strings.TrimSpace(value)
}
