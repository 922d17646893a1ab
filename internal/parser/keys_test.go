package parser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyForStationCanonicalizesBlanks(t *testing.T) {
	t.Parallel()

	a := KeyForStation(Record{Province: "江苏省", StationName: " 林山 "})
	b := KeyForStation(Record{Province: "江苏省", StationName: "林山"})
	require.Equal(t, a, b)
	require.Equal(t, "", a.City)
}

func TestKeyForStationIgnoresPayload(t *testing.T) {
	t.Parallel()

	ph := 7.0
	a := KeyForStation(Record{StationName: "林山", Measurements: map[string]*float64{"ph": &ph}})
	b := KeyForStation(Record{StationName: "林山"})
	require.Equal(t, a, b)
}

func TestKeyForReadingNormalizesToUTC(t *testing.T) {
	t.Parallel()

	instant := time.Date(2024, 4, 8, 8, 0, 0, 0, shanghai)
	key := KeyForReading(42, Record{ObservedAt: instant})
	require.Equal(t, int64(42), key.StationID)
	require.Equal(t, time.UTC, key.ObservedAt.Location())
	require.True(t, key.ObservedAt.Equal(instant))

	same := KeyForReading(42, Record{ObservedAt: instant.UTC()})
	require.Equal(t, key, same)
}
