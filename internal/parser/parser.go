package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadTimestamp marks a row whose observed-time cell could not be parsed.
// Such rows are dropped by the caller; storing a guessed time would silently
// misdate the reading, which is worse than omitting it.
var ErrBadTimestamp = errors.New("unparseable observed timestamp")

// Record is the canonical form of one table row: station identity fields,
// the observation instant, and an open measurement map. The indicator set
// varies by station and region, so measurements stay a map rather than a
// fixed struct.
type Record struct {
	Province    string
	City        string
	Basin       string
	River       string
	StationName string
	StationCode string
	ObservedAt  time.Time
	// Measurements holds numeric indicators; nil means the portal reported
	// no data for that indicator.
	Measurements map[string]*float64
	// Attributes holds text-valued observation fields (quality class,
	// station status). They are folded into the stored payload.
	Attributes map[string]string
}

// timestampLayouts are the observed-time formats seen on the portal,
// longest first.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04",
	"01-02 15:04",
}

// ParseTimestamp parses the portal's local-time text into an absolute
// instant in loc. The live table renders a year-less "MM-dd HH:mm" form; the
// year is inferred from the batch time, rolling back one year when the
// inferred instant would land in the future (a January run reading December
// rows).
func ParseTimestamp(value string, batch time.Time, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if IsNullToken(value) {
		return time.Time{}, fmt.Errorf("%w: empty value", ErrBadTimestamp)
	}

	for _, layout := range timestampLayouts {
		parsed, err := time.ParseInLocation(layout, value, loc)
		if err != nil {
			continue
		}
		if parsed.Year() == 0 {
			parsed = parsed.AddDate(batch.In(loc).Year(), 0, 0)
			if parsed.After(batch.Add(48 * time.Hour)) {
				parsed = parsed.AddDate(-1, 0, 0)
			}
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, value)
}

// ParseNumeric converts raw metric text into a float pointer. Sentinel
// tokens and non-numeric text yield nil.
func ParseNumeric(value string) *float64 {
	raw := strings.TrimSpace(value)
	if IsNullToken(raw) {
		return nil
	}
	raw = strings.ReplaceAll(raw, ",", "")
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &f
}

// ParseRow converts one row of raw text into a Record. headers must already
// be canonicalized by MapHeaders and aligned with cells; extra cells beyond
// the header count are ignored, as are headers without cells. hints carries
// out-of-band station fields (the city recovered from tooltip text) and wins
// only when the corresponding cell is blank.
func ParseRow(headers, cells []string, hints map[string]string, batch time.Time, loc *time.Location) (Record, error) {
	rec := Record{
		Measurements: make(map[string]*float64),
		Attributes:   make(map[string]string),
	}

	n := len(headers)
	if len(cells) < n {
		n = len(cells)
	}

	var tsErr error
	for i := 0; i < n; i++ {
		header := headers[i]
		value := cells[i]
		switch {
		case header == FieldObservedAt:
			observed, err := ParseTimestamp(value, batch, loc)
			if err != nil {
				tsErr = err
				continue
			}
			rec.ObservedAt = observed
		case isStationField(header):
			rec.setStationField(header, strings.TrimSpace(value))
		case isReadingTextField(header):
			if text := strings.TrimSpace(value); text != "" {
				rec.Attributes[header] = text
			}
		default:
			rec.Measurements[header] = ParseNumeric(value)
		}
	}

	for field, value := range hints {
		if !isStationField(field) || strings.TrimSpace(value) == "" {
			continue
		}
		if rec.stationField(field) == "" {
			rec.setStationField(field, strings.TrimSpace(value))
		}
	}

	if tsErr != nil {
		return Record{}, tsErr
	}
	if rec.ObservedAt.IsZero() {
		return Record{}, fmt.Errorf("%w: no observed_at column", ErrBadTimestamp)
	}
	return rec, nil
}

func isStationField(name string) bool {
	_, ok := stationTextFields[name]
	return ok
}

func isReadingTextField(name string) bool {
	_, ok := readingTextFields[name]
	return ok
}

func (r *Record) setStationField(name, value string) {
	switch name {
	case FieldProvince:
		r.Province = value
	case FieldCity:
		r.City = value
	case FieldBasin:
		r.Basin = value
	case FieldRiver:
		r.River = value
	case FieldStationName:
		r.StationName = value
	case FieldStationCode:
		r.StationCode = value
	}
}

func (r *Record) stationField(name string) string {
	switch name {
	case FieldProvince:
		return r.Province
	case FieldCity:
		return r.City
	case FieldBasin:
		return r.Basin
	case FieldRiver:
		return r.River
	case FieldStationName:
		return r.StationName
	case FieldStationCode:
		return r.StationCode
	}
	return ""
}
