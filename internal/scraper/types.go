// Package scraper drives the embedded browser session against the national
// water quality portal. The data grid lives inside a nested iframe and is
// populated client-side, so every extraction path runs inside the rendered
// page: either replaying the portal's own publish API from the frame, or
// falling back to virtual-scroll pagination over the DOM.
package scraper

import "errors"

// ErrStructural marks a failure caused by a loaded page whose layout no
// longer matches the configured selectors. It is not retryable; the caller
// aborts the affected city and moves on.
var ErrStructural = errors.New("page structure changed")

// ErrTimeout marks a browser operation that hit the session's own deadline
// before the page produced a result, such as a stalled render or a slow
// portal. It is transient and retryable. Cancellation arriving through the
// caller's context is never translated into it.
var ErrTimeout = errors.New("browser operation timed out")

// Source identifies which extraction path produced, or was attempting to
// produce, a scope's rows.
type Source string

const (
	SourceAPI Source = "api"
	SourceDOM Source = "dom"
)

// Cell is one header/value pair exactly as rendered, no normalization.
type Cell struct {
	Header string
	Value  string
}

// RawRow is the ordered cells of one table row plus out-of-band station
// hints recovered from tooltip fragments (the grid omits the city column for
// some scopes but carries it in hover text).
type RawRow struct {
	Cells []Cell
	Hints map[string]string
}

// CityScope identifies one unit of work: a city-level area filter on the
// portal. Municipality provinces are their own city.
type CityScope struct {
	AreaID   string
	Province string
	City     string
	// Level is the portal's area level for AreaID: 1 for province-wide
	// scopes (municipalities, provinces without city options), 2 for
	// cities. The DOM fallback passes it back to filterArea.
	Level int
}

// Label returns a stable human-readable name used for logging, snapshots,
// and the run summary.
func (s CityScope) Label() string {
	if s.City != "" {
		return s.City
	}
	if s.Province != "" {
		return s.Province
	}
	return "area-" + s.AreaID
}

// Province is one entry of the portal's area dropdown with its city
// children.
type Province struct {
	AreaID string
	Name   string
	Cities []City
}

// City is a second-level area option under a province.
type City struct {
	AreaID string
	Name   string
}

// municipalityProvinces are province-level areas that are themselves cities
// and have no city sub-options on the portal.
var municipalityProvinces = map[string]struct{}{
	"北京市": {},
	"天津市": {},
	"上海市": {},
	"重庆市": {},
}

// CityScopes flattens the area tree into the deterministic per-city work
// list for a run: provinces in dropdown order, cities in listed order.
// Provinces without city children become a single scope; for municipalities
// the province name doubles as the city.
func CityScopes(provinces []Province) []CityScope {
	var scopes []CityScope
	for _, p := range provinces {
		if len(p.Cities) == 0 {
			scope := CityScope{AreaID: p.AreaID, Province: p.Name, Level: 1}
			if _, ok := municipalityProvinces[p.Name]; ok {
				scope.City = p.Name
			}
			scopes = append(scopes, scope)
			continue
		}
		for _, c := range p.Cities {
			scopes = append(scopes, CityScope{AreaID: c.AreaID, Province: p.Name, City: c.Name, Level: 2})
		}
	}
	return scopes
}
