// Package parser normalizes raw table rows from the monitoring portal into
// typed records. All functions here are pure; no I/O happens in this package.
package parser

import "strings"

// Canonical field names produced by header mapping.
const (
	FieldProvince    = "province"
	FieldCity        = "city"
	FieldBasin       = "basin"
	FieldRiver       = "river"
	FieldStationName = "station_name"
	FieldStationCode = "station_code"
	FieldObservedAt  = "observed_at"
)

// rawToField maps the portal's Chinese column headers onto stable internal
// field names. Headers absent from this table are passed through verbatim and
// treated as measurement names, so new indicators upstream degrade gracefully
// instead of being dropped.
var rawToField = map[string]string{
	"省份":           FieldProvince,
	"城市":           FieldCity,
	"流域":           FieldBasin,
	"河流":           FieldRiver,
	"断面":           FieldStationName,
	"断面名称":         FieldStationName,
	"断面编码":         FieldStationCode,
	"监测时间":         FieldObservedAt,
	"测站":           FieldStationName,
	"站点":           FieldStationName,
	"站点名称":         FieldStationName,
	"监测点":          FieldStationName,
	"水质类别":         "water_quality_class",
	"站点情况":         "station_status",
	"水温(℃)":        "water_temperature_c",
	"pH(无量纲)":      "ph",
	"溶解氧(mg/L)":    "dissolved_oxygen_mg_l",
	"电导率(μS/cm)":   "conductivity_us_cm",
	"浊度(NTU)":      "turbidity_ntu",
	"高锰酸盐指数(mg/L)": "permanganate_index_mg_l",
	"氨氮(mg/L)":     "ammonia_n_mg_l",
	"总磷(mg/L)":     "total_phosphorus_mg_l",
	"总氮(mg/L)":     "total_nitrogen_mg_l",
	"叶绿素α(mg/L)":   "chlorophyll_a_mg_l",
	"藻密度(cells/L)": "algae_density_cells_l",
}

// nullTokens are cell values the portal uses to mean "no data". They
// normalize to nil, never to zero; zero is a valid reading.
var nullTokens = map[string]struct{}{
	"":     {},
	"-":    {},
	"—":    {},
	"--":   {},
	"——":   {},
	"null": {},
	"NULL": {},
	"9999": {},
	"NaN":  {},
}

// stationTextFields are canonical fields that describe the station itself.
var stationTextFields = map[string]struct{}{
	FieldProvince:    {},
	FieldCity:        {},
	FieldBasin:       {},
	FieldRiver:       {},
	FieldStationName: {},
	FieldStationCode: {},
}

// readingTextFields are text-valued observation fields that belong in the
// reading payload rather than the station record.
var readingTextFields = map[string]struct{}{
	"water_quality_class": {},
	"station_status":      {},
}

// MapHeaders converts raw header labels into canonical field names. Unknown
// labels are returned unchanged so they can be used as measurement names.
func MapHeaders(raw []string) []string {
	mapped := make([]string, 0, len(raw))
	for _, header := range raw {
		header = strings.TrimSpace(strings.ReplaceAll(header, "\n", ""))
		if field, ok := rawToField[header]; ok {
			mapped = append(mapped, field)
			continue
		}
		mapped = append(mapped, header)
	}
	return mapped
}

// IsNullToken reports whether the trimmed cell text is a no-data sentinel.
func IsNullToken(value string) bool {
	_, ok := nullTokens[strings.TrimSpace(value)]
	return ok
}
