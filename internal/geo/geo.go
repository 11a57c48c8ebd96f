// Package geo provides best-effort parsing of freight stop strings into
// city/state pairs. Stops arrive as free text ("SALT LAKE CITY, UT 84199",
// "CHICAGO IL", "DETROIT, MI"); parsing is fuzzy by necessity and callers
// must treat failure as a normal outcome.
package geo

import (
	"regexp"
	"strings"
)

var validStates = map[string]struct{}{
	"AL": {}, "AK": {}, "AZ": {}, "AR": {}, "CA": {}, "CO": {}, "CT": {}, "DE": {}, "FL": {}, "GA": {},
	"HI": {}, "ID": {}, "IL": {}, "IN": {}, "IA": {}, "KS": {}, "KY": {}, "LA": {}, "ME": {}, "MD": {},
	"MA": {}, "MI": {}, "MN": {}, "MS": {}, "MO": {}, "MT": {}, "NE": {}, "NV": {}, "NH": {}, "NJ": {},
	"NM": {}, "NY": {}, "NC": {}, "ND": {}, "OH": {}, "OK": {}, "OR": {}, "PA": {}, "RI": {}, "SC": {},
	"SD": {}, "TN": {}, "TX": {}, "UT": {}, "VT": {}, "VA": {}, "WA": {}, "WV": {}, "WI": {}, "WY": {},
}

// ValidState reports whether code is one of the 50 US state abbreviations.
func ValidState(code string) bool {
	_, ok := validStates[strings.ToUpper(code)]
	return ok
}

var (
	// "CITY, ST" or "CITY, ST 84199"
	commaStateRe = regexp.MustCompile(`,\s*([A-Z]{2})(?:\s|$)`)
	// "CITY ST" with no comma
	spaceStateRe = regexp.MustCompile(`\s+([A-Z]{2})$`)
	// bare trailing "ST"
	tailStateRe = regexp.MustCompile(`([A-Z]{2})$`)

	zipRe = regexp.MustCompile(`\s+\d{5}(?:-\d{4})?$`)
)

// ExtractState pulls a state code out of a stop string. Returns "" when no
// unambiguous state can be found.
func ExtractState(stop string) string {
	s := strings.ToUpper(strings.TrimSpace(stop))
	if s == "" {
		return ""
	}
	// Strip a trailing zip so "CITY, ST 84199" patterns resolve on the state.
	s = zipRe.ReplaceAllString(s, "")

	for _, re := range []*regexp.Regexp{commaStateRe, spaceStateRe, tailStateRe} {
		if m := re.FindStringSubmatch(s); m != nil && ValidState(m[1]) {
			return m[1]
		}
	}
	return ""
}

// CityState is a normalized (city, state) pair used for route identity
// comparisons.
type CityState struct {
	City  string
	State string
}

// ParseCityState splits a stop string into a normalized city and state.
// Returns ok=false when either half cannot be determined.
func ParseCityState(stop string) (CityState, bool) {
	s := strings.ToUpper(strings.TrimSpace(stop))
	if s == "" {
		return CityState{}, false
	}
	s = zipRe.ReplaceAllString(s, "")

	state := ExtractState(s)
	if state == "" {
		return CityState{}, false
	}

	// City is everything before the state token.
	city := s
	if i := strings.LastIndex(s, ","); i >= 0 {
		city = s[:i]
	} else if i := strings.LastIndex(s, " "+state); i >= 0 {
		city = s[:i]
	}
	city = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(city), ","))
	if city == "" || city == state {
		return CityState{}, false
	}
	return CityState{City: city, State: state}, true
}

// Equal compares two parsed stops on both city and state.
func (c CityState) Equal(o CityState) bool {
	return c.City == o.City && c.State == o.State
}

// SameState compares two parsed stops on state only.
func (c CityState) SameState(o CityState) bool {
	return c.State == o.State
}

// NormalizeCity uppercases and trims a city name for containment checks.
func NormalizeCity(city string) string {
	return strings.ToUpper(strings.TrimSpace(city))
}
