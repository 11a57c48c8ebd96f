// Package match implements the trigger matching engine: pure decision
// functions over (bid, trigger, preferences, favorites). Nothing in this
// package touches the store, the cache, or the clock; callers pass an
// explicit evaluation time so results are reproducible.
package match

import (
	"github.com/novabuild/bidalert/internal/domain"
	"github.com/novabuild/bidalert/internal/geo"
)

// RouteMatch is the outcome of comparing a candidate bid's route against a
// favorite route.
type RouteMatch struct {
	Kind domain.MatchType // MatchExact, MatchState or MatchBackhaul
	OK   bool
}

// CompareRoutes decides route identity between a favorite route and a
// candidate bid route. Strictness decreases from exact (same city+state on
// both ends) to state (same states) to backhaul (reversed ends, only when
// enabled). The strongest applicable match wins.
func CompareRoutes(favOrigin, favDest, bidOrigin, bidDest string, backhaul bool) RouteMatch {
	fo, ok1 := geo.ParseCityState(favOrigin)
	fd, ok2 := geo.ParseCityState(favDest)
	bo, ok3 := geo.ParseCityState(bidOrigin)
	bd, ok4 := geo.ParseCityState(bidDest)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return RouteMatch{}
	}

	switch {
	case bo.Equal(fo) && bd.Equal(fd):
		return RouteMatch{Kind: domain.MatchExact, OK: true}
	case backhaul && bo.Equal(fd) && bd.Equal(fo):
		return RouteMatch{Kind: domain.MatchBackhaul, OK: true}
	case bo.SameState(fo) && bd.SameState(fd):
		return RouteMatch{Kind: domain.MatchState, OK: true}
	case backhaul && bo.SameState(fd) && bd.SameState(fo):
		return RouteMatch{Kind: domain.MatchBackhaul, OK: true}
	}
	return RouteMatch{}
}

// backhaulEnabled resolves the backhaul flag: trigger-level override wins,
// then the carrier preference, default off.
func backhaulEnabled(cfg *domain.ExactMatchConfig, prefs *domain.Preferences) bool {
	if cfg != nil && cfg.BackhaulEnabled != nil {
		return *cfg.BackhaulEnabled
	}
	if prefs != nil {
		return prefs.PrioritizeBackhaul
	}
	return false
}
