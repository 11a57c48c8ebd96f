package match

import (
	"fmt"
	"math"
	"time"

	"github.com/novabuild/bidalert/internal/domain"
	"github.com/novabuild/bidalert/internal/geo"
)

// Composite weights for similar_load scoring.
const (
	weightPreference = 0.40
	weightRoute      = 0.30
	weightTiming     = 0.20
	weightMarket     = 0.10
)

// Breakdown carries the per-criterion scores behind a composite similarity
// score, for explainability.
type Breakdown struct {
	PreferenceAlignment float64
	RouteConsistency    float64
	TimingRelevance     float64
	MarketFit           float64
}

// ScoreSimilarLoad computes the weighted similarity score for a candidate
// bid against a carrier's preferences and favorites. The result is rounded
// and clamped to [0,100] and depends only on the arguments, including the
// explicit evaluation time.
func ScoreSimilarLoad(bid *domain.Bid, prefs *domain.Preferences, favorites []*domain.Favorite, now time.Time) (int, Breakdown, []string) {
	var reasons []string

	bd := Breakdown{
		PreferenceAlignment: scorePreferenceAlignment(bid, prefs, &reasons),
		RouteConsistency:    scoreRouteConsistency(bid, favorites, &reasons),
		TimingRelevance:     scoreTimingRelevance(bid, prefs, now, &reasons),
		MarketFit:           scoreMarketFit(bid, prefs, &reasons),
	}

	composite := bd.PreferenceAlignment*weightPreference +
		bd.RouteConsistency*weightRoute +
		bd.TimingRelevance*weightTiming +
		bd.MarketFit*weightMarket

	score := int(math.Round(composite))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, bd, reasons
}

// scorePreferenceAlignment blends a distance-band score with allow-list
// credit for the bid's tag and origin state.
func scorePreferenceAlignment(bid *domain.Bid, prefs *domain.Preferences, reasons *[]string) float64 {
	distScore := scoreDistanceBand(bid.DistanceMiles, prefs.MinDistanceMiles, prefs.MaxDistanceMiles, reasons)

	// Allow-list credit: membership is full credit, a value present but not
	// listed is partial, a missing value is baseline.
	listScore := 50.0
	state := geo.ExtractState(bid.Origin())
	switch {
	case state == "" && bid.Tag == "":
		listScore = 50
	case inList(state, prefs.StatePreferences) || inList(bid.Tag, prefs.StatePreferences):
		listScore = 100
		*reasons = append(*reasons, "origin state in preferred states")
	default:
		listScore = 60
	}

	return distScore*0.6 + listScore*0.4
}

// scoreDistanceBand rewards distances in the 50-80% band of the configured
// [min,max] range and penalizes out-of-range values in proportion to how far
// outside they fall.
func scoreDistanceBand(distance, min, max float64, reasons *[]string) float64 {
	if max <= min {
		return 50
	}
	span := max - min

	if distance < min || distance > max {
		var excess float64
		if distance < min {
			excess = (min - distance) / span
		} else {
			excess = (distance - max) / span
		}
		penalized := 60 - excess*120
		if penalized < 0 {
			penalized = 0
		}
		*reasons = append(*reasons, fmt.Sprintf("distance %.0f mi outside preferred range [%.0f, %.0f]", distance, min, max))
		return penalized
	}

	pos := (distance - min) / span
	if pos >= 0.5 && pos <= 0.8 {
		*reasons = append(*reasons, "distance in sweet spot of preferred range")
		return 100
	}
	return 75
}

// scoreRouteConsistency compares the candidate's ends against the carrier's
// other favorites: repeated exact routes score highest, a single shared end
// is partial credit, and no overlap is neutral.
func scoreRouteConsistency(bid *domain.Bid, favorites []*domain.Favorite, reasons *[]string) float64 {
	bo, ok1 := geo.ParseCityState(bid.Origin())
	bd, ok2 := geo.ParseCityState(bid.Destination())
	if !ok1 || !ok2 || len(favorites) == 0 {
		return 50
	}

	exactRepeats := 0
	partial := false
	for _, fav := range favorites {
		fo, okA := geo.ParseCityState(fav.Origin())
		fd, okB := geo.ParseCityState(fav.Destination())
		if !okA || !okB {
			continue
		}
		switch {
		case bo.Equal(fo) && bd.Equal(fd):
			exactRepeats++
		case bo.Equal(fo) || bd.Equal(fd):
			partial = true
		}
	}

	switch {
	case exactRepeats >= 3:
		*reasons = append(*reasons, fmt.Sprintf("route repeated across %d favorites", exactRepeats))
		return 100
	case exactRepeats > 0:
		*reasons = append(*reasons, fmt.Sprintf("route matches %d favorite(s)", exactRepeats))
		return 70 + float64(exactRepeats)*10
	case partial:
		*reasons = append(*reasons, "one end of route matches a favorite")
		return 55
	default:
		return 50
	}
}

// Timing floors: expired bids score a low fixed value, distant pickups decay
// toward floorTiming instead of zero.
const (
	expiredTiming = 20.0
	floorTiming   = 40.0
)

// scoreTimingRelevance peaks for pickups within 24 hours and decays linearly
// toward the floor across the carrier's relevance window.
func scoreTimingRelevance(bid *domain.Bid, prefs *domain.Preferences, now time.Time, reasons *[]string) float64 {
	if bid.PickupAt.IsZero() {
		return 50
	}
	until := bid.PickupAt.Sub(now)
	if until < 0 {
		return expiredTiming
	}
	if until <= 24*time.Hour {
		*reasons = append(*reasons, "pickup within 24 hours")
		return 100
	}

	windowDays := prefs.TimingRelevanceDays
	if windowDays <= 0 {
		windowDays = 7
	}
	window := time.Duration(windowDays) * 24 * time.Hour
	if until >= window {
		return floorTiming
	}
	// Linear decay from 100 at 24h down to the floor at the window edge.
	frac := float64(until-24*time.Hour) / float64(window-24*time.Hour)
	return 100 - frac*(100-floorTiming)
}

// scoreMarketFit rewards low competition and, when the carrier avoids
// crowded bids, penalizes anything above their ceiling steeply.
func scoreMarketFit(bid *domain.Bid, prefs *domain.Preferences, reasons *[]string) float64 {
	ceiling := prefs.MaxCompetitionBids
	if ceiling <= 0 {
		ceiling = 10
	}
	switch {
	case bid.BidsCount <= 3:
		*reasons = append(*reasons, fmt.Sprintf("low competition (%d bids)", bid.BidsCount))
		return 90
	case bid.BidsCount <= ceiling:
		return 70
	case prefs.AvoidHighCompetition:
		*reasons = append(*reasons, fmt.Sprintf("competition above ceiling (%d bids)", bid.BidsCount))
		return 10
	default:
		return 50
	}
}

func inList(v string, list []string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if geo.NormalizeCity(item) == geo.NormalizeCity(v) {
			return true
		}
	}
	return false
}
