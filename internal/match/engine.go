package match

import (
	"fmt"
	"time"

	"github.com/novabuild/bidalert/internal/domain"
)

// Result is the engine's verdict for one evaluated trigger.
type Result struct {
	Notify    bool
	MatchType domain.MatchType
	Score     int
	Reasons   []string
}

// Input bundles everything a trigger evaluation may need. Favorites holds
// the carrier's full favorite set; FavoriteBid resolves a favorite bid
// number to its current bid record (nil when unknown), pre-loaded by the
// caller so evaluation itself stays pure.
type Input struct {
	Bid       *domain.Bid
	Prefs     *domain.Preferences
	Favorites []*domain.Favorite
	// FavoriteBids maps bid number to the current bid record for favorites
	// referenced by favorite_available and deadline triggers.
	FavoriteBids map[string]*domain.Bid
	Now          time.Time
}

// Evaluate runs one trigger against the input. A malformed or unknown
// config yields an error; the caller isolates it and continues with the
// carrier's remaining triggers.
func Evaluate(trigger *domain.Trigger, in Input) (Result, error) {
	switch trigger.Type {
	case domain.TriggerExactMatch:
		cfg := trigger.Config.ExactMatch
		if cfg == nil {
			return Result{}, fmt.Errorf("trigger %d: missing exact_match config", trigger.ID)
		}
		return evaluateRouteTrigger(cfg, in), nil
	case domain.TriggerSimilarLoad:
		cfg := trigger.Config.SimilarLoad
		if cfg == nil {
			return Result{}, fmt.Errorf("trigger %d: missing similar_load config", trigger.ID)
		}
		return evaluateSimilarLoad(cfg, in), nil
	case domain.TriggerFavoriteAvailable:
		cfg := trigger.Config.FavoriteAvailable
		if cfg == nil {
			return Result{}, fmt.Errorf("trigger %d: missing favorite_available config", trigger.ID)
		}
		return evaluateFavoriteAvailable(cfg, in), nil
	case domain.TriggerDeadlineApproaching:
		cfg := trigger.Config.DeadlineApproaching
		if cfg == nil {
			return Result{}, fmt.Errorf("trigger %d: missing deadline_approaching config", trigger.ID)
		}
		return evaluateDeadline(cfg, in), nil
	default:
		return Result{}, fmt.Errorf("trigger %d: unknown type %q", trigger.ID, trigger.Type)
	}
}

// evaluateRouteTrigger handles exact_match triggers, covering exact, state
// and backhaul route identity. Exact matches are never distance-filtered;
// a configured distance range applies to state matches only.
func evaluateRouteTrigger(cfg *domain.ExactMatchConfig, in Input) Result {
	if len(cfg.FavoriteStops) < 2 || len(in.Bid.Stops) < 2 {
		return Result{}
	}
	favOrigin := cfg.FavoriteStops[0]
	favDest := cfg.FavoriteStops[len(cfg.FavoriteStops)-1]

	rm := CompareRoutes(favOrigin, favDest, in.Bid.Origin(), in.Bid.Destination(), backhaulEnabled(cfg, in.Prefs))
	if !rm.OK {
		return Result{}
	}

	// A trigger configured for state-level matching accepts state and
	// backhaul outcomes; one configured for exact matching accepts exact and
	// backhaul only.
	switch cfg.MatchKind {
	case domain.RouteKindExact:
		if rm.Kind == domain.MatchState {
			return Result{}
		}
	case domain.RouteKindState:
		if rm.Kind == domain.MatchExact {
			rm.Kind = domain.MatchState
		}
	}

	if rm.Kind == domain.MatchState && cfg.MaxDistanceMiles > 0 {
		d := in.Bid.DistanceMiles
		if d < cfg.MinDistanceMiles || d > cfg.MaxDistanceMiles {
			return Result{}
		}
	}

	return Result{
		Notify:    true,
		MatchType: rm.Kind,
		Reasons:   []string{fmt.Sprintf("route matches favorite %s", cfg.FavoriteBidNumber)},
	}
}

func evaluateSimilarLoad(cfg *domain.SimilarLoadConfig, in Input) Result {
	prefs := in.Prefs
	if prefs == nil || !prefs.SimilarLoadNotifications {
		return Result{}
	}

	// Hard gates before scoring: distance bounds and competition ceiling.
	min, max := prefs.MinDistanceMiles, prefs.MaxDistanceMiles
	if cfg.MinDistanceMiles > 0 || cfg.MaxDistanceMiles > 0 {
		min, max = cfg.MinDistanceMiles, cfg.MaxDistanceMiles
	}
	if max > 0 && (in.Bid.DistanceMiles < min || in.Bid.DistanceMiles > max) {
		return Result{}
	}
	if prefs.AvoidHighCompetition && prefs.MaxCompetitionBids > 0 && in.Bid.BidsCount > prefs.MaxCompetitionBids {
		return Result{}
	}

	score, _, reasons := ScoreSimilarLoad(in.Bid, prefs, in.Favorites, in.Now)
	if score < prefs.MinMatchScore {
		return Result{MatchType: domain.MatchSimilarLoad, Score: score}
	}
	return Result{
		Notify:    true,
		MatchType: domain.MatchSimilarLoad,
		Score:     score,
		Reasons:   reasons,
	}
}

func evaluateFavoriteAvailable(cfg *domain.FavoriteAvailableConfig, in Input) Result {
	for _, bidNumber := range cfg.FavoriteBidNumbers {
		fav, ok := in.FavoriteBids[bidNumber]
		if !ok || fav == nil {
			continue
		}
		if fav.Active(in.Now) {
			return Result{
				Notify:    true,
				MatchType: domain.MatchFavoriteAvailable,
				Reasons:   []string{fmt.Sprintf("favorite %s is open for bids", bidNumber)},
			}
		}
	}
	return Result{MatchType: domain.MatchFavoriteAvailable}
}

func evaluateDeadline(cfg *domain.DeadlineApproachingConfig, in Input) Result {
	threshold := cfg.WarningThreshold
	if threshold <= 0 {
		threshold = domain.DefaultDeadlineWarning
	}
	for _, fav := range in.Favorites {
		bid, ok := in.FavoriteBids[fav.BidNumber]
		if !ok || bid == nil || bid.Archived {
			continue
		}
		remaining := bid.Remaining(in.Now)
		if remaining > 0 && remaining <= threshold {
			return Result{
				Notify:    true,
				MatchType: domain.MatchDeadlineApproaching,
				Reasons:   []string{fmt.Sprintf("favorite %s expires in %s", fav.BidNumber, remaining.Round(time.Second))},
			}
		}
	}
	return Result{MatchType: domain.MatchDeadlineApproaching}
}

// BuildMessage renders the short plain-text summary stored in the ledger
// and the in-app feed. Email rendering happens outside the core.
func BuildMessage(res Result, bid *domain.Bid) string {
	switch res.MatchType {
	case domain.MatchExact:
		return fmt.Sprintf("Exact route match: %s: %s to %s, %.0f mi.", bid.BidNumber, bid.Origin(), bid.Destination(), bid.DistanceMiles)
	case domain.MatchState:
		return fmt.Sprintf("State route match: %s: %s to %s, %.0f mi.", bid.BidNumber, bid.Origin(), bid.Destination(), bid.DistanceMiles)
	case domain.MatchBackhaul:
		return fmt.Sprintf("Backhaul opportunity: %s: %s to %s, %.0f mi.", bid.BidNumber, bid.Origin(), bid.Destination(), bid.DistanceMiles)
	case domain.MatchSimilarLoad:
		return fmt.Sprintf("High-match load found! %s - %.0fmi, %s. Match: %d%%.", bid.BidNumber, bid.DistanceMiles, bid.Tag, res.Score)
	case domain.MatchFavoriteAvailable:
		return fmt.Sprintf("Your favorite %s is available again.", bid.BidNumber)
	case domain.MatchDeadlineApproaching:
		return fmt.Sprintf("Bid %s closes soon, respond before the window ends.", bid.BidNumber)
	default:
		return fmt.Sprintf("Bid %s matched your alerts.", bid.BidNumber)
	}
}
