package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerType identifies what kind of bid should produce a notification.
type TriggerType string

const (
	TriggerExactMatch          TriggerType = "exact_match"
	TriggerSimilarLoad         TriggerType = "similar_load"
	TriggerFavoriteAvailable   TriggerType = "favorite_available"
	TriggerDeadlineApproaching TriggerType = "deadline_approaching"
)

// MatchType labels how a bid matched, and selects the email template on the
// rendering side.
type MatchType string

const (
	MatchExact               MatchType = "exact_match"
	MatchState               MatchType = "state_match"
	MatchBackhaul            MatchType = "backhaul"
	MatchSimilarLoad         MatchType = "similar_load"
	MatchFavoriteAvailable   MatchType = "favorite_available"
	MatchDeadlineApproaching MatchType = "deadline_approaching"
)

// Cooldown is the minimum time between repeated notifications of the same
// kind for the same (carrier, bid). Keyed by match type: rapid distinct-bid
// route matches use short windows, availability and deadline reminders use
// long ones.
func (m MatchType) Cooldown() time.Duration {
	switch m {
	case MatchExact:
		return 90 * time.Second
	case MatchState, MatchBackhaul:
		return 5 * time.Minute
	case MatchSimilarLoad:
		return 8 * time.Minute
	case MatchFavoriteAvailable:
		return 6 * time.Hour
	case MatchDeadlineApproaching:
		return 3 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Urgent reports whether the match type belongs in the urgent queue lane.
func (t TriggerType) Urgent() bool {
	return t == TriggerExactMatch || t == TriggerDeadlineApproaching
}

// RouteMatchKind selects the strictness of favorite-route matching for an
// exact_match trigger.
type RouteMatchKind string

const (
	RouteKindExact RouteMatchKind = "exact"
	RouteKindState RouteMatchKind = "state"
)

// ExactMatchConfig configures an exact_match trigger: match new bids against
// one saved favorite route.
type ExactMatchConfig struct {
	FavoriteBidNumber string         `json:"favoriteBidNumber"`
	FavoriteStops     []string       `json:"favoriteStops"`
	MatchKind         RouteMatchKind `json:"matchKind,omitempty"`
	// BackhaulEnabled overrides the carrier preference when set.
	BackhaulEnabled *bool `json:"backhaulEnabled,omitempty"`
	// Distance range applies to state matches only; exact route identity is
	// never distance-filtered.
	MinDistanceMiles float64 `json:"minDistanceMiles,omitempty"`
	MaxDistanceMiles float64 `json:"maxDistanceMiles,omitempty"`
}

// SimilarLoadConfig configures a similar_load trigger: weighted-similarity
// matching against the carrier's favorites and state preferences.
type SimilarLoadConfig struct {
	StatePreferences  []string `json:"statePreferences,omitempty"`
	DistanceThreshold float64  `json:"distanceThreshold,omitempty"`
	MinDistanceMiles  float64  `json:"minDistanceMiles,omitempty"`
	MaxDistanceMiles  float64  `json:"maxDistanceMiles,omitempty"`
}

// FavoriteAvailableConfig configures a favorite_available trigger.
type FavoriteAvailableConfig struct {
	FavoriteBidNumbers []string `json:"favoriteBidNumbers"`
}

// DeadlineApproachingConfig configures a deadline_approaching trigger.
type DeadlineApproachingConfig struct {
	// WarningThreshold is how close to expiry a favorited bid must be before
	// the reminder fires. Defaults to 5 minutes.
	WarningThreshold time.Duration `json:"-"`

	WarningThresholdMinutes int `json:"warningThresholdMinutes,omitempty"`
}

// DefaultDeadlineWarning is used when a deadline trigger carries no
// configured threshold.
const DefaultDeadlineWarning = 5 * time.Minute

// TriggerConfig is the tagged union of per-type configuration. Exactly one
// field is non-nil, matching the trigger's Type.
type TriggerConfig struct {
	ExactMatch          *ExactMatchConfig
	SimilarLoad         *SimilarLoadConfig
	FavoriteAvailable   *FavoriteAvailableConfig
	DeadlineApproaching *DeadlineApproachingConfig
}

// Trigger is a carrier-configured rule describing what kind of bid should
// produce a notification. Created and edited outside the core; consumed
// read-only here.
type Trigger struct {
	ID        int64         `json:"id"`
	CarrierID string        `json:"carrier_id"`
	Type      TriggerType   `json:"trigger_type"`
	Config    TriggerConfig `json:"-"`
	Active    bool          `json:"is_active"`

	// RawConfig preserves the stored blob for queue snapshots.
	RawConfig json.RawMessage `json:"trigger_config"`
}

// DecodeConfig parses raw into the typed variant for the given trigger type.
// A blob that does not decode is a per-trigger evaluation error; it must not
// abort the rest of a carrier's job.
func DecodeConfig(t TriggerType, raw json.RawMessage) (TriggerConfig, error) {
	var cfg TriggerConfig
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch t {
	case TriggerExactMatch:
		var c ExactMatchConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return cfg, fmt.Errorf("decode exact_match config: %w", err)
		}
		if c.MatchKind == "" {
			c.MatchKind = RouteKindExact
		}
		cfg.ExactMatch = &c
	case TriggerSimilarLoad:
		var c SimilarLoadConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return cfg, fmt.Errorf("decode similar_load config: %w", err)
		}
		if c.DistanceThreshold == 0 {
			c.DistanceThreshold = 50
		}
		cfg.SimilarLoad = &c
	case TriggerFavoriteAvailable:
		var c FavoriteAvailableConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return cfg, fmt.Errorf("decode favorite_available config: %w", err)
		}
		cfg.FavoriteAvailable = &c
	case TriggerDeadlineApproaching:
		var c DeadlineApproachingConfig
		if err := json.Unmarshal(raw, &c); err != nil {
			return cfg, fmt.Errorf("decode deadline_approaching config: %w", err)
		}
		c.WarningThreshold = DefaultDeadlineWarning
		if c.WarningThresholdMinutes > 0 {
			c.WarningThreshold = time.Duration(c.WarningThresholdMinutes) * time.Minute
		}
		cfg.DeadlineApproaching = &c
	default:
		return cfg, fmt.Errorf("unknown trigger type: %s", t)
	}
	return cfg, nil
}
