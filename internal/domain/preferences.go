package domain

// Tier classifies a carrier for rate-limit purposes. Higher tiers get a
// larger share of the hourly notification ceiling.
type Tier string

const (
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
	TierNew      Tier = "new"
)

// Multiplier scales the base hourly notification ceiling for the tier.
func (t Tier) Multiplier() float64 {
	switch t {
	case TierPremium:
		return 3.0
	case TierStandard:
		return 1.0
	case TierNew:
		return 0.5
	default:
		return 0.5
	}
}

// Preferences is a carrier's notification configuration. One row per
// carrier; last write wins. Cached with a short TTL and invalidated
// best-effort on update.
type Preferences struct {
	CarrierID string `json:"carrier_id"`

	EmailNotifications       bool     `json:"email_notifications"`
	SimilarLoadNotifications bool     `json:"similar_load_notifications"`
	StatePreferences         []string `json:"state_preferences"`
	MinDistanceMiles         float64  `json:"min_distance_miles"`
	MaxDistanceMiles         float64  `json:"max_distance_miles"`

	MinMatchScore       int  `json:"min_match_score"`
	RouteMatchThreshold int  `json:"route_match_threshold"`
	PrioritizeBackhaul  bool `json:"prioritize_backhaul"`

	AvoidHighCompetition bool `json:"avoid_high_competition"`
	MaxCompetitionBids   int  `json:"max_competition_bids"`

	// TimingRelevanceDays is how far ahead a pickup can be and still count
	// as timely.
	TimingRelevanceDays int `json:"timing_relevance_days"`

	Tier Tier `json:"tier"`
}

// DefaultPreferences are applied for carriers that have never saved a
// preference row.
func DefaultPreferences(carrierID string) *Preferences {
	return &Preferences{
		CarrierID:                carrierID,
		EmailNotifications:       true,
		SimilarLoadNotifications: true,
		MinDistanceMiles:         0,
		MaxDistanceMiles:         2000,
		MinMatchScore:            70,
		RouteMatchThreshold:      60,
		PrioritizeBackhaul:       false,
		AvoidHighCompetition:     false,
		MaxCompetitionBids:       10,
		TimingRelevanceDays:      7,
		Tier:                     TierNew,
	}
}
