package domain

import (
	"fmt"
	"time"
)

// Delivery status constants for notification log entries.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// NotificationLog is the immutable record of a sent notification. It is the
// sole source of truth for cooldown checks and audit; rows are appended,
// never updated.
type NotificationLog struct {
	ID             int64     `json:"id"`
	CarrierID      string    `json:"carrier_id"`
	TriggerID      int64     `json:"trigger_id"`
	BidNumber      string    `json:"bid_number"`
	MatchType      MatchType `json:"notification_type"`
	Message        string    `json:"message"`
	SentAt         time.Time `json:"sent_at"`
	DeliveryStatus string    `json:"delivery_status"`
}

// DedupKey identifies the (carrier, trigger, bid, type) tuple that may
// produce at most one notification per cooldown window.
func (n *NotificationLog) DedupKey() string {
	return DedupKey(n.CarrierID, n.TriggerID, n.BidNumber, n.MatchType)
}

// DedupKey builds the stable cooldown key for a candidate notification.
func DedupKey(carrierID string, triggerID int64, bidNumber string, matchType MatchType) string {
	return fmt.Sprintf("%s:%d:%s:%s", carrierID, triggerID, bidNumber, matchType)
}

// Notification is an accepted candidate on its way to the sinks: the ledger,
// the in-app feed, and the email batch queue. The template fields are what
// the external renderer needs; the core never renders HTML.
type Notification struct {
	CarrierID string    `json:"carrier_id"`
	TriggerID int64     `json:"trigger_id"`
	BidNumber string    `json:"bid_number"`
	MatchType MatchType `json:"match_type"`
	Message   string    `json:"message"`

	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Miles       float64   `json:"miles"`
	StopCount   int       `json:"stop_count"`
	PickupAt    time.Time `json:"pickup_at"`
	DeliveryAt  time.Time `json:"delivery_at"`
	Score       int       `json:"score,omitempty"`
	Reasons     []string  `json:"reasons,omitempty"`
}

// Title returns the in-app feed headline for the match type.
func (n *Notification) Title() string {
	switch n.MatchType {
	case MatchExact:
		return "Exact Match Available"
	case MatchState:
		return "State Route Match"
	case MatchBackhaul:
		return "Backhaul Opportunity"
	case MatchSimilarLoad:
		return "Similar Load Found"
	case MatchFavoriteAvailable:
		return "Favorite Load Available"
	case MatchDeadlineApproaching:
		return "Deadline Approaching"
	default:
		return "Bid Notification"
	}
}
