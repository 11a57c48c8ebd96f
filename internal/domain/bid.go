// Package domain holds the core types shared by the matching engine,
// the job queue, and the delivery pipeline.
package domain

import (
	"time"
)

// BidWindow is how long a bid stays open for carrier responses after it
// is received. Bids expire automatically once the window passes.
const BidWindow = 25 * time.Minute

// Bid is a time-boxed freight load available for carrier response.
// Stops are ordered: origin first, destination last.
type Bid struct {
	BidNumber     string    `json:"bid_number"`
	Stops         []string  `json:"stops"`
	DistanceMiles float64   `json:"distance_miles"`
	Tag           string    `json:"tag"`
	ReceivedAt    time.Time `json:"received_at"`
	PickupAt      time.Time `json:"pickup_at"`
	DeliveryAt    time.Time `json:"delivery_at"`
	BidsCount     int       `json:"bids_count"`
	Archived      bool      `json:"archived"`
}

// Origin returns the first stop, or "" when the bid has no stops.
func (b *Bid) Origin() string {
	if len(b.Stops) == 0 {
		return ""
	}
	return b.Stops[0]
}

// Destination returns the last stop, or "" when the bid has no stops.
func (b *Bid) Destination() string {
	if len(b.Stops) == 0 {
		return ""
	}
	return b.Stops[len(b.Stops)-1]
}

// ExpiresAt is the end of the bid's validity window.
func (b *Bid) ExpiresAt() time.Time {
	return b.ReceivedAt.Add(BidWindow)
}

// Active reports whether the bid can still be responded to at the given time.
func (b *Bid) Active(now time.Time) bool {
	return !b.Archived && now.Before(b.ExpiresAt())
}

// Remaining returns how much of the validity window is left. Negative once
// the bid has expired.
func (b *Bid) Remaining(now time.Time) time.Duration {
	return b.ExpiresAt().Sub(now)
}

// Favorite is a carrier's saved reference to a bid, carrying a denormalized
// snapshot of the route so matching keeps working after the original bid is
// archived.
type Favorite struct {
	CarrierID     string    `json:"carrier_id"`
	BidNumber     string    `json:"bid_number"`
	Stops         []string  `json:"stops"`
	DistanceMiles float64   `json:"distance_miles"`
	Tag           string    `json:"tag"`
	CreatedAt     time.Time `json:"created_at"`
}

// Origin returns the favorite route's first stop.
func (f *Favorite) Origin() string {
	if len(f.Stops) == 0 {
		return ""
	}
	return f.Stops[0]
}

// Destination returns the favorite route's last stop.
func (f *Favorite) Destination() string {
	if len(f.Stops) == 0 {
		return ""
	}
	return f.Stops[len(f.Stops)-1]
}
