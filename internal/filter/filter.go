// Package filter decides which carriers are worth evaluating for an
// incoming bid. It narrows the fan-out from every carrier with an
// active trigger down to the ones whose trigger routes mention the
// bid's states or cities. The filter is advisory: when the narrowing
// query fails, every carrier with an active trigger gets a job, because
// a missed notification costs more than wasted evaluation work.
package filter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
	"github.com/novabuild/bidalert/internal/geo"
	"github.com/novabuild/bidalert/internal/metrics"
)

// TriggerSource answers the two carrier queries the filter needs.
type TriggerSource interface {
	// ListRelevantCarriers returns carriers whose active trigger route
	// snapshots mention any of the given state codes or city names.
	ListRelevantCarriers(ctx context.Context, states, cities []string) ([]string, error)
	// ListActiveCarriers returns every carrier with at least one active
	// trigger.
	ListActiveCarriers(ctx context.Context) ([]string, error)
}

// Filter narrows bid fan-out by route relevance.
type Filter struct {
	source TriggerSource
	logger *zap.Logger
}

// New creates a filter over the given trigger source.
func New(source TriggerSource, logger *zap.Logger) *Filter {
	return &Filter{source: source, logger: logger}
}

// Candidates returns the carriers that should receive an evaluation job
// for the bid. Falls back to all active carriers when the narrowing
// query fails; returns an error only when the fallback fails too.
func (f *Filter) Candidates(ctx context.Context, bid *domain.Bid) ([]string, error) {
	states, cities := routeTerms(bid)

	carriers, err := f.source.ListRelevantCarriers(ctx, states, cities)
	if err == nil {
		return carriers, nil
	}

	f.logger.Warn("relevance filter failed, falling back to all active carriers",
		zap.String("bid_number", bid.BidNumber),
		zap.Error(err),
	)
	metrics.RecordFilterFailOpen()

	carriers, ferr := f.source.ListActiveCarriers(ctx)
	if ferr != nil {
		return nil, fmt.Errorf("relevance fallback failed: %w", ferr)
	}
	return carriers, nil
}

// routeTerms extracts the state codes and city names from the bid's
// endpoint stops. Intermediate stops do not widen the fan-out.
func routeTerms(bid *domain.Bid) (states, cities []string) {
	seenState := map[string]bool{}
	seenCity := map[string]bool{}

	for _, stop := range []string{bid.Origin(), bid.Destination()} {
		if stop == "" {
			continue
		}
		if st := geo.ExtractState(stop); st != "" && !seenState[st] {
			seenState[st] = true
			states = append(states, st)
		}
		if cs, ok := geo.ParseCityState(stop); ok && !seenCity[cs.City] {
			seenCity[cs.City] = true
			cities = append(cities, cs.City)
		}
	}
	return states, cities
}
