package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
)

// Repository handles database operations for the notification pipeline.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a repository over the given pool.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetPreferences loads a carrier's preferences. Carriers that never
// saved a row get the defaults.
func (r *Repository) GetPreferences(ctx context.Context, carrierID string) (*domain.Preferences, error) {
	query := `
		SELECT
			carrier_id, email_notifications, similar_load_notifications,
			state_preferences, min_distance_miles, max_distance_miles,
			min_match_score, route_match_threshold, prioritize_backhaul,
			avoid_high_competition, max_competition_bids,
			timing_relevance_days, tier
		FROM carrier_preferences
		WHERE carrier_id = $1
	`

	var p domain.Preferences
	err := r.db.Pool().QueryRow(ctx, query, carrierID).Scan(
		&p.CarrierID,
		&p.EmailNotifications,
		&p.SimilarLoadNotifications,
		&p.StatePreferences,
		&p.MinDistanceMiles,
		&p.MaxDistanceMiles,
		&p.MinMatchScore,
		&p.RouteMatchThreshold,
		&p.PrioritizeBackhaul,
		&p.AvoidHighCompetition,
		&p.MaxCompetitionBids,
		&p.TimingRelevanceDays,
		&p.Tier,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DefaultPreferences(carrierID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	return &p, nil
}

// UpsertPreferences writes a carrier's preferences, last write wins.
func (r *Repository) UpsertPreferences(ctx context.Context, p *domain.Preferences) error {
	query := `
		INSERT INTO carrier_preferences (
			carrier_id, email_notifications, similar_load_notifications,
			state_preferences, min_distance_miles, max_distance_miles,
			min_match_score, route_match_threshold, prioritize_backhaul,
			avoid_high_competition, max_competition_bids,
			timing_relevance_days, tier, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())
		ON CONFLICT (carrier_id) DO UPDATE SET
			email_notifications = EXCLUDED.email_notifications,
			similar_load_notifications = EXCLUDED.similar_load_notifications,
			state_preferences = EXCLUDED.state_preferences,
			min_distance_miles = EXCLUDED.min_distance_miles,
			max_distance_miles = EXCLUDED.max_distance_miles,
			min_match_score = EXCLUDED.min_match_score,
			route_match_threshold = EXCLUDED.route_match_threshold,
			prioritize_backhaul = EXCLUDED.prioritize_backhaul,
			avoid_high_competition = EXCLUDED.avoid_high_competition,
			max_competition_bids = EXCLUDED.max_competition_bids,
			timing_relevance_days = EXCLUDED.timing_relevance_days,
			tier = EXCLUDED.tier,
			updated_at = now()
	`

	_, err := r.db.Pool().Exec(ctx, query,
		p.CarrierID,
		p.EmailNotifications,
		p.SimilarLoadNotifications,
		p.StatePreferences,
		p.MinDistanceMiles,
		p.MaxDistanceMiles,
		p.MinMatchScore,
		p.RouteMatchThreshold,
		p.PrioritizeBackhaul,
		p.AvoidHighCompetition,
		p.MaxCompetitionBids,
		p.TimingRelevanceDays,
		p.Tier,
	)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}

	r.logger.Info("preferences updated", zap.String("carrier_id", p.CarrierID))
	return nil
}

// ListFavorites returns a carrier's favorited loads with their route
// snapshots.
func (r *Repository) ListFavorites(ctx context.Context, carrierID string) ([]domain.Favorite, error) {
	query := `
		SELECT carrier_id, bid_number, stops, distance_miles, tag, created_at
		FROM favorites
		WHERE carrier_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, carrierID)
	if err != nil {
		return nil, fmt.Errorf("query favorites: %w", err)
	}
	defer rows.Close()

	var favorites []domain.Favorite
	for rows.Next() {
		var f domain.Favorite
		if err := rows.Scan(&f.CarrierID, &f.BidNumber, &f.Stops, &f.DistanceMiles, &f.Tag, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan favorite: %w", err)
		}
		favorites = append(favorites, f)
	}
	return favorites, rows.Err()
}

// AddFavorite saves a favorite with a denormalized snapshot of the
// bid's route, so matching keeps working after the bid is archived.
func (r *Repository) AddFavorite(ctx context.Context, f *domain.Favorite) error {
	query := `
		INSERT INTO favorites (carrier_id, bid_number, stops, distance_miles, tag, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (carrier_id, bid_number) DO NOTHING
	`
	_, err := r.db.Pool().Exec(ctx, query, f.CarrierID, f.BidNumber, f.Stops, f.DistanceMiles, f.Tag)
	if err != nil {
		return fmt.Errorf("insert favorite: %w", err)
	}
	return nil
}

// RemoveFavorite deletes one favorite.
func (r *Repository) RemoveFavorite(ctx context.Context, carrierID, bidNumber string) error {
	_, err := r.db.Pool().Exec(ctx,
		`DELETE FROM favorites WHERE carrier_id = $1 AND bid_number = $2`,
		carrierID, bidNumber,
	)
	if err != nil {
		return fmt.Errorf("delete favorite: %w", err)
	}
	return nil
}

// ListActiveTriggers returns a carrier's enabled triggers with their raw
// config blobs. Config decoding happens at evaluation time so one bad
// blob cannot poison the list.
func (r *Repository) ListActiveTriggers(ctx context.Context, carrierID string) ([]domain.Trigger, error) {
	query := `
		SELECT id, carrier_id, trigger_type, trigger_config, is_active
		FROM triggers
		WHERE carrier_id = $1 AND is_active = true
		ORDER BY id
	`

	rows, err := r.db.Pool().Query(ctx, query, carrierID)
	if err != nil {
		return nil, fmt.Errorf("query triggers: %w", err)
	}
	defer rows.Close()

	var triggers []domain.Trigger
	for rows.Next() {
		var t domain.Trigger
		if err := rows.Scan(&t.ID, &t.CarrierID, &t.Type, &t.RawConfig, &t.Active); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// ListRelevantCarriers returns carriers with an active trigger whose
// route snapshot mentions any of the given states or cities. The
// route_snapshot column is denormalized search text maintained by the
// trigger editor.
func (r *Repository) ListRelevantCarriers(ctx context.Context, states, cities []string) ([]string, error) {
	terms := make([]string, 0, len(states)+len(cities))
	for _, st := range states {
		terms = append(terms, "%, "+st+"%")
	}
	for _, city := range cities {
		terms = append(terms, "%"+city+"%")
	}
	if len(terms) == 0 {
		return r.ListActiveCarriers(ctx)
	}

	query := `
		SELECT DISTINCT carrier_id
		FROM triggers
		WHERE is_active = true
		  AND (trigger_type IN ('similar_load', 'deadline_approaching')
		       OR route_snapshot ILIKE ANY($1))
	`

	rows, err := r.db.Pool().Query(ctx, query, terms)
	if err != nil {
		return nil, fmt.Errorf("query relevant carriers: %w", err)
	}
	defer rows.Close()

	return scanCarrierIDs(rows)
}

// ListActiveCarriers returns every carrier with at least one active
// trigger.
func (r *Repository) ListActiveCarriers(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT DISTINCT carrier_id FROM triggers WHERE is_active = true`,
	)
	if err != nil {
		return nil, fmt.Errorf("query active carriers: %w", err)
	}
	defer rows.Close()

	return scanCarrierIDs(rows)
}

func scanCarrierIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan carrier id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetBid loads one bid by number.
func (r *Repository) GetBid(ctx context.Context, bidNumber string) (*domain.Bid, error) {
	query := `
		SELECT bid_number, stops, distance_miles, tag,
		       received_at, pickup_at, delivery_at, bids_count, archived
		FROM bids
		WHERE bid_number = $1
	`

	var b domain.Bid
	err := r.db.Pool().QueryRow(ctx, query, bidNumber).Scan(
		&b.BidNumber, &b.Stops, &b.DistanceMiles, &b.Tag,
		&b.ReceivedAt, &b.PickupAt, &b.DeliveryAt, &b.BidsCount, &b.Archived,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("bid not found: %s", bidNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("query bid: %w", err)
	}
	return &b, nil
}

// GetBids loads a set of bids keyed by bid number. Missing numbers are
// simply absent from the result.
func (r *Repository) GetBids(ctx context.Context, bidNumbers []string) (map[string]*domain.Bid, error) {
	if len(bidNumbers) == 0 {
		return map[string]*domain.Bid{}, nil
	}

	query := `
		SELECT bid_number, stops, distance_miles, tag,
		       received_at, pickup_at, delivery_at, bids_count, archived
		FROM bids
		WHERE bid_number = ANY($1)
	`

	rows, err := r.db.Pool().Query(ctx, query, bidNumbers)
	if err != nil {
		return nil, fmt.Errorf("query bids: %w", err)
	}
	defer rows.Close()

	bids := make(map[string]*domain.Bid, len(bidNumbers))
	for rows.Next() {
		var b domain.Bid
		if err := rows.Scan(
			&b.BidNumber, &b.Stops, &b.DistanceMiles, &b.Tag,
			&b.ReceivedAt, &b.PickupAt, &b.DeliveryAt, &b.BidsCount, &b.Archived,
		); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bids[b.BidNumber] = &b
	}
	return bids, rows.Err()
}

// ListClosingBids returns unarchived bids whose windows end within the
// given horizon, for the deadline sweep.
func (r *Repository) ListClosingBids(ctx context.Context, now time.Time, horizon time.Duration) ([]domain.Bid, error) {
	query := `
		SELECT bid_number, stops, distance_miles, tag,
		       received_at, pickup_at, delivery_at, bids_count, archived
		FROM bids
		WHERE archived = false
		  AND received_at + interval '25 minutes' BETWEEN $1 AND $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, now.Add(horizon))
	if err != nil {
		return nil, fmt.Errorf("query closing bids: %w", err)
	}
	defer rows.Close()

	var bids []domain.Bid
	for rows.Next() {
		var b domain.Bid
		if err := rows.Scan(
			&b.BidNumber, &b.Stops, &b.DistanceMiles, &b.Tag,
			&b.ReceivedAt, &b.PickupAt, &b.DeliveryAt, &b.BidsCount, &b.Archived,
		); err != nil {
			return nil, fmt.Errorf("scan bid: %w", err)
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// ArchiveExpiredBids marks bids whose windows have passed. Returns how
// many rows changed.
func (r *Repository) ArchiveExpiredBids(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE bids SET archived = true
		 WHERE archived = false AND received_at + interval '25 minutes' < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("archive bids: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListCarriersFavoriting returns carriers who favorited the given bid.
func (r *Repository) ListCarriersFavoriting(ctx context.Context, bidNumber string) ([]string, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT DISTINCT carrier_id FROM favorites WHERE bid_number = $1`,
		bidNumber,
	)
	if err != nil {
		return nil, fmt.Errorf("query favoriting carriers: %w", err)
	}
	defer rows.Close()

	return scanCarrierIDs(rows)
}

// AppendNotificationLog inserts one delivery record. The unique index on
// (carrier_id, trigger_id, bid_number, notification_type, sent_at) makes
// replays harmless.
func (r *Repository) AppendNotificationLog(ctx context.Context, log *domain.NotificationLog) error {
	query := `
		INSERT INTO notification_logs (
			carrier_id, trigger_id, bid_number, notification_type,
			message, sent_at, delivery_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
		RETURNING id
	`

	err := r.db.Pool().QueryRow(ctx, query,
		log.CarrierID, log.TriggerID, log.BidNumber, log.MatchType,
		log.Message, log.SentAt, log.DeliveryStatus,
	).Scan(&log.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: the row already exists, nothing to record.
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert notification log: %w", err)
	}
	return nil
}

// CarrierNotification is one entry in a carrier's in-app feed.
type CarrierNotification struct {
	ID        uuid.UUID        `json:"id"`
	CarrierID string           `json:"carrier_id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	MatchType domain.MatchType `json:"match_type"`
	BidNumber string           `json:"bid_number"`
	CreatedAt time.Time        `json:"created_at"`
	ReadAt    *time.Time       `json:"read_at,omitempty"`
}

// InsertCarrierNotification adds an accepted notification to the feed.
func (r *Repository) InsertCarrierNotification(ctx context.Context, n *domain.Notification) error {
	query := `
		INSERT INTO carrier_notifications (
			id, carrier_id, title, message, match_type, bid_number, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, now())
	`

	_, err := r.db.Pool().Exec(ctx, query,
		uuid.New(), n.CarrierID, n.Title(), n.Message, n.MatchType, n.BidNumber,
	)
	if err != nil {
		return fmt.Errorf("insert carrier notification: %w", err)
	}
	return nil
}

// ListCarrierNotifications returns the newest feed entries for a carrier.
func (r *Repository) ListCarrierNotifications(ctx context.Context, carrierID string, limit int) ([]CarrierNotification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `
		SELECT id, carrier_id, title, message, match_type, bid_number, created_at, read_at
		FROM carrier_notifications
		WHERE carrier_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, carrierID, limit)
	if err != nil {
		return nil, fmt.Errorf("query carrier notifications: %w", err)
	}
	defer rows.Close()

	var items []CarrierNotification
	for rows.Next() {
		var n CarrierNotification
		if err := rows.Scan(&n.ID, &n.CarrierID, &n.Title, &n.Message, &n.MatchType, &n.BidNumber, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, fmt.Errorf("scan carrier notification: %w", err)
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// GetCarrierEmail resolves the delivery address for a carrier.
func (r *Repository) GetCarrierEmail(ctx context.Context, carrierID string) (string, error) {
	var email string
	err := r.db.Pool().QueryRow(ctx,
		`SELECT email FROM carriers WHERE id = $1`, carrierID,
	).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("carrier not found: %s", carrierID)
	}
	if err != nil {
		return "", fmt.Errorf("query carrier email: %w", err)
	}
	return email, nil
}
