package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
	"github.com/novabuild/bidalert/internal/queue"
	"github.com/novabuild/bidalert/internal/store"
)

// Dispatcher fans a bid out to evaluation jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, bidNumber string) (int, error)
}

// QueueInspector reads queue state for the operational endpoints.
type QueueInspector interface {
	LaneStats(ctx context.Context, lane queue.Lane) (*queue.Stats, error)
	DeadLetters(ctx context.Context, lane queue.Lane, limit int64) ([]queue.Job, error)
}

// CarrierStore defines the carrier-facing database operations.
type CarrierStore interface {
	GetPreferences(ctx context.Context, carrierID string) (*domain.Preferences, error)
	UpsertPreferences(ctx context.Context, p *domain.Preferences) error
	ListFavorites(ctx context.Context, carrierID string) ([]domain.Favorite, error)
	AddFavorite(ctx context.Context, f *domain.Favorite) error
	RemoveFavorite(ctx context.Context, carrierID, bidNumber string) error
	ListCarrierNotifications(ctx context.Context, carrierID string, limit int) ([]store.CarrierNotification, error)
}

// Invalidator drops cache entries after writes.
type Invalidator interface {
	InvalidatePreferences(ctx context.Context, carrierID string) error
	InvalidateFavorites(ctx context.Context, carrierID string) error
}

// DispatchResponse is returned after fanning out a bid.
type DispatchResponse struct {
	BidNumber string `json:"bid_number"`
	Jobs      int    `json:"jobs"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	store      CarrierStore
	dispatcher Dispatcher
	queues     QueueInspector
	cache      Invalidator // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, store CarrierStore, dispatcher Dispatcher, queues QueueInspector, cache Invalidator) *Handler {
	return &Handler{
		logger:     logger,
		store:      store,
		dispatcher: dispatcher,
		queues:     queues,
		cache:      cache,
	}
}

// DispatchBid handles POST /v1/bids/{bidNumber}/dispatch. It is the HTTP
// ingestion boundary, equivalent to a bid event arriving on the queue.
func (h *Handler) DispatchBid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bidNumber := chi.URLParam(r, "bidNumber")
	if bidNumber == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing bid number", "")
		return
	}

	jobs, err := h.dispatcher.Dispatch(ctx, bidNumber)
	if err != nil {
		h.logger.Error("dispatch failed",
			zap.Error(err),
			zap.String("bid_number", bidNumber),
		)
		h.writeError(w, http.StatusBadGateway, "dispatch_error", "Failed to dispatch bid", "")
		return
	}

	h.logger.Info("bid dispatched via api",
		zap.String("bid_number", bidNumber),
		zap.Int("jobs", jobs),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(DispatchResponse{BidNumber: bidNumber, Jobs: jobs})
}

// QueueStats handles GET /v1/queues/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	lanes := map[string]*queue.Stats{}
	for _, lane := range []queue.Lane{queue.LaneNormal, queue.LaneUrgent} {
		stats, err := h.queues.LaneStats(ctx, lane)
		if err != nil {
			h.logger.Error("queue stats failed", zap.Error(err), zap.String("lane", string(lane)))
			h.writeError(w, http.StatusInternalServerError, "queue_error", "Failed to read queue stats", "")
			return
		}
		lanes[string(lane)] = stats
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"lanes": lanes})
}

// DeadLetters handles GET /v1/queues/{lane}/dead?limit=50
func (h *Handler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	lane := queue.Lane(chi.URLParam(r, "lane"))
	if lane != queue.LaneNormal && lane != queue.LaneUrgent {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown lane",
			"lane must be notifications or urgent-notifications")
		return
	}

	limit := int64(50)
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.ParseInt(limitStr, 10, 64); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	jobs, err := h.queues.DeadLetters(ctx, lane, limit)
	if err != nil {
		h.logger.Error("dead letter read failed", zap.Error(err), zap.String("lane", string(lane)))
		h.writeError(w, http.StatusInternalServerError, "queue_error", "Failed to read dead letters", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"lane":  lane,
		"count": len(jobs),
		"data":  jobs,
	})
}

// GetPreferences handles GET /v1/carriers/{id}/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	carrierID := chi.URLParam(r, "id")
	prefs, err := h.store.GetPreferences(ctx, carrierID)
	if err != nil {
		h.logger.Error("failed to get preferences",
			zap.Error(err),
			zap.String("carrier_id", carrierID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load preferences", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(prefs)
}

// UpdatePreferences handles PUT /v1/carriers/{id}/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	carrierID := chi.URLParam(r, "id")

	var prefs domain.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	prefs.CarrierID = carrierID

	if detail := validatePreferences(&prefs); detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid preferences", detail)
		return
	}

	if err := h.store.UpsertPreferences(ctx, &prefs); err != nil {
		h.logger.Error("failed to upsert preferences",
			zap.Error(err),
			zap.String("carrier_id", carrierID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save preferences", "")
		return
	}

	// Invalidation is best effort; the cache TTL bounds staleness anyway.
	if h.cache != nil {
		if err := h.cache.InvalidatePreferences(ctx, carrierID); err != nil {
			h.logger.Warn("preference cache invalidation failed",
				zap.Error(err),
				zap.String("carrier_id", carrierID),
			)
		}
	}

	h.logger.Info("preferences updated", zap.String("carrier_id", carrierID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(prefs)
}

// AddFavorite handles POST /v1/carriers/{id}/favorites
func (h *Handler) AddFavorite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	carrierID := chi.URLParam(r, "id")

	var fav domain.Favorite
	if err := json.NewDecoder(r.Body).Decode(&fav); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	fav.CarrierID = carrierID

	if fav.BidNumber == "" || len(fav.Stops) < 2 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid favorite",
			"bid_number and at least two stops are required")
		return
	}

	if err := h.store.AddFavorite(ctx, &fav); err != nil {
		h.logger.Error("failed to add favorite",
			zap.Error(err),
			zap.String("carrier_id", carrierID),
			zap.String("bid_number", fav.BidNumber),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save favorite", "")
		return
	}

	if h.cache != nil {
		if err := h.cache.InvalidateFavorites(ctx, carrierID); err != nil {
			h.logger.Warn("favorite cache invalidation failed", zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(fav)
}

// RemoveFavorite handles DELETE /v1/carriers/{id}/favorites/{bidNumber}
func (h *Handler) RemoveFavorite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	carrierID := chi.URLParam(r, "id")
	bidNumber := chi.URLParam(r, "bidNumber")

	if err := h.store.RemoveFavorite(ctx, carrierID, bidNumber); err != nil {
		h.logger.Error("failed to remove favorite",
			zap.Error(err),
			zap.String("carrier_id", carrierID),
			zap.String("bid_number", bidNumber),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to remove favorite", "")
		return
	}

	if h.cache != nil {
		if err := h.cache.InvalidateFavorites(ctx, carrierID); err != nil {
			h.logger.Warn("favorite cache invalidation failed", zap.Error(err))
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListFavorites handles GET /v1/carriers/{id}/favorites
func (h *Handler) ListFavorites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	carrierID := chi.URLParam(r, "id")
	favorites, err := h.store.ListFavorites(ctx, carrierID)
	if err != nil {
		h.logger.Error("failed to list favorites",
			zap.Error(err),
			zap.String("carrier_id", carrierID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list favorites", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":  favorites,
		"count": len(favorites),
	})
}

// ListNotifications handles GET /v1/carriers/{id}/notifications?limit=50
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	carrierID := chi.URLParam(r, "id")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	notifications, err := h.store.ListCarrierNotifications(ctx, carrierID, limit)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("carrier_id", carrierID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":  notifications,
		"count": len(notifications),
		"limit": limit,
	})
}

func validatePreferences(p *domain.Preferences) string {
	if p.MinDistanceMiles < 0 || p.MaxDistanceMiles < 0 {
		return "distance bounds must be >= 0"
	}
	if p.MaxDistanceMiles > 0 && p.MinDistanceMiles > p.MaxDistanceMiles {
		return "min_distance_miles must not exceed max_distance_miles"
	}
	if p.MinMatchScore < 0 || p.MinMatchScore > 100 {
		return "min_match_score must be between 0 and 100"
	}
	switch p.Tier {
	case domain.TierPremium, domain.TierStandard, domain.TierNew, "":
	default:
		return "tier must be premium, standard, or new"
	}
	return ""
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
