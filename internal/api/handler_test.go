package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/novabuild/bidalert/internal/domain"
	"github.com/novabuild/bidalert/internal/queue"
	"github.com/novabuild/bidalert/internal/store"
)

var ErrDatabaseError = errors.New("database error")

// MockStore is a fake carrier database for testing
type MockStore struct {
	prefs     map[string]*domain.Preferences
	favorites map[string][]domain.Favorite
	feed      map[string][]store.CarrierNotification

	upsertCalled bool
	shouldFail   bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		prefs:     make(map[string]*domain.Preferences),
		favorites: make(map[string][]domain.Favorite),
		feed:      make(map[string][]store.CarrierNotification),
	}
}

func (m *MockStore) GetPreferences(ctx context.Context, carrierID string) (*domain.Preferences, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	if p, ok := m.prefs[carrierID]; ok {
		return p, nil
	}
	return domain.DefaultPreferences(carrierID), nil
}

func (m *MockStore) UpsertPreferences(ctx context.Context, p *domain.Preferences) error {
	m.upsertCalled = true
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.prefs[p.CarrierID] = p
	return nil
}

func (m *MockStore) ListFavorites(ctx context.Context, carrierID string) ([]domain.Favorite, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	return m.favorites[carrierID], nil
}

func (m *MockStore) AddFavorite(ctx context.Context, f *domain.Favorite) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.favorites[f.CarrierID] = append(m.favorites[f.CarrierID], *f)
	return nil
}

func (m *MockStore) RemoveFavorite(ctx context.Context, carrierID, bidNumber string) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	kept := m.favorites[carrierID][:0]
	for _, f := range m.favorites[carrierID] {
		if f.BidNumber != bidNumber {
			kept = append(kept, f)
		}
	}
	m.favorites[carrierID] = kept
	return nil
}

func (m *MockStore) ListCarrierNotifications(ctx context.Context, carrierID string, limit int) ([]store.CarrierNotification, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	feed := m.feed[carrierID]
	if len(feed) > limit {
		feed = feed[:limit]
	}
	return feed, nil
}

type mockDispatcher struct {
	jobs       int
	err        error
	dispatched []string
}

func (m *mockDispatcher) Dispatch(ctx context.Context, bidNumber string) (int, error) {
	m.dispatched = append(m.dispatched, bidNumber)
	return m.jobs, m.err
}

type mockQueues struct {
	stats map[queue.Lane]*queue.Stats
	dead  map[queue.Lane][]queue.Job
}

func (m *mockQueues) LaneStats(ctx context.Context, lane queue.Lane) (*queue.Stats, error) {
	if s, ok := m.stats[lane]; ok {
		return s, nil
	}
	return &queue.Stats{Lane: lane}, nil
}

func (m *mockQueues) DeadLetters(ctx context.Context, lane queue.Lane, limit int64) ([]queue.Job, error) {
	return m.dead[lane], nil
}

type mockInvalidator struct {
	prefs     []string
	favorites []string
}

func (m *mockInvalidator) InvalidatePreferences(ctx context.Context, carrierID string) error {
	m.prefs = append(m.prefs, carrierID)
	return nil
}

func (m *mockInvalidator) InvalidateFavorites(ctx context.Context, carrierID string) error {
	m.favorites = append(m.favorites, carrierID)
	return nil
}

func testRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Post("/bids/{bidNumber}/dispatch", h.DispatchBid)
		r.Get("/queues/stats", h.QueueStats)
		r.Get("/queues/{lane}/dead", h.DeadLetters)
		r.Get("/carriers/{id}/preferences", h.GetPreferences)
		r.Put("/carriers/{id}/preferences", h.UpdatePreferences)
		r.Get("/carriers/{id}/favorites", h.ListFavorites)
		r.Post("/carriers/{id}/favorites", h.AddFavorite)
		r.Delete("/carriers/{id}/favorites/{bidNumber}", h.RemoveFavorite)
		r.Get("/carriers/{id}/notifications", h.ListNotifications)
	})
	return r
}

func newFixture() (*Handler, *MockStore, *mockDispatcher, *mockInvalidator) {
	ms := NewMockStore()
	md := &mockDispatcher{jobs: 3}
	mi := &mockInvalidator{}
	mq := &mockQueues{stats: map[queue.Lane]*queue.Stats{
		queue.LaneNormal: {Lane: queue.LaneNormal, Waiting: 4, Completed: 12},
		queue.LaneUrgent: {Lane: queue.LaneUrgent, Waiting: 1, Dead: 2},
	}}
	h := NewHandler(zap.NewNop(), ms, md, mq, mi)
	return h, ms, md, mi
}

func TestDispatchBid(t *testing.T) {
	h, _, md, _ := newFixture()
	r := testRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/v1/bids/BID-42/dispatch", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(md.dispatched) != 1 || md.dispatched[0] != "BID-42" {
		t.Fatalf("dispatched = %v", md.dispatched)
	}

	var resp DispatchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Jobs != 3 || resp.BidNumber != "BID-42" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDispatchBid_DispatcherError(t *testing.T) {
	h, _, md, _ := newFixture()
	md.err = errors.New("filter down")
	r := testRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/v1/bids/BID-42/dispatch", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestQueueStats(t *testing.T) {
	h, _, _, _ := newFixture()
	r := testRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/v1/queues/stats", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Lanes map[string]queue.Stats `json:"lanes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Lanes["notifications"].Waiting != 4 {
		t.Fatalf("normal lane waiting = %d, want 4", resp.Lanes["notifications"].Waiting)
	}
	if resp.Lanes["urgent-notifications"].Dead != 2 {
		t.Fatalf("urgent lane dead = %d, want 2", resp.Lanes["urgent-notifications"].Dead)
	}
}

func TestDeadLetters_UnknownLane(t *testing.T) {
	h, _, _, _ := newFixture()
	r := testRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/v1/queues/bogus/dead", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestUpdatePreferences(t *testing.T) {
	h, ms, _, mi := newFixture()
	r := testRouter(h)

	body := `{
		"email_notifications": true,
		"state_preferences": ["IL", "WI"],
		"min_distance_miles": 100,
		"max_distance_miles": 900,
		"min_match_score": 80,
		"tier": "premium"
	}`
	req := httptest.NewRequest(http.MethodPut, "/v1/carriers/carrier-1/preferences", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if !ms.upsertCalled {
		t.Fatal("upsert not called")
	}
	saved := ms.prefs["carrier-1"]
	if saved == nil || saved.Tier != domain.TierPremium || saved.MinMatchScore != 80 {
		t.Fatalf("saved prefs = %+v", saved)
	}
	if len(mi.prefs) != 1 || mi.prefs[0] != "carrier-1" {
		t.Fatalf("cache invalidations = %v", mi.prefs)
	}
}

func TestUpdatePreferences_BodyCannotOverrideCarrier(t *testing.T) {
	h, ms, _, _ := newFixture()
	r := testRouter(h)

	body := `{"carrier_id": "carrier-2", "tier": "standard"}`
	req := httptest.NewRequest(http.MethodPut, "/v1/carriers/carrier-1/preferences", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if _, ok := ms.prefs["carrier-2"]; ok {
		t.Fatal("body carrier_id overrode URL carrier")
	}
	if ms.prefs["carrier-1"] == nil {
		t.Fatal("preferences not saved under URL carrier")
	}
}

func TestUpdatePreferences_Validation(t *testing.T) {
	h, _, _, _ := newFixture()
	r := testRouter(h)

	cases := []struct {
		name string
		body string
	}{
		{"inverted distance range", `{"min_distance_miles": 900, "max_distance_miles": 100}`},
		{"score out of bounds", `{"min_match_score": 150}`},
		{"unknown tier", `{"tier": "platinum"}`},
		{"malformed json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/v1/carriers/carrier-1/preferences", bytes.NewBufferString(tc.body))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestFavoriteLifecycle(t *testing.T) {
	h, ms, _, mi := newFixture()
	r := testRouter(h)

	body := `{"bid_number": "BID-7", "stops": ["CHICAGO, IL", "DETROIT, MI"], "distance_miles": 280}`
	req := httptest.NewRequest(http.MethodPost, "/v1/carriers/carrier-1/favorites", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("add status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if len(ms.favorites["carrier-1"]) != 1 {
		t.Fatalf("favorites = %v", ms.favorites["carrier-1"])
	}

	req = httptest.NewRequest(http.MethodDelete, "/v1/carriers/carrier-1/favorites/BID-7", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("remove status = %d, want 204", w.Code)
	}
	if len(ms.favorites["carrier-1"]) != 0 {
		t.Fatal("favorite not removed")
	}
	if len(mi.favorites) != 2 {
		t.Fatalf("cache invalidations = %v, want one per write", mi.favorites)
	}
}

func TestAddFavorite_RequiresRoute(t *testing.T) {
	h, _, _, _ := newFixture()
	r := testRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/v1/carriers/carrier-1/favorites",
		bytes.NewBufferString(`{"bid_number": "BID-7", "stops": ["CHICAGO, IL"]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestListNotifications(t *testing.T) {
	h, ms, _, _ := newFixture()
	ms.feed["carrier-1"] = []store.CarrierNotification{
		{CarrierID: "carrier-1", Title: "Exact Match Available", BidNumber: "BID-1"},
		{CarrierID: "carrier-1", Title: "Similar Load Found", BidNumber: "BID-2"},
	}
	r := testRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/v1/carriers/carrier-1/notifications?limit=1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 || resp.Limit != 1 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestListNotifications_DatabaseError(t *testing.T) {
	h, ms, _, _ := newFixture()
	ms.shouldFail = true
	r := testRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/v1/carriers/carrier-1/notifications", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}
