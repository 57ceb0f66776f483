package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autoscouter/autoscouter/internal/db"
	"github.com/autoscouter/autoscouter/internal/engine"
)

var ErrDatabaseError = errors.New("database error")

// --- mocks ---

type MockListings struct {
	listings   map[string]*db.Listing // by external_id
	shouldFail bool
}

func NewMockListings() *MockListings {
	return &MockListings{listings: make(map[string]*db.Listing)}
}

func (m *MockListings) Upsert(ctx context.Context, l *db.Listing) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	if existing, ok := m.listings[l.ExternalID]; ok {
		l.ID = existing.ID
	} else if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	m.listings[l.ExternalID] = l
	return nil
}

func (m *MockListings) Get(ctx context.Context, id uuid.UUID) (*db.Listing, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	for _, l := range m.listings {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *MockListings) Search(ctx context.Context, make, model string, priceMax *int, limit, offset int) ([]*db.Listing, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	var out []*db.Listing
	for _, l := range m.listings {
		if make != "" && l.Make != make {
			continue
		}
		if model != "" && l.Model != model {
			continue
		}
		if priceMax != nil && (l.Price == nil || *l.Price > *priceMax) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *MockListings) PriceHistory(ctx context.Context, listingID uuid.UUID) ([]*db.PricePoint, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	return []*db.PricePoint{}, nil
}

type MockAlerts struct {
	alerts     map[uuid.UUID]*db.Alert
	shouldFail bool
}

func NewMockAlerts() *MockAlerts {
	return &MockAlerts{alerts: make(map[uuid.UUID]*db.Alert)}
}

func (m *MockAlerts) Create(ctx context.Context, a *db.Alert) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *MockAlerts) Get(ctx context.Context, id uuid.UUID) (*db.Alert, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	a, ok := m.alerts[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return a, nil
}

func (m *MockAlerts) Update(ctx context.Context, a *db.Alert) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	if _, ok := m.alerts[a.ID]; !ok {
		return db.ErrNotFound
	}
	m.alerts[a.ID] = a
	return nil
}

func (m *MockAlerts) Delete(ctx context.Context, id uuid.UUID) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	if _, ok := m.alerts[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.alerts, id)
	return nil
}

func (m *MockAlerts) ListByUser(ctx context.Context, userID uuid.UUID) ([]*db.Alert, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	var out []*db.Alert
	for _, a := range m.alerts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

type MockNotifs struct {
	notifs     map[uuid.UUID]*db.Notification
	shouldFail bool
}

func NewMockNotifs() *MockNotifs {
	return &MockNotifs{notifs: make(map[uuid.UUID]*db.Notification)}
}

func (m *MockNotifs) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	var out []*db.Notification
	for _, n := range m.notifs {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MockNotifs) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	n, ok := m.notifs[id]
	if !ok {
		return db.ErrNotFound
	}
	n.ReadAt = &at
	return nil
}

func (m *MockNotifs) Delete(ctx context.Context, id uuid.UUID) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	if _, ok := m.notifs[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.notifs, id)
	return nil
}

type MockPrefs struct {
	prefs      map[uuid.UUID]*db.Preferences
	shouldFail bool
}

func NewMockPrefs() *MockPrefs {
	return &MockPrefs{prefs: make(map[uuid.UUID]*db.Preferences)}
}

func (m *MockPrefs) Get(ctx context.Context, userID uuid.UUID) (*db.Preferences, error) {
	if m.shouldFail {
		return nil, ErrDatabaseError
	}
	if p, ok := m.prefs[userID]; ok {
		return p, nil
	}
	return db.DefaultPreferences(userID), nil
}

func (m *MockPrefs) Upsert(ctx context.Context, p *db.Preferences) error {
	if m.shouldFail {
		return ErrDatabaseError
	}
	m.prefs[p.UserID] = p
	return nil
}

type MockQueueStats struct {
	depth map[string]int
}

func (m *MockQueueStats) Depth(ctx context.Context) (map[string]int, error) {
	return m.depth, nil
}

type MockMatcher struct {
	runErr       error
	runCalls     int
	alertRuns    []uuid.UUID
	lastRunStats *engine.Stats
}

func (m *MockMatcher) Run(ctx context.Context) (*engine.Stats, error) {
	m.runCalls++
	if m.runErr != nil {
		return nil, m.runErr
	}
	return &engine.Stats{RunID: uuid.New(), Matched: 1, Enqueued: 1}, nil
}

func (m *MockMatcher) RunForAlert(ctx context.Context, alert *db.Alert) (*engine.Stats, error) {
	m.alertRuns = append(m.alertRuns, alert.ID)
	return &engine.Stats{}, nil
}

func (m *MockMatcher) LastRun() (*engine.Stats, error) {
	return m.lastRunStats, nil
}

// --- helpers ---

type testEnv struct {
	handler  *Handler
	listings *MockListings
	alerts   *MockAlerts
	notifs   *MockNotifs
	prefs    *MockPrefs
	matcher  *MockMatcher
}

func newTestEnv() *testEnv {
	env := &testEnv{
		listings: NewMockListings(),
		alerts:   NewMockAlerts(),
		notifs:   NewMockNotifs(),
		prefs:    NewMockPrefs(),
		matcher:  &MockMatcher{},
	}
	env.handler = NewHandler(zap.NewNop(), env.listings, env.alerts, env.notifs,
		env.prefs, &MockQueueStats{depth: map[string]int{"queued": 3}}, env.matcher, nil)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	env.handler.Routes().ServeHTTP(rec, req)
	return rec
}

// --- tests ---

func TestIngestListings(t *testing.T) {
	env := newTestEnv()

	body := map[string]interface{}{
		"listings": []listingRequest{
			{ExternalID: "as-1001", Make: "Volkswagen", Model: "Golf"},
			{ExternalID: "as-1002", Make: "Fiat", Model: "Panda"},
			{ExternalID: "", Make: "Audi", Model: "A3"}, // missing external_id
		},
	}

	rec := env.do(t, http.MethodPost, "/listings/batch", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["accepted"] != 2 || resp["rejected"] != 1 {
		t.Errorf("accepted/rejected = %d/%d, want 2/1", resp["accepted"], resp["rejected"])
	}
	if len(env.listings.listings) != 2 {
		t.Errorf("stored %d listings, want 2", len(env.listings.listings))
	}
}

func TestIngestListingsStampsTimestamps(t *testing.T) {
	env := newTestEnv()
	before := time.Now().UTC()

	scraped := time.Date(2026, 8, 29, 14, 30, 0, 0, time.UTC)
	body := map[string]interface{}{
		"listings": []listingRequest{
			{ExternalID: "as-2001", Make: "Volkswagen", Model: "Golf"},
			{ExternalID: "as-2002", Make: "Fiat", Model: "Panda", ScrapedAt: &scraped},
		},
	}

	rec := env.do(t, http.MethodPost, "/listings/batch", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body: %s", rec.Code, rec.Body.String())
	}

	// A zero last_updated would sit behind the watermark forever and
	// never show up in an incremental matching window.
	stamped := env.listings.listings["as-2001"]
	if stamped == nil {
		t.Fatal("listing as-2001 not stored")
	}
	if stamped.ScrapedAt.IsZero() || stamped.ScrapedAt.Before(before) {
		t.Errorf("scraped_at = %v, want stamped at ingest time", stamped.ScrapedAt)
	}
	if stamped.LastUpdated.IsZero() || stamped.LastUpdated.Before(before) {
		t.Errorf("last_updated = %v, want stamped at ingest time", stamped.LastUpdated)
	}

	carried := env.listings.listings["as-2002"]
	if carried == nil {
		t.Fatal("listing as-2002 not stored")
	}
	if !carried.ScrapedAt.Equal(scraped) {
		t.Errorf("scraped_at = %v, want the scraper's own %v", carried.ScrapedAt, scraped)
	}
	if carried.LastUpdated.IsZero() {
		t.Error("last_updated not stamped when scraped_at is supplied")
	}
}

func TestIngestListingsEmptyBatch(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodPost, "/listings/batch", map[string]interface{}{"listings": []listingRequest{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSearchListings(t *testing.T) {
	env := newTestEnv()
	price := 15000
	_ = env.listings.Upsert(context.Background(), &db.Listing{ExternalID: "a", Make: "Volkswagen", Model: "Golf", Price: &price})
	_ = env.listings.Upsert(context.Background(), &db.Listing{ExternalID: "b", Make: "Fiat", Model: "Panda", Price: &price})

	rec := env.do(t, http.MethodGet, "/listings?make=Volkswagen", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Data  []*db.Listing `json:"data"`
		Count int           `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("count = %d, want 1", resp.Count)
	}
}

func TestCreateAlertKicksInitialScan(t *testing.T) {
	env := newTestEnv()

	body := alertRequest{
		UserID: uuid.New().String(),
		Name:   "golf hunt",
		Criteria: db.Criteria{
			Make: strPtr("Volkswagen"),
		},
	}

	rec := env.do(t, http.MethodPost, "/alerts", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", rec.Code, rec.Body.String())
	}

	var created db.Alert
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.ID == uuid.Nil {
		t.Fatal("created alert has no ID")
	}
	if !created.IsActive {
		t.Error("new alert should default to active")
	}

	// The initial scan runs in the background.
	deadline := time.Now().Add(time.Second)
	for len(env.matcher.alertRuns) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(env.matcher.alertRuns) != 1 || env.matcher.alertRuns[0] != created.ID {
		t.Error("alert creation did not trigger an inventory scan")
	}
}

func TestCreateAlertInvalidUser(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodPost, "/alerts", alertRequest{UserID: "not-a-uuid"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAlertLifecycle(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	alert := &db.Alert{ID: uuid.New(), UserID: userID, Name: "old", IsActive: true}
	_ = env.alerts.Create(context.Background(), alert)

	// Get
	rec := env.do(t, http.MethodGet, "/alerts/"+alert.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}

	// Update
	inactive := false
	rec = env.do(t, http.MethodPut, "/alerts/"+alert.ID.String(), alertRequest{
		UserID:   userID.String(),
		Name:     "updated",
		IsActive: &inactive,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if env.alerts.alerts[alert.ID].Name != "updated" || env.alerts.alerts[alert.ID].IsActive {
		t.Error("update not applied")
	}

	// List
	rec = env.do(t, http.MethodGet, "/alerts?user_id="+userID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}

	// Delete
	rec = env.do(t, http.MethodDelete, "/alerts/"+alert.ID.String(), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	if len(env.alerts.alerts) != 0 {
		t.Error("alert not deleted")
	}
}

func TestGetAlertNotFound(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/alerts/"+uuid.New().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if errResp.Status != http.StatusNotFound {
		t.Errorf("error status = %d, want 404", errResp.Status)
	}
}

func TestNotificationReadAndDelete(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()
	n := &db.Notification{ID: uuid.New(), UserID: userID, Status: db.NotificationSent}
	env.notifs.notifs[n.ID] = n

	rec := env.do(t, http.MethodPost, "/notifications/"+n.ID.String()+"/read", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d, want 200", rec.Code)
	}
	if n.ReadAt == nil {
		t.Error("notification not marked read")
	}

	rec = env.do(t, http.MethodDelete, "/notifications/"+n.ID.String(), nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	if len(env.notifs.notifs) != 0 {
		t.Error("notification not deleted")
	}
}

func TestListNotificationsRequiresUser(t *testing.T) {
	env := newTestEnv()
	rec := env.do(t, http.MethodGet, "/notifications", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()

	// Defaults before anything saved.
	rec := env.do(t, http.MethodGet, "/users/"+userID.String()+"/preferences", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", rec.Code)
	}
	var prefs db.Preferences
	if err := json.NewDecoder(rec.Body).Decode(&prefs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !prefs.EmailEnabled {
		t.Error("default preferences should enable email")
	}

	// Save quiet hours.
	start, end := "22:00", "07:30"
	prefs.QuietHoursStart = &start
	prefs.QuietHoursEnd = &end
	rec = env.do(t, http.MethodPut, "/users/"+userID.String()+"/preferences", prefs)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	saved := env.prefs.prefs[userID]
	if saved == nil || saved.QuietHoursStart == nil || *saved.QuietHoursStart != "22:00" {
		t.Error("quiet hours not saved")
	}
}

func TestPreferencesRejectBadQuietHours(t *testing.T) {
	env := newTestEnv()
	userID := uuid.New()

	start := "25:99"
	end := "07:30"
	body := db.Preferences{QuietHoursStart: &start, QuietHoursEnd: &end, Timezone: "Europe/Rome"}

	rec := env.do(t, http.MethodPut, "/users/"+userID.String()+"/preferences", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTriggerMatchingRun(t *testing.T) {
	env := newTestEnv()

	rec := env.do(t, http.MethodPost, "/matching/run", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if env.matcher.runCalls != 1 {
		t.Errorf("run calls = %d, want 1", env.matcher.runCalls)
	}

	var stats engine.Stats
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", stats.Enqueued)
	}
}

func TestTriggerMatchingRunConflict(t *testing.T) {
	env := newTestEnv()
	env.matcher.runErr = engine.ErrRunInProgress

	rec := env.do(t, http.MethodPost, "/matching/run", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv()
	env.matcher.lastRunStats = &engine.Stats{RunID: uuid.New(), Matched: 7}

	rec := env.do(t, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := resp["queue"]; !ok {
		t.Error("status missing queue depth")
	}
	if _, ok := resp["last_run"]; !ok {
		t.Error("status missing last run stats")
	}
}

func strPtr(s string) *string { return &s }
