package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinTss/nyss/internal/correlation"
	"github.com/KevinTss/nyss/internal/database"
	"github.com/KevinTss/nyss/internal/epitime"
	"github.com/KevinTss/nyss/internal/labeling"
	"github.com/KevinTss/nyss/internal/lifecycle"
	"github.com/KevinTss/nyss/internal/memstore"
)

var (
	clockTime = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	received  = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
)

type noopNotifier struct{}

func (noopNotifier) AlertTriggered(ctx context.Context, alertID int64) {}
func (noopNotifier) AlertEscalated(ctx context.Context, alertID int64) {}

// newTestRouter seeds a pending alert with three pending reports behind a
// fully wired router.
func newTestRouter(t *testing.T) (http.Handler, *memstore.Store, *database.Alert, []*database.Report) {
	t.Helper()
	store := memstore.New()
	clock := epitime.Fixed{Time: clockTime}
	engine := correlation.NewEngine(labeling.NewGeoService(), clock)
	service := lifecycle.NewService(store, engine, noopNotifier{}, clock)

	store.AddProjectHealthRisk(&database.ProjectHealthRisk{
		ID:           1,
		ProjectID:    1,
		HealthRiskID: 1,
		AlertRule:    database.AlertRule{CountThreshold: 3, DaysThreshold: 7, KilometersThreshold: 1},
		HealthRisk:   &database.HealthRisk{ID: 1, Code: 24, Category: database.HealthRiskHuman, Names: map[string]string{"en": "Measles"}},
		Project:      &database.Project{ID: 1, LanguageCode: "en"},
	})
	alert := store.AddAlert(&database.Alert{
		Status:              database.AlertStatusPending,
		CreatedAt:           received,
		ProjectHealthRiskID: 1,
	})
	var reports []*database.Report
	for i := 0; i < 3; i++ {
		r := store.AddReport(&database.Report{
			Type:                database.ReportTypeSingle,
			Standing:            database.ReportStandingPending,
			ProjectHealthRiskID: 1,
			Latitude:            12.0 + float64(i)*0.003,
			Longitude:           4.0,
			ReceivedAt:          received.Add(time.Duration(i) * time.Hour),
			GroupLabel:          "group-a",
		})
		store.Link(alert.ID, r.ID)
		reports = append(reports, r)
	}

	return NewRouter(NewHandlers(service)).Handler(), store, alert, reports
}

func doJSON(t *testing.T, handler http.Handler, method, path, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if actor != "" {
		req.Header.Set("X-User", actor)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// TestAcceptReport tests the verdict endpoint.
func TestAcceptReport(t *testing.T) {
	handler, store, _, reports := newTestRouter(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/alerts/reports/accept", "supervisor@nyss.local",
		`{"alert_id": 1, "report_id": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var report database.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("response is not a report: %v", err)
	}
	if report.Standing != database.ReportStandingAccepted {
		t.Errorf("returned standing = %s, want Accepted", report.Standing)
	}
	if got := store.Report(reports[0].ID).Standing; got != database.ReportStandingAccepted {
		t.Errorf("stored standing = %s, want Accepted", got)
	}
}

// TestVerdictEndpoints_Validation tests the request guards shared by the
// verdict endpoints.
func TestVerdictEndpoints_Validation(t *testing.T) {
	tests := []struct {
		name     string
		actor    string
		body     string
		wantCode int
	}{
		{
			name:     "missing actor header",
			body:     `{"alert_id": 1, "report_id": 1}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "malformed body",
			actor:    "supervisor@nyss.local",
			body:     `{`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing ids",
			actor:    "supervisor@nyss.local",
			body:     `{}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown alert",
			actor:    "supervisor@nyss.local",
			body:     `{"alert_id": 999, "report_id": 1}`,
			wantCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _, _, _ := newTestRouter(t)
			for _, path := range []string{"/api/v1/alerts/reports/accept", "/api/v1/alerts/reports/dismiss"} {
				rec := doJSON(t, handler, http.MethodPost, path, tt.actor, tt.body)
				if rec.Code != tt.wantCode {
					t.Errorf("POST %s status = %d, want %d", path, rec.Code, tt.wantCode)
				}
			}
		})
	}
}

// TestEscalateAlert tests escalation through the API, including the
// threshold conflict.
func TestEscalateAlert(t *testing.T) {
	handler, store, alert, reports := newTestRouter(t)
	ctx := context.Background()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/alerts/escalate", "supervisor@nyss.local",
		`{"alert_id": 1}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("escalation below threshold status = %d, want 409", rec.Code)
	}

	for _, r := range reports {
		if err := store.SetReportStanding(ctx, r.ID, database.ReportStandingAccepted, "supervisor@nyss.local", clockTime); err != nil {
			t.Fatalf("SetReportStanding() error: %v", err)
		}
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/alerts/escalate", "supervisor@nyss.local",
		`{"alert_id": 1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if got := store.Alert(alert.ID).Status; got != database.AlertStatusEscalated {
		t.Errorf("alert status = %s, want Escalated", got)
	}
}

// TestCloseAlert tests closure with comments.
func TestCloseAlert(t *testing.T) {
	handler, store, alert, _ := newTestRouter(t)

	if err := store.EscalateAlert(context.Background(), alert.ID, "supervisor@nyss.local", clockTime); err != nil {
		t.Fatalf("EscalateAlert() error: %v", err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/alerts/close", "manager@nyss.local",
		`{"alert_id": 1, "comments": "contained"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	stored := store.Alert(alert.ID)
	if stored.Status != database.AlertStatusClosed {
		t.Errorf("alert status = %s, want Closed", stored.Status)
	}
	if stored.Comments != "contained" {
		t.Errorf("comments = %q, want contained", stored.Comments)
	}
}

// TestGetAlert tests the detail endpoint.
func TestGetAlert(t *testing.T) {
	handler, _, _, _ := newTestRouter(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/alerts?alert_id=1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var detail lifecycle.AlertDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("response is not an alert detail: %v", err)
	}
	if detail.Alert == nil || detail.Alert.ID != 1 {
		t.Errorf("detail.Alert = %+v, want alert 1", detail.Alert)
	}
	if len(detail.Reports) != 3 {
		t.Errorf("len(Reports) = %d, want 3", len(detail.Reports))
	}
	if detail.HealthRiskName != "Measles" {
		t.Errorf("HealthRiskName = %q, want Measles", detail.HealthRiskName)
	}

	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/alerts?alert_id=999", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown alert status = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/alerts?alert_id=abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad alert_id status = %d, want 400", rec.Code)
	}
}

// TestListAlerts tests the list endpoint.
func TestListAlerts(t *testing.T) {
	handler, _, _, _ := newTestRouter(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/alerts?project_id=1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var alerts []*database.Alert
	if err := json.Unmarshal(rec.Body.Bytes(), &alerts); err != nil {
		t.Fatalf("response is not an alert list: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("len(alerts) = %d, want 1", len(alerts))
	}

	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/alerts", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing project_id status = %d, want 400", rec.Code)
	}
}

// TestGetAlertLogs tests the history endpoint.
func TestGetAlertLogs(t *testing.T) {
	handler, _, _, _ := newTestRouter(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/alerts/logs?alert_id=1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var entries []lifecycle.LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("response is not a log list: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != "Created" {
		t.Errorf("entries = %+v, want a single Created entry", entries)
	}
}

// TestMethodNotAllowed tests the method guards.
func TestMethodNotAllowed(t *testing.T) {
	handler, _, _, _ := newTestRouter(t)

	paths := []string{
		"/api/v1/alerts/escalate",
		"/api/v1/alerts/dismiss",
		"/api/v1/alerts/close",
		"/api/v1/alerts/reports/accept",
		"/api/v1/alerts/reports/dismiss",
	}
	for _, path := range paths {
		if rec := doJSON(t, handler, http.MethodGet, path, "", ""); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s status = %d, want 405", path, rec.Code)
		}
	}
	if rec := doJSON(t, handler, http.MethodDelete, "/api/v1/alerts", "", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /api/v1/alerts status = %d, want 405", rec.Code)
	}
}

// TestHealthAndCORS tests the health endpoint and the CORS preflight.
func TestHealthAndCORS(t *testing.T) {
	handler, _, _, _ := newTestRouter(t)

	rec := doJSON(t, handler, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q, want 200 OK", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodOptions, "/api/v1/alerts/escalate", "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-User") {
		t.Errorf("Access-Control-Allow-Headers = %q, want X-User allowed", got)
	}
}
