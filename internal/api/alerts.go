package api

import (
	"net/http"
	"strconv"
)

// ReportVerdictRequest identifies one report of an alert for a verdict.
type ReportVerdictRequest struct {
	AlertID  int64 `json:"alert_id"`
	ReportID int64 `json:"report_id"`
}

// AlertActionRequest identifies an alert for a lifecycle transition.
type AlertActionRequest struct {
	AlertID int64 `json:"alert_id"`
}

// CloseAlertRequest closes an escalated alert with a closing note.
type CloseAlertRequest struct {
	AlertID  int64  `json:"alert_id"`
	Comments string `json:"comments"`
}

// AcceptReport records a positive verdict on one report of a pending alert.
func (h *Handlers) AcceptReport(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ReportVerdictRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AlertID <= 0 || req.ReportID <= 0 {
		http.Error(w, "alert_id and report_id are required", http.StatusBadRequest)
		return
	}

	report, err := h.alerts.AcceptReport(r.Context(), req.AlertID, req.ReportID, actor)
	if handleServiceError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// DismissReport records a negative verdict on one report of a pending alert.
func (h *Handlers) DismissReport(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ReportVerdictRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AlertID <= 0 || req.ReportID <= 0 {
		http.Error(w, "alert_id and report_id are required", http.StatusBadRequest)
		return
	}

	report, err := h.alerts.DismissReport(r.Context(), req.AlertID, req.ReportID, actor)
	if handleServiceError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// EscalateAlert promotes a pending alert.
func (h *Handlers) EscalateAlert(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req AlertActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AlertID <= 0 {
		http.Error(w, "alert_id is required", http.StatusBadRequest)
		return
	}

	if handleServiceError(w, h.alerts.Escalate(r.Context(), req.AlertID, actor)) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "escalated"})
}

// DismissAlert retires a pending alert as a false signal.
func (h *Handlers) DismissAlert(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req AlertActionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AlertID <= 0 {
		http.Error(w, "alert_id is required", http.StatusBadRequest)
		return
	}

	if handleServiceError(w, h.alerts.Dismiss(r.Context(), req.AlertID, actor)) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}

// CloseAlert archives an escalated alert.
func (h *Handlers) CloseAlert(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CloseAlertRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AlertID <= 0 {
		http.Error(w, "alert_id is required", http.StatusBadRequest)
		return
	}

	if handleServiceError(w, h.alerts.Close(r.Context(), req.AlertID, actor, req.Comments)) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// GetAlert returns one alert with its reports.
func (h *Handlers) GetAlert(w http.ResponseWriter, r *http.Request) {
	alertID, ok := requireIDParam(w, r, "alert_id")
	if !ok {
		return
	}
	detail, err := h.alerts.Get(r.Context(), alertID)
	if handleServiceError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// ListAlerts returns a page of a project's alerts.
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	projectID, ok := requireIDParam(w, r, "project_id")
	if !ok {
		return
	}

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	alerts, err := h.alerts.List(r.Context(), projectID, offset, limit)
	if handleServiceError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// GetAlertLogs returns the derived event history of an alert.
func (h *Handlers) GetAlertLogs(w http.ResponseWriter, r *http.Request) {
	alertID, ok := requireIDParam(w, r, "alert_id")
	if !ok {
		return
	}
	logs, err := h.alerts.Logs(r.Context(), alertID)
	if handleServiceError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, logs)
}
