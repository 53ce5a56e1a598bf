// Package memstore provides an in-memory Store used by the correlation and
// lifecycle tests. Query methods mirror the PostgreSQL implementation's
// filtering and ordering; InTx runs the unit of work directly, without
// rollback on failure.
package memstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinTss/nyss/internal/database"
)

var (
	_ database.Store    = (*Store)(nil)
	_ database.TxRunner = (*Store)(nil)
)

// Store is an in-memory implementation of database.Store and the
// transactional surface consumed by the services.
type Store struct {
	mu sync.Mutex

	gateways   map[string]*database.GatewaySetting
	collectors []*database.DataCollector
	phrs       map[int64]*database.ProjectHealthRisk

	rawReports   map[int64]*database.RawReport
	reports      map[int64]*database.Report
	alerts       map[int64]*database.Alert
	alertReports map[int64]map[int64]bool

	// GatewayEmail is returned by GatewayEmailForAlert for every alert.
	GatewayEmail string

	nextRawID    int64
	nextReportID int64
	nextAlertID  int64
}

// New creates an empty store.
func New() *Store {
	return &Store{
		gateways:     make(map[string]*database.GatewaySetting),
		phrs:         make(map[int64]*database.ProjectHealthRisk),
		rawReports:   make(map[int64]*database.RawReport),
		reports:      make(map[int64]*database.Report),
		alerts:       make(map[int64]*database.Alert),
		alertReports: make(map[int64]map[int64]bool),
	}
}

// InTx runs fn against the store. There is no rollback; tests asserting
// failure paths should not inspect partially mutated state.
func (s *Store) InTx(ctx context.Context, fn func(database.Store) error) error {
	return fn(s)
}

// Read runs fn against the store.
func (s *Store) Read(ctx context.Context, fn func(database.Store) error) error {
	return fn(s)
}

// Seed helpers.

// AddGateway registers a gateway keyed by its API key.
func (s *Store) AddGateway(g *database.GatewaySetting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gateways[g.APIKey] = g
}

// AddCollector registers a data collector.
func (s *Store) AddCollector(dc *database.DataCollector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectors = append(s.collectors, dc)
}

// AddProjectHealthRisk registers a health-risk-per-project configuration.
func (s *Store) AddProjectHealthRisk(phr *database.ProjectHealthRisk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phrs[phr.ID] = phr
}

// AddReport stores a report directly, assigning an ID when unset.
func (s *Store) AddReport(r *database.Report) *database.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		s.nextReportID++
		r.ID = s.nextReportID
	} else if r.ID > s.nextReportID {
		s.nextReportID = r.ID
	}
	clone := *r
	s.reports[r.ID] = &clone
	return r
}

// AddAlert stores an alert directly, assigning an ID when unset.
func (s *Store) AddAlert(a *database.Alert) *database.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		s.nextAlertID++
		a.ID = s.nextAlertID
	} else if a.ID > s.nextAlertID {
		s.nextAlertID = a.ID
	}
	clone := *a
	s.alerts[a.ID] = &clone
	if s.alertReports[a.ID] == nil {
		s.alertReports[a.ID] = make(map[int64]bool)
	}
	return a
}

// Link attaches a report to an alert directly.
func (s *Store) Link(alertID, reportID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alertReports[alertID] == nil {
		s.alertReports[alertID] = make(map[int64]bool)
	}
	s.alertReports[alertID][reportID] = true
}

// Report returns a copy of the stored report.
func (s *Store) Report(id int64) *database.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reports[id]; ok {
		clone := *r
		return &clone
	}
	return nil
}

// Alert returns a copy of the stored alert.
func (s *Store) Alert(id int64) *database.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.alerts[id]; ok {
		clone := *a
		return &clone
	}
	return nil
}

// Configuration reads.

func (s *Store) GatewayByAPIKey(ctx context.Context, apiKey string) (*database.GatewaySetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gateways[apiKey]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *g
	return &clone, nil
}

func (s *Store) DataCollectorByPhone(ctx context.Context, phone string) (*database.DataCollector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dc := range s.collectors {
		if dc.PhoneNumber == phone || (dc.AdditionalPhoneNumber != "" && dc.AdditionalPhoneNumber == phone) {
			clone := *dc
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *Store) ProjectHealthRiskByCode(ctx context.Context, projectID int64, healthRiskCode int) (*database.ProjectHealthRisk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, phr := range s.phrs {
		if phr.ProjectID == projectID && phr.HealthRisk != nil && phr.HealthRisk.Code == healthRiskCode {
			return phr, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *Store) ProjectHealthRisk(ctx context.Context, id int64) (*database.ProjectHealthRisk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phr, ok := s.phrs[id]
	if !ok {
		return nil, fmt.Errorf("project health risk not found: %d", id)
	}
	return phr, nil
}

// Report persistence and standing.

func (s *Store) CreateRawReport(ctx context.Context, raw *database.RawReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRawID++
	raw.ID = s.nextRawID
	clone := *raw
	s.rawReports[raw.ID] = &clone
	return nil
}

func (s *Store) UpdateRawReport(ctx context.Context, raw *database.RawReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rawReports[raw.ID]; !ok {
		return fmt.Errorf("raw report not found: %d", raw.ID)
	}
	clone := *raw
	s.rawReports[raw.ID] = &clone
	return nil
}

// RawReport returns a copy of the stored raw report.
func (s *Store) RawReport(id int64) *database.RawReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if raw, ok := s.rawReports[id]; ok {
		clone := *raw
		return &clone
	}
	return nil
}

func (s *Store) CreateReport(ctx context.Context, r *database.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextReportID++
	r.ID = s.nextReportID
	clone := *r
	s.reports[r.ID] = &clone
	return nil
}

func (s *Store) SetReportGroupLabel(ctx context.Context, reportID int64, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[reportID]
	if !ok {
		return fmt.Errorf("report not found: %d", reportID)
	}
	r.GroupLabel = label
	return nil
}

func (s *Store) UpdateReportLabels(ctx context.Context, labels map[int64]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for reportID, label := range labels {
		r, ok := s.reports[reportID]
		if !ok {
			return fmt.Errorf("report not found: %d", reportID)
		}
		r.GroupLabel = label
	}
	return nil
}

func (s *Store) SetReportStanding(ctx context.Context, reportID int64, standing database.ReportStanding, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[reportID]
	if !ok {
		return fmt.Errorf("report not found: %d", reportID)
	}
	r.Standing = standing
	switch standing {
	case database.ReportStandingAccepted:
		t := at
		r.AcceptedAt = &t
		r.AcceptedBy = actor
	case database.ReportStandingRejected:
		t := at
		r.RejectedAt = &t
		r.RejectedBy = actor
	}
	return nil
}

func (s *Store) MarkReportsPending(ctx context.Context, reportIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range reportIDs {
		if r, ok := s.reports[id]; ok && r.Standing == database.ReportStandingNew {
			r.Standing = database.ReportStandingPending
		}
	}
	return nil
}

// Label group queries.

func (s *Store) ReportsForRiskBetween(ctx context.Context, projectHealthRiskID int64, from, to time.Time) ([]*database.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectReports(func(r *database.Report) bool {
		return r.ProjectHealthRiskID == projectHealthRiskID &&
			!r.ReceivedAt.Before(from) && !r.ReceivedAt.After(to) &&
			!r.IsTraining && !r.MarkedAsError
	}), nil
}

func (s *Store) ReportsWithGroupLabel(ctx context.Context, label string, excludeReportID int64) ([]*database.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectReports(func(r *database.Report) bool {
		return r.GroupLabel == label && (excludeReportID == 0 || r.ID != excludeReportID)
	}), nil
}

// Correlation queries.

func (s *Store) LockReportGroup(ctx context.Context, label string) error {
	return nil
}

func (s *Store) ActiveAlertForLabel(ctx context.Context, label string, ignoreAlertID int64) (*database.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *database.Alert
	for alertID, reportIDs := range s.alertReports {
		a := s.alerts[alertID]
		if a == nil || (a.Status != database.AlertStatusPending && a.Status != database.AlertStatusEscalated) {
			continue
		}
		if ignoreAlertID != 0 && a.ID == ignoreAlertID {
			continue
		}
		if !s.holdsLiveLabelReport(reportIDs, label) {
			continue
		}
		if best == nil || activeBefore(a, best) {
			best = a
		}
	}
	if best == nil {
		return nil, nil
	}
	clone := *best
	return &clone, nil
}

// activeBefore orders Escalated before Pending, then by lowest ID.
func activeBefore(a, b *database.Alert) bool {
	aEsc := a.Status == database.AlertStatusEscalated
	bEsc := b.Status == database.AlertStatusEscalated
	if aEsc != bEsc {
		return aEsc
	}
	return a.ID < b.ID
}

func (s *Store) holdsLiveLabelReport(reportIDs map[int64]bool, label string) bool {
	for id := range reportIDs {
		r := s.reports[id]
		if r != nil && r.GroupLabel == label && isLive(r) {
			return true
		}
	}
	return false
}

func isLive(r *database.Report) bool {
	if r.IsTraining || r.MarkedAsError {
		return false
	}
	for _, standing := range database.StandingsCountedForAlerts {
		if r.Standing == standing {
			return true
		}
	}
	return false
}

func (s *Store) ReportsWithLabelOutsideActiveAlert(ctx context.Context, label string, ignoreAlertID int64) ([]*database.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectReports(func(r *database.Report) bool {
		if r.GroupLabel != label || !isLive(r) {
			return false
		}
		for alertID, reportIDs := range s.alertReports {
			if !reportIDs[r.ID] {
				continue
			}
			if ignoreAlertID != 0 && alertID == ignoreAlertID {
				continue
			}
			a := s.alerts[alertID]
			if a == nil {
				continue
			}
			switch a.Status {
			case database.AlertStatusPending, database.AlertStatusEscalated, database.AlertStatusClosed:
				return false
			}
		}
		return true
	}), nil
}

func (s *Store) CountableReportsWithLabel(ctx context.Context, label string) ([]*database.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectReports(func(r *database.Report) bool {
		if r.GroupLabel != label || !isLive(r) {
			return false
		}
		for alertID, reportIDs := range s.alertReports {
			if reportIDs[r.ID] {
				if a := s.alerts[alertID]; a != nil && a.Status == database.AlertStatusClosed {
					return false
				}
			}
		}
		return true
	}), nil
}

func (s *Store) CreateAlert(ctx context.Context, projectHealthRiskID int64, createdAt time.Time) (*database.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAlertID++
	alert := &database.Alert{
		ID:                  s.nextAlertID,
		Status:              database.AlertStatusPending,
		CreatedAt:           createdAt,
		ProjectHealthRiskID: projectHealthRiskID,
	}
	clone := *alert
	s.alerts[alert.ID] = &clone
	s.alertReports[alert.ID] = make(map[int64]bool)
	return alert, nil
}

func (s *Store) AttachReports(ctx context.Context, alertID int64, reportIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := s.alertReports[alertID]
	if links == nil {
		links = make(map[int64]bool)
		s.alertReports[alertID] = links
	}
	for _, id := range reportIDs {
		links[id] = true
	}
	return nil
}

// Alert reads and lifecycle transitions.

func (s *Store) AlertByID(ctx context.Context, alertID int64) (*database.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *a
	return &clone, nil
}

func (s *Store) AlertForReport(ctx context.Context, reportID int64, statuses ...database.AlertStatus) (*database.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Active alerts order before Dismissed, ties break on the lowest ID,
	// matching the SQL ordering.
	preferred := func(a, b *database.Alert) bool {
		aDismissed := a.Status == database.AlertStatusDismissed
		bDismissed := b.Status == database.AlertStatusDismissed
		if aDismissed != bDismissed {
			return !aDismissed
		}
		return a.ID < b.ID
	}

	var best *database.Alert
	for alertID, reportIDs := range s.alertReports {
		if !reportIDs[reportID] {
			continue
		}
		a := s.alerts[alertID]
		if a == nil {
			continue
		}
		for _, status := range statuses {
			if a.Status == status {
				if best == nil || preferred(a, best) {
					best = a
				}
				break
			}
		}
	}
	if best == nil {
		return nil, nil
	}
	clone := *best
	return &clone, nil
}

func (s *Store) AlertReports(ctx context.Context, alertID int64) ([]*database.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := s.alertReports[alertID]
	return s.selectReports(func(r *database.Report) bool {
		return links[r.ID]
	}), nil
}

func (s *Store) AlertReportsExcluding(ctx context.Context, alertID, reportID int64) ([]*database.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	links := s.alertReports[alertID]
	return s.selectReports(func(r *database.Report) bool {
		return links[r.ID] && r.ID != reportID
	}), nil
}

func (s *Store) AlertReport(ctx context.Context, alertID, reportID int64) (*database.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alertReports[alertID][reportID] {
		return nil, sql.ErrNoRows
	}
	r, ok := s.reports[reportID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *r
	return &clone, nil
}

func (s *Store) CountAlertReportsInStanding(ctx context.Context, alertID int64, standings ...database.ReportStanding) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for reportID := range s.alertReports[alertID] {
		r := s.reports[reportID]
		if r == nil {
			continue
		}
		for _, standing := range standings {
			if r.Standing == standing {
				count++
				break
			}
		}
	}
	return count, nil
}

func (s *Store) ListAlerts(ctx context.Context, projectID int64, offset, limit int) ([]*database.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var alerts []*database.Alert
	for _, a := range s.alerts {
		phr := s.phrs[a.ProjectHealthRiskID]
		if phr == nil || phr.ProjectID != projectID {
			continue
		}
		clone := *a
		alerts = append(alerts, &clone)
	}
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].ID > alerts[j].ID
	})

	if offset >= len(alerts) {
		return nil, nil
	}
	alerts = alerts[offset:]
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}
	return alerts, nil
}

func (s *Store) EscalateAlert(ctx context.Context, alertID int64, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert not found: %d", alertID)
	}
	a.Status = database.AlertStatusEscalated
	t := at
	a.EscalatedAt = &t
	a.EscalatedBy = actor
	return nil
}

func (s *Store) DismissAlert(ctx context.Context, alertID int64, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert not found: %d", alertID)
	}
	a.Status = database.AlertStatusDismissed
	t := at
	a.DismissedAt = &t
	a.DismissedBy = actor
	return nil
}

func (s *Store) CloseAlert(ctx context.Context, alertID int64, actor string, at time.Time, comments string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert not found: %d", alertID)
	}
	a.Status = database.AlertStatusClosed
	t := at
	a.ClosedAt = &t
	a.ClosedBy = actor
	a.Comments = comments
	return nil
}

func (s *Store) RejectAlert(ctx context.Context, alertID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert not found: %d", alertID)
	}
	if a.Status != database.AlertStatusDismissed {
		a.Status = database.AlertStatusRejected
	}
	return nil
}

// Notification reads.

func (s *Store) SupervisorPhonesForAlert(ctx context.Context, alertID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var phones []string
	for reportID := range s.alertReports[alertID] {
		r := s.reports[reportID]
		if r == nil {
			continue
		}
		for _, dc := range s.collectors {
			if dc.ID == r.DataCollectorID && dc.SupervisorPhone != "" && !seen[dc.SupervisorPhone] {
				seen[dc.SupervisorPhone] = true
				phones = append(phones, dc.SupervisorPhone)
			}
		}
	}
	sort.Strings(phones)
	return phones, nil
}

func (s *Store) LatestReportVillageForAlert(ctx context.Context, alertID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *database.Report
	for reportID := range s.alertReports[alertID] {
		r := s.reports[reportID]
		if r == nil {
			continue
		}
		if latest == nil || r.ReceivedAt.After(latest.ReceivedAt) {
			latest = r
		}
	}
	if latest == nil {
		return "", nil
	}
	return latest.Village, nil
}

func (s *Store) GatewayEmailForAlert(ctx context.Context, alertID int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.GatewayEmail != "" {
		return s.GatewayEmail, nil
	}
	for _, g := range s.gateways {
		if g.EmailAddress != "" {
			return g.EmailAddress, nil
		}
	}
	return "", sql.ErrNoRows
}

// selectReports returns copies of the reports matching the predicate,
// ordered by receipt time then ID. Callers hold the lock.
func (s *Store) selectReports(match func(*database.Report) bool) []*database.Report {
	var out []*database.Report
	for _, r := range s.reports {
		if match(r) {
			clone := *r
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
