// Package lifecycle drives alerts through their manual review flow and keeps
// the per-report verdicts consistent with the alert state machine.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/KevinTss/nyss/internal/correlation"
	"github.com/KevinTss/nyss/internal/database"
	"github.com/KevinTss/nyss/internal/epitime"
)

var (
	// ErrAlertNotFound is returned when the alert does not exist.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrReportNotInAlert is returned when the report is not linked to the alert.
	ErrReportNotInAlert = errors.New("report does not belong to the alert")
	// ErrWrongAlertStatus is returned when the alert status forbids the operation.
	ErrWrongAlertStatus = errors.New("alert status does not permit this operation")
	// ErrWrongReportStatus is returned when the report standing forbids the verdict.
	ErrWrongReportStatus = errors.New("report standing does not permit this operation")
	// ErrThresholdNotReached is returned when escalation is attempted before
	// enough reports were accepted.
	ErrThresholdNotReached = errors.New("accepted report count has not reached the alert rule threshold")
	// ErrPossibleEscalation is returned when dismissal is attempted while the
	// alert could still be escalated.
	ErrPossibleEscalation = errors.New("alert can still reach its threshold and cannot be dismissed")
)

// Notifier dispatches alert notifications after the owning transaction has
// committed. Implementations resolve recipients themselves.
type Notifier interface {
	AlertTriggered(ctx context.Context, alertID int64)
	AlertEscalated(ctx context.Context, alertID int64)
}

// Database is the persistence surface the service runs on.
type Database interface {
	database.TxRunner
	Read(ctx context.Context, fn func(database.Store) error) error
}

// Service implements the manual alert review operations.
type Service struct {
	db       Database
	engine   *correlation.Engine
	notifier Notifier
	clock    epitime.Clock
}

// NewService creates a lifecycle service.
func NewService(db Database, engine *correlation.Engine, notifier Notifier, clock epitime.Clock) *Service {
	return &Service{db: db, engine: engine, notifier: notifier, clock: clock}
}

// AcceptReport records a positive cross-check verdict on one report of a
// pending alert.
func (s *Service) AcceptReport(ctx context.Context, alertID, reportID int64, actor string) (*database.Report, error) {
	var accepted *database.Report
	err := s.db.InTx(ctx, func(store database.Store) error {
		report, err := s.reportForVerdict(ctx, store, alertID, reportID)
		if err != nil {
			return err
		}
		if err := store.SetReportStanding(ctx, reportID, database.ReportStandingAccepted, actor, s.clock.Now()); err != nil {
			return err
		}
		report.Standing = database.ReportStandingAccepted
		accepted = report
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Report accepted", "alert_id", alertID, "report_id", reportID, "actor", actor)
	return accepted, nil
}

// DismissReport records a negative cross-check verdict on one report of a
// pending alert and re-evaluates the alert without it. The rejection can
// split the report group and invalidate the alert.
func (s *Service) DismissReport(ctx context.Context, alertID, reportID int64, actor string) (*database.Report, error) {
	var (
		rejected *database.Report
		founded  []*database.Alert
	)
	err := s.db.InTx(ctx, func(store database.Store) error {
		report, err := s.reportForVerdict(ctx, store, alertID, reportID)
		if err != nil {
			return err
		}
		if err := store.SetReportStanding(ctx, reportID, database.ReportStandingRejected, actor, s.clock.Now()); err != nil {
			return err
		}
		report.Standing = database.ReportStandingRejected
		rejected = report

		founded, err = s.engine.ReportRetracted(ctx, store, reportID)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Report dismissed", "alert_id", alertID, "report_id", reportID, "actor", actor)
	for _, alert := range founded {
		s.notifier.AlertTriggered(ctx, alert.ID)
	}
	return rejected, nil
}

// reportForVerdict loads the alert and report and checks the verdict
// preconditions: the alert is pending and the report still awaits a verdict.
func (s *Service) reportForVerdict(ctx context.Context, store database.Store, alertID, reportID int64) (*database.Report, error) {
	alert, err := s.alertByID(ctx, store, alertID)
	if err != nil {
		return nil, err
	}
	if alert.Status != database.AlertStatusPending {
		return nil, fmt.Errorf("%w: alert %d is %s", ErrWrongAlertStatus, alertID, alert.Status)
	}

	report, err := store.AlertReport(ctx, alertID, reportID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: report %d, alert %d", ErrReportNotInAlert, reportID, alertID)
	}
	if err != nil {
		return nil, err
	}
	if report.Standing != database.ReportStandingPending {
		return nil, fmt.Errorf("%w: report %d is %s", ErrWrongReportStatus, reportID, report.Standing)
	}
	return report, nil
}

// Escalate promotes a pending alert once enough of its reports were accepted.
func (s *Service) Escalate(ctx context.Context, alertID int64, actor string) error {
	err := s.db.InTx(ctx, func(store database.Store) error {
		alert, err := s.alertByID(ctx, store, alertID)
		if err != nil {
			return err
		}
		if alert.Status != database.AlertStatusPending {
			return fmt.Errorf("%w: alert %d is %s", ErrWrongAlertStatus, alertID, alert.Status)
		}

		phr, err := store.ProjectHealthRisk(ctx, alert.ProjectHealthRiskID)
		if err != nil {
			return err
		}
		accepted, err := store.CountAlertReportsInStanding(ctx, alertID, database.ReportStandingAccepted)
		if err != nil {
			return err
		}
		if accepted < phr.AlertRule.CountThreshold {
			return fmt.Errorf("%w: %d accepted of %d required", ErrThresholdNotReached, accepted, phr.AlertRule.CountThreshold)
		}

		return store.EscalateAlert(ctx, alertID, actor, s.clock.Now())
	})
	if err != nil {
		return err
	}
	slog.Info("Alert escalated", "alert_id", alertID, "actor", actor)
	s.notifier.AlertEscalated(ctx, alertID)
	return nil
}

// Dismiss retires a pending alert as a false signal. Refused while the
// remaining unjudged reports could still carry the alert over its threshold.
func (s *Service) Dismiss(ctx context.Context, alertID int64, actor string) error {
	err := s.db.InTx(ctx, func(store database.Store) error {
		alert, err := s.alertByID(ctx, store, alertID)
		if err != nil {
			return err
		}
		if alert.Status != database.AlertStatusPending {
			return fmt.Errorf("%w: alert %d is %s", ErrWrongAlertStatus, alertID, alert.Status)
		}

		phr, err := store.ProjectHealthRisk(ctx, alert.ProjectHealthRiskID)
		if err != nil {
			return err
		}
		undecided, err := store.CountAlertReportsInStanding(ctx, alertID,
			database.ReportStandingAccepted, database.ReportStandingPending)
		if err != nil {
			return err
		}
		if undecided >= phr.AlertRule.CountThreshold {
			return fmt.Errorf("%w: %d reports still count toward %d", ErrPossibleEscalation, undecided, phr.AlertRule.CountThreshold)
		}

		return store.DismissAlert(ctx, alertID, actor, s.clock.Now())
	})
	if err != nil {
		return err
	}
	slog.Info("Alert dismissed", "alert_id", alertID, "actor", actor)
	return nil
}

// Close archives an escalated alert after the response concluded.
func (s *Service) Close(ctx context.Context, alertID int64, actor, comments string) error {
	err := s.db.InTx(ctx, func(store database.Store) error {
		alert, err := s.alertByID(ctx, store, alertID)
		if err != nil {
			return err
		}
		if alert.Status != database.AlertStatusEscalated {
			return fmt.Errorf("%w: alert %d is %s", ErrWrongAlertStatus, alertID, alert.Status)
		}
		return store.CloseAlert(ctx, alertID, actor, s.clock.Now(), comments)
	})
	if err != nil {
		return err
	}
	slog.Info("Alert closed", "alert_id", alertID, "actor", actor)
	return nil
}

// AlertDetail is an alert together with its linked reports and rule context.
type AlertDetail struct {
	Alert          *database.Alert
	Reports        []*database.Report
	CountThreshold int
	HealthRiskName string
}

// Get returns one alert with its reports.
func (s *Service) Get(ctx context.Context, alertID int64) (*AlertDetail, error) {
	var detail AlertDetail
	err := s.db.Read(ctx, func(store database.Store) error {
		alert, err := s.alertByID(ctx, store, alertID)
		if err != nil {
			return err
		}
		reports, err := store.AlertReports(ctx, alertID)
		if err != nil {
			return err
		}
		phr, err := store.ProjectHealthRisk(ctx, alert.ProjectHealthRiskID)
		if err != nil {
			return err
		}
		detail = AlertDetail{
			Alert:          alert,
			Reports:        reports,
			CountThreshold: phr.AlertRule.CountThreshold,
			HealthRiskName: phr.HealthRisk.Names[phr.Project.LanguageCode],
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns a page of a project's alerts, newest first.
func (s *Service) List(ctx context.Context, projectID int64, offset, limit int) ([]*database.Alert, error) {
	var alerts []*database.Alert
	err := s.db.Read(ctx, func(store database.Store) error {
		var err error
		alerts, err = store.ListAlerts(ctx, projectID, offset, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return alerts, nil
}

// LogEntry is one event in the derived history of an alert.
type LogEntry struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Actor  string    `json:"actor,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Logs derives the chronological event history of an alert from the recorded
// timestamps of the alert and its reports.
func (s *Service) Logs(ctx context.Context, alertID int64) ([]LogEntry, error) {
	var entries []LogEntry
	err := s.db.Read(ctx, func(store database.Store) error {
		alert, err := s.alertByID(ctx, store, alertID)
		if err != nil {
			return err
		}
		reports, err := store.AlertReports(ctx, alertID)
		if err != nil {
			return err
		}

		entries = append(entries, LogEntry{At: alert.CreatedAt, Event: "Created"})
		for _, r := range reports {
			if r.AcceptedAt != nil {
				entries = append(entries, LogEntry{
					At: *r.AcceptedAt, Event: "ReportAccepted", Actor: r.AcceptedBy,
					Detail: fmt.Sprintf("report %d", r.ID),
				})
			}
			if r.RejectedAt != nil {
				entries = append(entries, LogEntry{
					At: *r.RejectedAt, Event: "ReportRejected", Actor: r.RejectedBy,
					Detail: fmt.Sprintf("report %d", r.ID),
				})
			}
		}
		if alert.EscalatedAt != nil {
			entries = append(entries, LogEntry{At: *alert.EscalatedAt, Event: "Escalated", Actor: alert.EscalatedBy})
		}
		if alert.DismissedAt != nil {
			entries = append(entries, LogEntry{At: *alert.DismissedAt, Event: "Dismissed", Actor: alert.DismissedBy})
		}
		if alert.ClosedAt != nil {
			entries = append(entries, LogEntry{At: *alert.ClosedAt, Event: "Closed", Actor: alert.ClosedBy, Detail: alert.Comments})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	return entries, nil
}

func (s *Service) alertByID(ctx context.Context, store database.Store, alertID int64) (*database.Alert, error) {
	alert, err := store.AlertByID(ctx, alertID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrAlertNotFound, alertID)
	}
	if err != nil {
		return nil, err
	}
	return alert, nil
}
