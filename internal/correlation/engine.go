// Package correlation decides whether a newly admitted or newly changed
// report triggers, extends or invalidates an alert. It is the only component
// that creates alerts and renegotiates alert membership.
package correlation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KevinTss/nyss/internal/database"
	"github.com/KevinTss/nyss/internal/epitime"
	"github.com/KevinTss/nyss/internal/labeling"
)

// Engine evaluates report clusters against their alert rules. All methods
// run against the caller's transactional store; the caller owns the unit of
// work boundary.
type Engine struct {
	labeler labeling.Service
	clock   epitime.Clock
}

// NewEngine creates a correlation engine.
func NewEngine(labeler labeling.Service, clock epitime.Clock) *Engine {
	return &Engine{labeler: labeler, clock: clock}
}

// ReportAdded evaluates one newly admitted report. It resolves the report's
// group label, attaches the report to the label's active alert if one
// exists, or creates a new Pending alert when the label's live report count
// reaches the rule threshold. Returns the newly created alert, or nil when
// nothing was triggered.
func (e *Engine) ReportAdded(ctx context.Context, store database.Store, report *database.Report, collectorKind database.CollectorKind) (*database.Alert, error) {
	if collectorKind != database.CollectorHuman ||
		(report.Type != database.ReportTypeSingle && report.Type != database.ReportTypeNonHuman) ||
		report.IsTraining {
		return nil, nil
	}

	phr, err := store.ProjectHealthRisk(ctx, report.ProjectHealthRiskID)
	if err != nil {
		return nil, err
	}

	// Activities never alert.
	if phr.HealthRisk.Category == database.HealthRiskActivity {
		return nil, nil
	}

	label, err := e.labeler.AssignLabel(ctx, store, report, phr.AlertRule)
	if err != nil {
		return nil, fmt.Errorf("failed to assign group label: %w", err)
	}
	if err := store.SetReportGroupLabel(ctx, report.ID, label); err != nil {
		return nil, err
	}
	report.GroupLabel = label

	// Serialize the read-threshold-decide-create sequence per label so
	// concurrent ingestions cannot create duplicate alerts for one cluster.
	if err := store.LockReportGroup(ctx, label); err != nil {
		return nil, err
	}

	return e.evaluateLabel(ctx, store, label, phr, 0)
}

// evaluateLabel runs the existing-active-alert resolution for one label and,
// absent an active alert, evaluates the label against the rule threshold.
// ignoreAlertID excludes one alert (the one being rejected) from resolution.
func (e *Engine) evaluateLabel(ctx context.Context, store database.Store, label string, phr *database.ProjectHealthRisk, ignoreAlertID int64) (*database.Alert, error) {
	existing, err := e.attachToExistingAlert(ctx, store, label, ignoreAlertID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	reports, err := store.CountableReportsWithLabel(ctx, label)
	if err != nil {
		return nil, err
	}

	// A zero threshold disables alerting for the risk.
	if phr.AlertRule.CountThreshold == 0 || len(reports) < phr.AlertRule.CountThreshold {
		return nil, nil
	}

	alert, err := store.CreateAlert(ctx, phr.ID, e.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := e.attachReports(ctx, store, alert.ID, reports); err != nil {
		return nil, err
	}

	slog.Info("Alert triggered",
		"alert_id", alert.ID,
		"group_label", label,
		"report_count", len(reports),
		"count_threshold", phr.AlertRule.CountThreshold,
	)
	return alert, nil
}

// attachToExistingAlert finds the label's active alert, Escalated taking
// priority over Pending, and folds in every live report of the label that
// has no active alert of its own. Returns nil when the label has no active
// alert.
func (e *Engine) attachToExistingAlert(ctx context.Context, store database.Store, label string, ignoreAlertID int64) (*database.Alert, error) {
	alert, err := store.ActiveAlertForLabel(ctx, label, ignoreAlertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, nil
	}

	free, err := store.ReportsWithLabelOutsideActiveAlert(ctx, label, ignoreAlertID)
	if err != nil {
		return nil, err
	}
	if err := e.attachReports(ctx, store, alert.ID, free); err != nil {
		return nil, err
	}
	return alert, nil
}

func (e *Engine) attachReports(ctx context.Context, store database.Store, alertID int64, reports []*database.Report) error {
	if len(reports) == 0 {
		return nil
	}
	ids := make([]int64, len(reports))
	for i, r := range reports {
		ids[i] = r.ID
	}
	if err := store.AttachReports(ctx, alertID, ids); err != nil {
		return err
	}
	return store.MarkReportsPending(ctx, ids)
}

// ReportRetracted recomputes cluster membership and alert validity after one
// report inside an active alert was rejected. The labeling service may split
// the cluster; each surviving sub-cluster is independently re-evaluated, so
// reports can migrate to another active alert for their new label or found a
// new one. When no sub-cluster meets the rule any more, the alert is
// rejected, unless it was already dismissed. Returns any alerts founded
// during re-evaluation so the caller can dispatch notifications after
// commit.
func (e *Engine) ReportRetracted(ctx context.Context, store database.Store, reportID int64) ([]*database.Alert, error) {
	inspected, err := store.AlertForReport(ctx, reportID,
		database.AlertStatusPending, database.AlertStatusEscalated, database.AlertStatusDismissed)
	if err != nil {
		return nil, err
	}
	if inspected == nil {
		slog.Warn("No active or dismissed alert holds the retracted report", "report_id", reportID)
		return nil, nil
	}

	report, err := store.AlertReport(ctx, inspected.ID, reportID)
	if err != nil {
		return nil, err
	}

	phr, err := store.ProjectHealthRisk(ctx, report.ProjectHealthRiskID)
	if err != nil {
		return nil, err
	}

	if report.Standing == database.ReportStandingPending {
		if err := store.SetReportStanding(ctx, reportID, database.ReportStandingRejected, "", e.clock.Now()); err != nil {
			return nil, err
		}
	}

	if err := store.LockReportGroup(ctx, report.GroupLabel); err != nil {
		return nil, err
	}

	// Re-cluster the group without the retracted report. The recluster
	// distance is twice the rule window in meters: two reports up to a
	// window apart from a removed middle point may still bridge.
	distance := phr.AlertRule.KilometersThreshold * 1000 * 2
	assignments, err := e.labeler.RecomputeLabels(ctx, store, report.GroupLabel, distance, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute labels: %w", err)
	}
	if err := e.labeler.Commit(ctx, store, assignments); err != nil {
		return nil, err
	}

	survivors, err := store.AlertReportsExcluding(ctx, inspected.ID, reportID)
	if err != nil {
		return nil, err
	}

	byLabel := make(map[string][]*database.Report)
	var labels []string
	for _, r := range survivors {
		if _, seen := byLabel[r.GroupLabel]; !seen {
			labels = append(labels, r.GroupLabel)
		}
		byLabel[r.GroupLabel] = append(byLabel[r.GroupLabel], r)
	}

	for _, group := range byLabel {
		if len(group) >= phr.AlertRule.CountThreshold {
			// Some sub-cluster still qualifies; the alert stands.
			return nil, nil
		}
	}

	if err := store.RejectAlert(ctx, inspected.ID); err != nil {
		return nil, err
	}
	slog.Info("Alert no longer meets its rule",
		"alert_id", inspected.ID,
		"previous_status", inspected.Status,
		"retracted_report_id", reportID,
	)

	var founded []*database.Alert
	for _, label := range labels {
		if err := store.LockReportGroup(ctx, label); err != nil {
			return nil, err
		}
		alert, err := e.evaluateLabel(ctx, store, label, phr, inspected.ID)
		if err != nil {
			return nil, err
		}
		if alert != nil {
			founded = append(founded, alert)
		}
	}
	return founded, nil
}
