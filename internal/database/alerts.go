package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const alertColumns = `
	a.id, a.status, a.created_at, COALESCE(a.comments, ''), a.project_health_risk_id,
	a.escalated_at, COALESCE(a.escalated_by, ''),
	a.dismissed_at, COALESCE(a.dismissed_by, ''),
	a.closed_at, COALESCE(a.closed_by, '')
`

func scanAlert(scan func(...any) error) (*Alert, error) {
	var (
		a           Alert
		escalatedAt sql.NullTime
		dismissedAt sql.NullTime
		closedAt    sql.NullTime
	)
	err := scan(
		&a.ID, &a.Status, &a.CreatedAt, &a.Comments, &a.ProjectHealthRiskID,
		&escalatedAt, &a.EscalatedBy,
		&dismissedAt, &a.DismissedBy,
		&closedAt, &a.ClosedBy,
	)
	if err != nil {
		return nil, err
	}
	if escalatedAt.Valid {
		a.EscalatedAt = &escalatedAt.Time
	}
	if dismissedAt.Valid {
		a.DismissedAt = &dismissedAt.Time
	}
	if closedAt.Valid {
		a.ClosedAt = &closedAt.Time
	}
	return &a, nil
}

func standingStrings(standings []ReportStanding) []string {
	out := make([]string, len(standings))
	for i, s := range standings {
		out[i] = string(s)
	}
	return out
}

// LockReportGroup takes a transaction-scoped advisory lock keyed on the group
// label, serializing the read-threshold-decide-create sequence for that label
// across concurrent ingestions.
func (t *Tx) LockReportGroup(ctx context.Context, label string) error {
	query := `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`
	if _, err := t.tx.ExecContext(ctx, query, label); err != nil {
		return fmt.Errorf("failed to lock report group %s: %w", label, err)
	}
	return nil
}

// ActiveAlertForLabel returns the active (Pending or Escalated) alert holding
// reports with the label, Escalated ordered before Pending so escalation is
// never silently superseded. ignoreAlertID excludes one alert from
// consideration; pass 0 to consider all. Returns nil when no active alert
// exists for the label.
func (t *Tx) ActiveAlertForLabel(ctx context.Context, label string, ignoreAlertID int64) (*Alert, error) {
	query := `
		SELECT DISTINCT ` + alertColumns + `, (a.status = 'Escalated') AS escalated
		FROM alerts a
		JOIN alert_reports ar ON ar.alert_id = a.id
		JOIN reports r ON r.id = ar.report_id
		WHERE r.group_label = $1
		  AND NOT r.is_training
		  AND NOT r.marked_as_error
		  AND r.standing = ANY($2)
		  AND a.status IN ('Pending', 'Escalated')
		  AND ($3 = 0 OR a.id <> $3)
		ORDER BY escalated DESC, a.id
		LIMIT 1
	`
	alert, err := scanActiveAlert(t.tx.QueryRowContext(ctx, query, label, pq.Array(standingStrings(StandingsCountedForAlerts)), ignoreAlertID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active alert for label: %w", err)
	}
	return alert, nil
}

func scanActiveAlert(row *sql.Row) (*Alert, error) {
	var escalated bool
	var (
		a           Alert
		escalatedAt sql.NullTime
		dismissedAt sql.NullTime
		closedAt    sql.NullTime
	)
	err := row.Scan(
		&a.ID, &a.Status, &a.CreatedAt, &a.Comments, &a.ProjectHealthRiskID,
		&escalatedAt, &a.EscalatedBy,
		&dismissedAt, &a.DismissedBy,
		&closedAt, &a.ClosedBy,
		&escalated,
	)
	if err != nil {
		return nil, err
	}
	if escalatedAt.Valid {
		a.EscalatedAt = &escalatedAt.Time
	}
	if dismissedAt.Valid {
		a.DismissedAt = &dismissedAt.Time
	}
	if closedAt.Valid {
		a.ClosedAt = &closedAt.Time
	}
	return &a, nil
}

// ReportsWithLabelOutsideActiveAlert returns the live reports with the label
// that are free to join an active alert: reports with no Pending, Escalated
// or Closed alert link, plus reports linked only to ignoreAlertID (the alert
// being rejected during recomputation).
func (t *Tx) ReportsWithLabelOutsideActiveAlert(ctx context.Context, label string, ignoreAlertID int64) ([]*Report, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM reports r
		WHERE r.group_label = $1
		  AND NOT r.is_training
		  AND NOT r.marked_as_error
		  AND r.standing = ANY($2)
		  AND (
			NOT EXISTS (
				SELECT 1 FROM alert_reports ar
				JOIN alerts a ON a.id = ar.alert_id
				WHERE ar.report_id = r.id
				  AND a.status IN ('Pending', 'Escalated', 'Closed')
			)
			OR ($3 <> 0 AND EXISTS (
				SELECT 1 FROM alert_reports ar2
				WHERE ar2.report_id = r.id AND ar2.alert_id = $3
			))
		  )
		ORDER BY r.received_at
	`
	return t.queryReports(ctx, query, label, pq.Array(standingStrings(StandingsCountedForAlerts)), ignoreAlertID)
}

// CountableReportsWithLabel returns the reports with the label that count
// toward the alert rule threshold: live standing, not training, not flagged
// as error, and not tied to a closed alert.
func (t *Tx) CountableReportsWithLabel(ctx context.Context, label string) ([]*Report, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM reports r
		WHERE r.group_label = $1
		  AND NOT r.is_training
		  AND NOT r.marked_as_error
		  AND r.standing = ANY($2)
		  AND NOT EXISTS (
			SELECT 1 FROM alert_reports ar
			JOIN alerts a ON a.id = ar.alert_id
			WHERE ar.report_id = r.id AND a.status = 'Closed'
		  )
		ORDER BY r.received_at
	`
	return t.queryReports(ctx, query, label, pq.Array(standingStrings(StandingsCountedForAlerts)))
}

// CreateAlert persists a new Pending alert for the project health risk.
func (t *Tx) CreateAlert(ctx context.Context, projectHealthRiskID int64, createdAt time.Time) (*Alert, error) {
	query := `
		INSERT INTO alerts (status, created_at, project_health_risk_id)
		VALUES ('Pending', $1, $2)
		RETURNING id
	`
	alert := &Alert{
		Status:              AlertStatusPending,
		CreatedAt:           createdAt,
		ProjectHealthRiskID: projectHealthRiskID,
	}
	if err := t.tx.QueryRowContext(ctx, query, createdAt, projectHealthRiskID).Scan(&alert.ID); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}
	return alert, nil
}

// AttachReports links reports to an alert. Re-attaching an already linked
// report is a no-op, so re-running correlation on identical label state never
// duplicates links.
func (t *Tx) AttachReports(ctx context.Context, alertID int64, reportIDs []int64) error {
	if len(reportIDs) == 0 {
		return nil
	}
	query := `
		INSERT INTO alert_reports (alert_id, report_id)
		SELECT $1, unnest($2::bigint[])
		ON CONFLICT DO NOTHING
	`
	if _, err := t.tx.ExecContext(ctx, query, alertID, pq.Array(reportIDs)); err != nil {
		return fmt.Errorf("failed to attach reports to alert: %w", err)
	}
	return nil
}

// AlertByID retrieves an alert. Returns sql.ErrNoRows when absent.
func (t *Tx) AlertByID(ctx context.Context, alertID int64) (*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts a WHERE a.id = $1`
	alert, err := scanAlert(t.tx.QueryRowContext(ctx, query, alertID).Scan)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// AlertForReport returns the alert holding the report, restricted to the
// given statuses. A report linked to a stale Dismissed alert can also sit in
// a newer active one, so Pending and Escalated alerts order before Dismissed;
// ties break on the lowest alert ID. Returns nil when no such alert exists.
func (t *Tx) AlertForReport(ctx context.Context, reportID int64, statuses ...AlertStatus) (*Alert, error) {
	statusStrings := make([]string, len(statuses))
	for i, s := range statuses {
		statusStrings[i] = string(s)
	}
	query := `
		SELECT ` + alertColumns + `
		FROM alerts a
		JOIN alert_reports ar ON ar.alert_id = a.id
		WHERE ar.report_id = $1 AND a.status = ANY($2)
		ORDER BY a.status = 'Dismissed', a.id
		LIMIT 1
	`
	alert, err := scanAlert(t.tx.QueryRowContext(ctx, query, reportID, pq.Array(statusStrings)).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert for report: %w", err)
	}
	return alert, nil
}

// AlertReports returns all reports linked to the alert.
func (t *Tx) AlertReports(ctx context.Context, alertID int64) ([]*Report, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM reports r
		JOIN alert_reports ar ON ar.report_id = r.id
		WHERE ar.alert_id = $1
		ORDER BY r.received_at
	`
	return t.queryReports(ctx, query, alertID)
}

// AlertReportsExcluding returns the alert's reports minus one, the surviving
// set inspected during retraction recomputation.
func (t *Tx) AlertReportsExcluding(ctx context.Context, alertID, reportID int64) ([]*Report, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM reports r
		JOIN alert_reports ar ON ar.report_id = r.id
		WHERE ar.alert_id = $1 AND r.id <> $2
		ORDER BY r.received_at
	`
	return t.queryReports(ctx, query, alertID, reportID)
}

// AlertReport returns one report linked to the alert. Returns sql.ErrNoRows
// when the report is not part of the alert.
func (t *Tx) AlertReport(ctx context.Context, alertID, reportID int64) (*Report, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM reports r
		JOIN alert_reports ar ON ar.report_id = r.id
		WHERE ar.alert_id = $1 AND r.id = $2
	`
	r, err := scanReport(t.tx.QueryRowContext(ctx, query, alertID, reportID).Scan)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert report: %w", err)
	}
	return r, nil
}

// CountAlertReportsInStanding counts the alert's reports in any of the given
// standings.
func (t *Tx) CountAlertReportsInStanding(ctx context.Context, alertID int64, standings ...ReportStanding) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM reports r
		JOIN alert_reports ar ON ar.report_id = r.id
		WHERE ar.alert_id = $1 AND r.standing = ANY($2)
	`
	var count int
	if err := t.tx.QueryRowContext(ctx, query, alertID, pq.Array(standingStrings(standings))).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count alert reports: %w", err)
	}
	return count, nil
}

// ListAlerts retrieves the alerts of a project, newest first.
func (t *Tx) ListAlerts(ctx context.Context, projectID int64, offset, limit int) ([]*Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts a
		JOIN project_health_risks phr ON phr.id = a.project_health_risk_id
		WHERE phr.project_id = $1
		ORDER BY a.created_at DESC, a.id DESC
		OFFSET $2 LIMIT $3
	`
	rows, err := t.tx.QueryContext(ctx, query, projectID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// EscalateAlert records the escalation outcome on the alert.
func (t *Tx) EscalateAlert(ctx context.Context, alertID int64, actor string, at time.Time) error {
	query := `UPDATE alerts SET status = 'Escalated', escalated_at = $2, escalated_by = $3 WHERE id = $1`
	return t.execAlertUpdate(ctx, alertID, query, alertID, at, actor)
}

// DismissAlert records the dismissal outcome on the alert.
func (t *Tx) DismissAlert(ctx context.Context, alertID int64, actor string, at time.Time) error {
	query := `UPDATE alerts SET status = 'Dismissed', dismissed_at = $2, dismissed_by = $3 WHERE id = $1`
	return t.execAlertUpdate(ctx, alertID, query, alertID, at, actor)
}

// CloseAlert records the closure outcome and comments on the alert.
func (t *Tx) CloseAlert(ctx context.Context, alertID int64, actor string, at time.Time, comments string) error {
	query := `UPDATE alerts SET status = 'Closed', closed_at = $2, closed_by = $3, comments = $4 WHERE id = $1`
	return t.execAlertUpdate(ctx, alertID, query, alertID, at, actor, comments)
}

// RejectAlert marks an alert whose cluster no longer meets its rule. Alerts
// already dismissed stay dismissed.
func (t *Tx) RejectAlert(ctx context.Context, alertID int64) error {
	query := `UPDATE alerts SET status = 'Rejected' WHERE id = $1 AND status <> 'Dismissed'`
	if _, err := t.tx.ExecContext(ctx, query, alertID); err != nil {
		return fmt.Errorf("failed to reject alert: %w", err)
	}
	return nil
}

func (t *Tx) execAlertUpdate(ctx context.Context, alertID int64, query string, args ...any) error {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found: %d", alertID)
	}
	return nil
}

// SupervisorPhonesForAlert returns the distinct supervisor phone numbers of
// the collectors whose reports feed the alert.
func (t *Tx) SupervisorPhonesForAlert(ctx context.Context, alertID int64) ([]string, error) {
	query := `
		SELECT DISTINCT dc.supervisor_phone
		FROM alert_reports ar
		JOIN reports r ON r.id = ar.report_id
		JOIN data_collectors dc ON dc.id = r.data_collector_id
		WHERE ar.alert_id = $1 AND dc.supervisor_phone <> ''
		ORDER BY dc.supervisor_phone
	`
	rows, err := t.tx.QueryContext(ctx, query, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to get supervisor phones: %w", err)
	}
	defer rows.Close()

	var phones []string
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, fmt.Errorf("failed to scan supervisor phone: %w", err)
		}
		phones = append(phones, phone)
	}
	return phones, rows.Err()
}

// LatestReportVillageForAlert returns the village of the alert's most recent
// report, used in notification messages.
func (t *Tx) LatestReportVillageForAlert(ctx context.Context, alertID int64) (string, error) {
	query := `
		SELECT r.village
		FROM reports r
		JOIN alert_reports ar ON ar.report_id = r.id
		WHERE ar.alert_id = $1
		ORDER BY r.received_at DESC
		LIMIT 1
	`
	var village string
	err := t.tx.QueryRowContext(ctx, query, alertID).Scan(&village)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest report village: %w", err)
	}
	return village, nil
}
