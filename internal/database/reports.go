package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const reportColumns = `
	r.id, r.report_type, r.standing, r.is_training, r.marked_as_error,
	r.project_health_risk_id, r.data_collector_id, r.phone_number, r.village,
	r.latitude, r.longitude, r.received_at, r.created_at, r.epi_week,
	COALESCE(r.group_label, ''),
	r.count_males_below_five, r.count_males_at_least_five,
	r.count_females_below_five, r.count_females_at_least_five,
	r.reported_case_count,
	r.accepted_at, COALESCE(r.accepted_by, ''),
	r.rejected_at, COALESCE(r.rejected_by, '')
`

func scanReport(scan func(...any) error) (*Report, error) {
	var (
		r          Report
		mb5, ma5   sql.NullInt64
		fb5, fa5   sql.NullInt64
		acceptedAt sql.NullTime
		rejectedAt sql.NullTime
	)
	err := scan(
		&r.ID, &r.Type, &r.Standing, &r.IsTraining, &r.MarkedAsError,
		&r.ProjectHealthRiskID, &r.DataCollectorID, &r.PhoneNumber, &r.Village,
		&r.Latitude, &r.Longitude, &r.ReceivedAt, &r.CreatedAt, &r.EpiWeek,
		&r.GroupLabel,
		&mb5, &ma5, &fb5, &fa5,
		&r.ReportedCaseCount,
		&acceptedAt, &r.AcceptedBy,
		&rejectedAt, &r.RejectedBy,
	)
	if err != nil {
		return nil, err
	}
	r.ReportedCase = ReportedCase{
		CountMalesBelowFive:     nullableInt(mb5),
		CountMalesAtLeastFive:   nullableInt(ma5),
		CountFemalesBelowFive:   nullableInt(fb5),
		CountFemalesAtLeastFive: nullableInt(fa5),
	}
	if acceptedAt.Valid {
		r.AcceptedAt = &acceptedAt.Time
	}
	if rejectedAt.Valid {
		r.RejectedAt = &rejectedAt.Time
	}
	return &r, nil
}

func nullableInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func intArg(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func (t *Tx) queryReports(ctx context.Context, query string, args ...any) ([]*Report, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reports: %w", err)
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		r, err := scanReport(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// CreateRawReport persists the inbound submission before validation and
// fills in the generated ID.
func (t *Tx) CreateRawReport(ctx context.Context, raw *RawReport) error {
	query := `
		INSERT INTO raw_reports (sender, declared_timestamp, received_at, text,
			incoming_message_id, outgoing_message_id, modem_number, api_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := t.tx.QueryRowContext(ctx, query,
		raw.Sender, raw.Timestamp, raw.ReceivedAt, raw.Text,
		intArg(raw.IncomingMessageID), intArg(raw.OutgoingMessageID), intArg(raw.ModemNumber), raw.APIKey,
	).Scan(&raw.ID)
	if err != nil {
		return fmt.Errorf("failed to create raw report: %w", err)
	}
	return nil
}

// UpdateRawReport records the resolution progress of a raw report (national
// society, collector, training flag, linked report).
func (t *Tx) UpdateRawReport(ctx context.Context, raw *RawReport) error {
	query := `
		UPDATE raw_reports
		SET national_society_id = NULLIF($2, 0),
		    data_collector_id = NULLIF($3, 0),
		    is_training = $4,
		    received_at = $5,
		    report_id = NULLIF($6, 0)
		WHERE id = $1
	`
	_, err := t.tx.ExecContext(ctx, query,
		raw.ID, raw.NationalSocietyID, raw.DataCollectorID, raw.IsTraining, raw.ReceivedAt, raw.ReportID)
	if err != nil {
		return fmt.Errorf("failed to update raw report: %w", err)
	}
	return nil
}

// CreateReport persists an admitted report and fills in the generated ID.
func (t *Tx) CreateReport(ctx context.Context, r *Report) error {
	query := `
		INSERT INTO reports (report_type, standing, is_training, marked_as_error,
			project_health_risk_id, data_collector_id, phone_number, village,
			latitude, longitude, received_at, created_at, epi_week,
			count_males_below_five, count_males_at_least_five,
			count_females_below_five, count_females_at_least_five,
			reported_case_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id
	`
	err := t.tx.QueryRowContext(ctx, query,
		r.Type, r.Standing, r.IsTraining, r.MarkedAsError,
		r.ProjectHealthRiskID, r.DataCollectorID, r.PhoneNumber, r.Village,
		r.Latitude, r.Longitude, r.ReceivedAt, r.CreatedAt, r.EpiWeek,
		intArg(r.ReportedCase.CountMalesBelowFive), intArg(r.ReportedCase.CountMalesAtLeastFive),
		intArg(r.ReportedCase.CountFemalesBelowFive), intArg(r.ReportedCase.CountFemalesAtLeastFive),
		r.ReportedCaseCount,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

// SetReportGroupLabel assigns the cluster key of one report.
func (t *Tx) SetReportGroupLabel(ctx context.Context, reportID int64, label string) error {
	query := `UPDATE reports SET group_label = $2 WHERE id = $1`
	if _, err := t.tx.ExecContext(ctx, query, reportID, label); err != nil {
		return fmt.Errorf("failed to set report group label: %w", err)
	}
	return nil
}

// UpdateReportLabels applies a batch of label reassignments produced by the
// labeling service.
func (t *Tx) UpdateReportLabels(ctx context.Context, labels map[int64]string) error {
	for reportID, label := range labels {
		if err := t.SetReportGroupLabel(ctx, reportID, label); err != nil {
			return err
		}
	}
	return nil
}

// SetReportStanding moves a report to a new standing, recording the actor and
// timestamp for accepted/rejected outcomes.
func (t *Tx) SetReportStanding(ctx context.Context, reportID int64, standing ReportStanding, actor string, at time.Time) error {
	query := `
		UPDATE reports
		SET standing = $2,
		    accepted_at = CASE WHEN $2 = 'Accepted' THEN $4 ELSE accepted_at END,
		    accepted_by = CASE WHEN $2 = 'Accepted' THEN $3 ELSE accepted_by END,
		    rejected_at = CASE WHEN $2 = 'Rejected' THEN $4 ELSE rejected_at END,
		    rejected_by = CASE WHEN $2 = 'Rejected' THEN $3 ELSE rejected_by END
		WHERE id = $1
	`
	result, err := t.tx.ExecContext(ctx, query, reportID, standing, actor, at)
	if err != nil {
		return fmt.Errorf("failed to set report standing: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("report not found: %d", reportID)
	}
	return nil
}

// MarkReportsPending moves freshly attached reports from New to Pending.
// Reports already past New keep their standing.
func (t *Tx) MarkReportsPending(ctx context.Context, reportIDs []int64) error {
	if len(reportIDs) == 0 {
		return nil
	}
	query := `UPDATE reports SET standing = 'Pending' WHERE id = ANY($1) AND standing = 'New'`
	if _, err := t.tx.ExecContext(ctx, query, pq.Array(reportIDs)); err != nil {
		return fmt.Errorf("failed to mark reports pending: %w", err)
	}
	return nil
}

// ReportsForRiskBetween returns the non-training, non-error reports of one
// project health risk received inside [from, to], the candidate neighbours
// for label assignment.
func (t *Tx) ReportsForRiskBetween(ctx context.Context, projectHealthRiskID int64, from, to time.Time) ([]*Report, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM reports r
		WHERE r.project_health_risk_id = $1
		  AND r.received_at BETWEEN $2 AND $3
		  AND NOT r.is_training
		  AND NOT r.marked_as_error
		ORDER BY r.received_at
	`
	return t.queryReports(ctx, query, projectHealthRiskID, from, to)
}

// ReportsWithGroupLabel returns all reports carrying the label, optionally
// excluding one report.
func (t *Tx) ReportsWithGroupLabel(ctx context.Context, label string, excludeReportID int64) ([]*Report, error) {
	query := `
		SELECT ` + reportColumns + `
		FROM reports r
		WHERE r.group_label = $1 AND ($2 = 0 OR r.id <> $2)
		ORDER BY r.received_at
	`
	return t.queryReports(ctx, query, label, excludeReportID)
}
