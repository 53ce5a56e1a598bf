package database

import (
	"context"
	"time"
)

// Store is the transactional view of the persistent state consumed by the
// ingestion validator, the correlation engine and the lifecycle service. All
// mutations performed through one Store instance belong to one unit of work.
type Store interface {
	// Configuration reads.
	GatewayByAPIKey(ctx context.Context, apiKey string) (*GatewaySetting, error)
	DataCollectorByPhone(ctx context.Context, phone string) (*DataCollector, error)
	ProjectHealthRiskByCode(ctx context.Context, projectID int64, healthRiskCode int) (*ProjectHealthRisk, error)
	ProjectHealthRisk(ctx context.Context, id int64) (*ProjectHealthRisk, error)

	// Report persistence and standing.
	CreateRawReport(ctx context.Context, raw *RawReport) error
	UpdateRawReport(ctx context.Context, raw *RawReport) error
	CreateReport(ctx context.Context, r *Report) error
	SetReportGroupLabel(ctx context.Context, reportID int64, label string) error
	UpdateReportLabels(ctx context.Context, labels map[int64]string) error
	SetReportStanding(ctx context.Context, reportID int64, standing ReportStanding, actor string, at time.Time) error
	MarkReportsPending(ctx context.Context, reportIDs []int64) error

	// Label group queries used by the labeling service.
	ReportsForRiskBetween(ctx context.Context, projectHealthRiskID int64, from, to time.Time) ([]*Report, error)
	ReportsWithGroupLabel(ctx context.Context, label string, excludeReportID int64) ([]*Report, error)

	// Correlation queries. LockReportGroup serializes the
	// read-threshold-decide-create sequence for one group label.
	LockReportGroup(ctx context.Context, label string) error
	ActiveAlertForLabel(ctx context.Context, label string, ignoreAlertID int64) (*Alert, error)
	ReportsWithLabelOutsideActiveAlert(ctx context.Context, label string, ignoreAlertID int64) ([]*Report, error)
	CountableReportsWithLabel(ctx context.Context, label string) ([]*Report, error)
	CreateAlert(ctx context.Context, projectHealthRiskID int64, createdAt time.Time) (*Alert, error)
	AttachReports(ctx context.Context, alertID int64, reportIDs []int64) error

	// Alert reads and lifecycle transitions.
	AlertByID(ctx context.Context, alertID int64) (*Alert, error)
	AlertForReport(ctx context.Context, reportID int64, statuses ...AlertStatus) (*Alert, error)
	AlertReports(ctx context.Context, alertID int64) ([]*Report, error)
	AlertReportsExcluding(ctx context.Context, alertID, reportID int64) ([]*Report, error)
	AlertReport(ctx context.Context, alertID, reportID int64) (*Report, error)
	CountAlertReportsInStanding(ctx context.Context, alertID int64, standings ...ReportStanding) (int, error)
	ListAlerts(ctx context.Context, projectID int64, offset, limit int) ([]*Alert, error)
	EscalateAlert(ctx context.Context, alertID int64, actor string, at time.Time) error
	DismissAlert(ctx context.Context, alertID int64, actor string, at time.Time) error
	CloseAlert(ctx context.Context, alertID int64, actor string, at time.Time, comments string) error
	RejectAlert(ctx context.Context, alertID int64) error

	// Notification reads.
	SupervisorPhonesForAlert(ctx context.Context, alertID int64) ([]string, error)
	LatestReportVillageForAlert(ctx context.Context, alertID int64) (string, error)
	GatewayEmailForAlert(ctx context.Context, alertID int64) (string, error)
}

// TxRunner executes a unit of work against a Store inside one transaction.
// The transaction commits only when fn returns nil; any error rolls the whole
// unit back, leaving prior state untouched.
type TxRunner interface {
	InTx(ctx context.Context, fn func(Store) error) error
}
