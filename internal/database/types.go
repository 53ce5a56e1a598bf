// Package database provides PostgreSQL persistence for reports, alerts and
// the surveillance configuration they resolve against.
package database

import "time"

// ReportType identifies the kind of observation a report carries.
type ReportType string

const (
	ReportTypeSingle              ReportType = "Single"
	ReportTypeAggregate           ReportType = "Aggregate"
	ReportTypeNonHuman            ReportType = "NonHuman"
	ReportTypeActivity            ReportType = "Activity"
	ReportTypeDataCollectionPoint ReportType = "DataCollectionPoint"
)

// ReportStanding is the review standing of a report.
type ReportStanding string

const (
	ReportStandingNew      ReportStanding = "New"
	ReportStandingPending  ReportStanding = "Pending"
	ReportStandingAccepted ReportStanding = "Accepted"
	ReportStandingRejected ReportStanding = "Rejected"
)

// StandingsCountedForAlerts are the report standings considered live when
// evaluating a report group against its alert rule.
var StandingsCountedForAlerts = []ReportStanding{
	ReportStandingNew,
	ReportStandingPending,
	ReportStandingAccepted,
}

// AlertStatus is the lifecycle status of an alert.
type AlertStatus string

const (
	AlertStatusPending   AlertStatus = "Pending"
	AlertStatusEscalated AlertStatus = "Escalated"
	AlertStatusDismissed AlertStatus = "Dismissed"
	AlertStatusRejected  AlertStatus = "Rejected"
	AlertStatusClosed    AlertStatus = "Closed"
)

// HealthRiskCategory classifies a health risk.
type HealthRiskCategory string

const (
	HealthRiskHuman        HealthRiskCategory = "Human"
	HealthRiskNonHuman     HealthRiskCategory = "NonHuman"
	HealthRiskUnusualEvent HealthRiskCategory = "UnusualEvent"
	HealthRiskActivity     HealthRiskCategory = "Activity"
)

// CollectorKind identifies the kind of data collector.
type CollectorKind string

const (
	CollectorHuman           CollectorKind = "Human"
	CollectorCollectionPoint CollectorKind = "CollectionPoint"
)

// GatewayTypeSMSEagle is the only inbound gateway kind currently supported.
const GatewayTypeSMSEagle = "SmsEagle"

// GatewaySetting is the configuration of one inbound SMS gateway.
type GatewaySetting struct {
	ID                int64
	Name              string
	APIKey            string
	GatewayType       string
	EmailAddress      string
	NationalSocietyID int64
}

// DataCollector is a registered field reporter.
type DataCollector struct {
	ID                    int64
	Kind                  CollectorKind
	PhoneNumber           string
	AdditionalPhoneNumber string
	ProjectID             int64
	NationalSocietyID     int64
	IsInTrainingMode      bool
	Village               string
	Latitude              float64
	Longitude             float64
	SupervisorPhone       string
}

// AlertRule holds the per-health-risk-per-project thresholds that define an
// alert-worthy report cluster. Read-only during correlation.
type AlertRule struct {
	CountThreshold      int
	DaysThreshold       int
	KilometersThreshold float64
}

// HealthRisk is an entry of the health-risk catalog.
type HealthRisk struct {
	ID       int64
	Code     int
	Category HealthRiskCategory
	// Names maps a language code to the localized health-risk name.
	Names map[string]string
}

// Project groups collectors and health risks under one surveillance effort.
type Project struct {
	ID                   int64
	Name                 string
	LanguageCode         string
	EmailAlertRecipients []string
	SmsAlertRecipients   []string
}

// ProjectHealthRisk binds a health risk to a project along with the alert
// rule and the feedback message sent back to reporters.
type ProjectHealthRisk struct {
	ID              int64
	ProjectID       int64
	HealthRiskID    int64
	FeedbackMessage string
	AlertRule       AlertRule
	HealthRisk      *HealthRisk
	Project         *Project
}

// ReportedCase carries the demographic counts of a report. Nil means the
// count was not supplied.
type ReportedCase struct {
	CountMalesBelowFive     *int
	CountMalesAtLeastFive   *int
	CountFemalesBelowFive   *int
	CountFemalesAtLeastFive *int
}

// Total sums the supplied counts, treating missing counts as zero.
func (c ReportedCase) Total() int {
	total := 0
	for _, n := range []*int{c.CountMalesBelowFive, c.CountMalesAtLeastFive, c.CountFemalesBelowFive, c.CountFemalesAtLeastFive} {
		if n != nil {
			total += *n
		}
	}
	return total
}

// RawReport is the inbound submission as received from the gateway, persisted
// before validation so rejected messages remain auditable.
type RawReport struct {
	ID                int64
	Sender            string
	Timestamp         string
	ReceivedAt        time.Time
	Text              string
	IncomingMessageID *int
	OutgoingMessageID *int
	ModemNumber       *int
	APIKey            string
	NationalSocietyID int64
	DataCollectorID   int64
	IsTraining        bool
	ReportID          int64
}

// Report is one admitted observation.
type Report struct {
	ID                  int64
	Type                ReportType
	Standing            ReportStanding
	IsTraining          bool
	MarkedAsError       bool
	ProjectHealthRiskID int64
	DataCollectorID     int64
	PhoneNumber         string
	Village             string
	Latitude            float64
	Longitude           float64
	ReceivedAt          time.Time
	CreatedAt           time.Time
	EpiWeek             int
	// GroupLabel is the opaque spatio-temporal cluster key. Empty until the
	// labeling service has resolved it.
	GroupLabel        string
	ReportedCase      ReportedCase
	ReportedCaseCount int
	AcceptedAt        *time.Time
	AcceptedBy        string
	RejectedAt        *time.Time
	RejectedBy        string
}

// Alert is a correlation of reports believed to represent one epidemic signal.
type Alert struct {
	ID                  int64
	Status              AlertStatus
	CreatedAt           time.Time
	Comments            string
	ProjectHealthRiskID int64
	EscalatedAt         *time.Time
	EscalatedBy         string
	DismissedAt         *time.Time
	DismissedBy         string
	ClosedAt            *time.Time
	ClosedBy            string
}

// AlertReport links a report to an alert.
type AlertReport struct {
	AlertID  int64
	ReportID int64
}
