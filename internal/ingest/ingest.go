// Package ingest validates inbound SMS submissions and admits them as
// reports. Every submission is persisted raw before validation so rejected
// messages stay auditable.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KevinTss/nyss/internal/correlation"
	"github.com/KevinTss/nyss/internal/database"
	"github.com/KevinTss/nyss/internal/epitime"
	"github.com/KevinTss/nyss/internal/events"
	"github.com/KevinTss/nyss/internal/parser"
)

// Declared gateway timestamps use this layout, in UTC.
const timestampLayout = "20060102150405"

// maxClockSkew is how far ahead of the server clock a declared timestamp may
// be before the submission is rejected as coming from the future.
const maxClockSkew = 3 * time.Minute

// RejectionReason classifies why a submission was refused.
type RejectionReason string

const (
	ReasonUnknownGateway         RejectionReason = "UnknownGateway"
	ReasonUnknownReporter        RejectionReason = "UnknownReporter"
	ReasonUnparseable            RejectionReason = "Unparseable"
	ReasonHealthRiskNotInProject RejectionReason = "HealthRiskNotInProject"
	ReasonTypeMismatch           RejectionReason = "TypeMismatch"
	ReasonEmptyAggregate         RejectionReason = "EmptyAggregate"
	ReasonBadTimestamp           RejectionReason = "BadTimestamp"
	ReasonFutureTimestamp        RejectionReason = "FutureTimestamp"
)

// RejectionError reports a refused submission. The raw report is still
// persisted when this is returned.
type RejectionError struct {
	Reason RejectionReason
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("submission rejected (%s): %s", e.Reason, e.Detail)
}

func reject(reason RejectionReason, format string, args ...any) *RejectionError {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Notifier sends reporter feedback and alert notifications after the
// ingestion transaction has committed.
type Notifier interface {
	Feedback(ctx context.Context, gateway *database.GatewaySetting, phone, message string)
	AlertTriggered(ctx context.Context, alertID int64)
}

// Database is the persistence surface the validator runs on.
type Database interface {
	database.TxRunner
}

// Service runs the ingestion validation chain.
type Service struct {
	db       Database
	engine   *correlation.Engine
	notifier Notifier
	clock    epitime.Clock
}

// NewService creates an ingestion service.
func NewService(db Database, engine *correlation.Engine, notifier Notifier, clock epitime.Clock) *Service {
	return &Service{db: db, engine: engine, notifier: notifier, clock: clock}
}

// Ingest validates one inbound submission and, when it passes, admits it as
// a report and hands it to the correlation engine. The raw submission, the
// report and any triggered alert commit in one transaction. A refused
// submission returns a RejectionError with the raw report still committed.
func (s *Service) Ingest(ctx context.Context, msg events.InboundSMS) (*database.Report, error) {
	var (
		rejection *RejectionError
		gateway   *database.GatewaySetting
		phr       *database.ProjectHealthRisk
		report    *database.Report
		alert     *database.Alert
	)

	err := s.db.InTx(ctx, func(store database.Store) error {
		raw := &database.RawReport{
			Sender:            msg.Sender,
			Timestamp:         msg.Timestamp,
			ReceivedAt:        s.clock.Now(),
			Text:              msg.Text,
			IncomingMessageID: msg.IncomingMessageID,
			OutgoingMessageID: msg.OutgoingMessageID,
			ModemNumber:       msg.ModemNumber,
			APIKey:            msg.APIKey,
		}
		if err := store.CreateRawReport(ctx, raw); err != nil {
			return err
		}

		var err error
		gateway, phr, report, alert, rejection, err = s.validate(ctx, store, raw, msg)
		return err
	})
	if err != nil {
		return nil, err
	}

	if rejection != nil {
		slog.Warn("Submission rejected",
			"reason", rejection.Reason, "sender", msg.Sender, "detail", rejection.Detail)
		if gateway != nil {
			s.notifier.Feedback(ctx, gateway, msg.Sender, feedbackForRejection(rejection.Reason))
		}
		return nil, rejection
	}

	slog.Info("Report admitted",
		"report_id", report.ID, "report_type", report.Type, "epi_week", report.EpiWeek)
	if phr.FeedbackMessage != "" {
		s.notifier.Feedback(ctx, gateway, msg.Sender, phr.FeedbackMessage)
	}
	if alert != nil {
		s.notifier.AlertTriggered(ctx, alert.ID)
	}
	return report, nil
}

// validate runs the validation chain inside the ingestion transaction. A
// failed step produces a RejectionError, never an error, so the raw report
// and any resolution progress still commit.
func (s *Service) validate(ctx context.Context, store database.Store, raw *database.RawReport, msg events.InboundSMS) (*database.GatewaySetting, *database.ProjectHealthRisk, *database.Report, *database.Alert, *RejectionError, error) {
	gateway, err := store.GatewayByAPIKey(ctx, msg.APIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil, nil, reject(ReasonUnknownGateway, "no gateway for api key"), nil
	}
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	if gateway.GatewayType != database.GatewayTypeSMSEagle {
		return nil, nil, nil, nil, reject(ReasonUnknownGateway, "gateway type %q is not supported", gateway.GatewayType), nil
	}
	raw.NationalSocietyID = gateway.NationalSocietyID
	if err := store.UpdateRawReport(ctx, raw); err != nil {
		return nil, nil, nil, nil, nil, err
	}

	collector, err := store.DataCollectorByPhone(ctx, msg.Sender)
	if errors.Is(err, sql.ErrNoRows) {
		return gateway, nil, nil, nil, reject(ReasonUnknownReporter, "no data collector with phone %s", msg.Sender), nil
	}
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	// A collector registered under another national society is a stranger to
	// this gateway, not a reporter.
	if collector.NationalSocietyID != gateway.NationalSocietyID {
		return gateway, nil, nil, nil, reject(ReasonUnknownReporter, "data collector %s belongs to national society %d, gateway serves %d",
			msg.Sender, collector.NationalSocietyID, gateway.NationalSocietyID), nil
	}
	raw.DataCollectorID = collector.ID
	raw.IsTraining = collector.IsInTrainingMode
	if err := store.UpdateRawReport(ctx, raw); err != nil {
		return nil, nil, nil, nil, nil, err
	}

	parsed, err := parser.Parse(msg.Text)
	if errors.Is(err, parser.ErrUnsupportedFormat) {
		return gateway, nil, nil, nil, reject(ReasonTypeMismatch, "collection point reports are not accepted over this gateway"), nil
	}
	if err != nil {
		return gateway, nil, nil, nil, reject(ReasonUnparseable, "unrecognized message %q", msg.Text), nil
	}
	if collector.Kind == database.CollectorCollectionPoint && parsed.Type != database.ReportTypeDataCollectionPoint {
		return gateway, nil, nil, nil, reject(ReasonTypeMismatch, "collection point sent a %s report", parsed.Type), nil
	}

	phr, err := store.ProjectHealthRiskByCode(ctx, collector.ProjectID, parsed.HealthRiskCode)
	if errors.Is(err, sql.ErrNoRows) {
		return gateway, nil, nil, nil, reject(ReasonHealthRiskNotInProject, "health risk %d is not in project %d", parsed.HealthRiskCode, collector.ProjectID), nil
	}
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	if !typeMatchesCategory(parsed.Type, phr.HealthRisk.Category) {
		return gateway, nil, nil, nil, reject(ReasonTypeMismatch, "%s report for %s risk %d", parsed.Type, phr.HealthRisk.Category, parsed.HealthRiskCode), nil
	}

	if parsed.Type == database.ReportTypeAggregate && parsed.ReportedCase.Total() == 0 {
		return gateway, nil, nil, nil, reject(ReasonEmptyAggregate, "aggregate report carries no cases"), nil
	}

	receivedAt, err := time.ParseInLocation(timestampLayout, msg.Timestamp, time.UTC)
	if err != nil {
		return gateway, nil, nil, nil, reject(ReasonBadTimestamp, "timestamp %q is not %s", msg.Timestamp, timestampLayout), nil
	}
	now := s.clock.Now()
	if receivedAt.After(now.Add(maxClockSkew)) {
		return gateway, nil, nil, nil, reject(ReasonFutureTimestamp, "timestamp %s is ahead of server time %s", receivedAt.Format(time.RFC3339), now.Format(time.RFC3339)), nil
	}

	report := &database.Report{
		Type:                parsed.Type,
		Standing:            database.ReportStandingNew,
		IsTraining:          collector.IsInTrainingMode,
		ProjectHealthRiskID: phr.ID,
		DataCollectorID:     collector.ID,
		PhoneNumber:         msg.Sender,
		Village:             collector.Village,
		Latitude:            collector.Latitude,
		Longitude:           collector.Longitude,
		ReceivedAt:          receivedAt,
		CreatedAt:           now,
		EpiWeek:             s.clock.EpiWeek(receivedAt),
		ReportedCase:        parsed.ReportedCase,
		ReportedCaseCount:   caseCount(parsed),
	}
	if err := store.CreateReport(ctx, report); err != nil {
		return nil, nil, nil, nil, nil, err
	}
	raw.ReportID = report.ID
	if err := store.UpdateRawReport(ctx, raw); err != nil {
		return nil, nil, nil, nil, nil, err
	}

	alert, err := s.engine.ReportAdded(ctx, store, report, collector.Kind)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	return gateway, phr, report, alert, nil, nil
}

// typeMatchesCategory checks that the report form fits the risk it names.
func typeMatchesCategory(t database.ReportType, c database.HealthRiskCategory) bool {
	switch t {
	case database.ReportTypeSingle, database.ReportTypeAggregate:
		return c == database.HealthRiskHuman
	case database.ReportTypeNonHuman:
		return c == database.HealthRiskNonHuman || c == database.HealthRiskUnusualEvent
	case database.ReportTypeActivity:
		return c == database.HealthRiskActivity
	default:
		return false
	}
}

func caseCount(p *parser.ParsedReport) int {
	switch p.Type {
	case database.ReportTypeSingle:
		return 1
	case database.ReportTypeAggregate:
		return p.ReportedCase.Total()
	default:
		return 0
	}
}

// feedbackForRejection maps a rejection to the short SMS sent back to the
// reporter.
func feedbackForRejection(reason RejectionReason) string {
	switch reason {
	case ReasonUnknownReporter:
		return "Your phone number is not registered. Please contact your supervisor."
	case ReasonUnparseable:
		return "Your report could not be understood. Please check the format and send it again."
	case ReasonHealthRiskNotInProject:
		return "The health risk code you sent is not used in your project."
	case ReasonTypeMismatch:
		return "The report format does not match the health risk code. Please check and send again."
	case ReasonEmptyAggregate:
		return "An aggregate report must contain at least one case."
	case ReasonBadTimestamp, ReasonFutureTimestamp:
		return "Your report carried an invalid time and was not registered. Please send it again."
	default:
		return "Your report could not be registered. Please contact your supervisor."
	}
}
