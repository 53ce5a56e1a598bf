// Package notify dispatches alert notifications and reporter feedback. SMS
// is relayed through the gateway's email bridge; alert state changes are
// also published as events for downstream consumers. Notification failures
// are logged and never fail the operation that caused them.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/KevinTss/nyss/internal/database"
	"github.com/KevinTss/nyss/internal/events"
	"github.com/KevinTss/nyss/internal/notify/provider"
)

// Database is the read-only persistence surface used to resolve recipients.
type Database interface {
	Read(ctx context.Context, fn func(database.Store) error) error
}

// EventPublisher publishes alert state changes to the event bus.
type EventPublisher interface {
	PublishAlertTriggered(ctx context.Context, evt events.AlertTriggered) error
	PublishAlertEscalated(ctx context.Context, evt events.AlertEscalated) error
}

// Service resolves recipients and dispatches notifications.
type Service struct {
	db        Database
	emails    *provider.Registry
	publisher EventPublisher
	from      string
	baseURL   string
}

// NewService creates a notification service. from is the sender address for
// outbound email; baseURL is the dashboard root used to build alert links.
func NewService(db Database, emails *provider.Registry, publisher EventPublisher, from, baseURL string) *Service {
	return &Service{db: db, emails: emails, publisher: publisher, from: from, baseURL: baseURL}
}

// Feedback relays a message to a reporter's phone through the gateway's
// email-to-SMS bridge.
func (s *Service) Feedback(ctx context.Context, gateway *database.GatewaySetting, phone, message string) {
	if gateway.EmailAddress == "" {
		slog.Warn("Gateway has no email bridge, dropping feedback", "gateway", gateway.Name, "phone", phone)
		return
	}
	s.smsViaEmail(ctx, gateway.EmailAddress, phone, message)
}

// AlertTriggered notifies the supervisors of the reporters behind a new
// alert and publishes the corresponding event.
func (s *Service) AlertTriggered(ctx context.Context, alertID int64) {
	var (
		alert        *database.Alert
		phr          *database.ProjectHealthRisk
		village      string
		phones       []string
		gatewayEmail string
	)
	err := s.db.Read(ctx, func(store database.Store) error {
		var err error
		if alert, err = store.AlertByID(ctx, alertID); err != nil {
			return err
		}
		if phr, err = store.ProjectHealthRisk(ctx, alert.ProjectHealthRiskID); err != nil {
			return err
		}
		if village, err = store.LatestReportVillageForAlert(ctx, alertID); err != nil {
			return err
		}
		if phones, err = store.SupervisorPhonesForAlert(ctx, alertID); err != nil {
			return err
		}
		gatewayEmail, err = store.GatewayEmailForAlert(ctx, alertID)
		return err
	})
	if err != nil {
		slog.Error("Failed to resolve alert notification recipients", "alert_id", alertID, "error", err)
		return
	}

	lang := phr.Project.LanguageCode
	riskName := s.healthRiskName(phr, lang)
	message := render(triggeredSMSTemplates, lang, riskName, village, s.alertLink(alertID))
	for _, phone := range phones {
		s.smsViaEmail(ctx, gatewayEmail, phone, message)
	}

	evt := events.AlertTriggered{
		AlertID:        alertID,
		HealthRiskName: riskName,
		Village:        village,
		CreatedAt:      alert.CreatedAt,
	}
	if err := s.publisher.PublishAlertTriggered(ctx, evt); err != nil {
		slog.Error("Failed to publish alert triggered event", "alert_id", alertID, "error", err)
	}
}

// AlertEscalated notifies the project's configured escalation recipients and
// publishes the corresponding event.
func (s *Service) AlertEscalated(ctx context.Context, alertID int64) {
	var (
		alert        *database.Alert
		phr          *database.ProjectHealthRisk
		village      string
		gatewayEmail string
	)
	err := s.db.Read(ctx, func(store database.Store) error {
		var err error
		if alert, err = store.AlertByID(ctx, alertID); err != nil {
			return err
		}
		if phr, err = store.ProjectHealthRisk(ctx, alert.ProjectHealthRiskID); err != nil {
			return err
		}
		if village, err = store.LatestReportVillageForAlert(ctx, alertID); err != nil {
			return err
		}
		gatewayEmail, err = store.GatewayEmailForAlert(ctx, alertID)
		return err
	})
	if err != nil {
		slog.Error("Failed to resolve escalation recipients", "alert_id", alertID, "error", err)
		return
	}

	lang := phr.Project.LanguageCode
	riskName := s.healthRiskName(phr, lang)
	subject := render(escalatedSubjectTemplates, lang, riskName, village)
	body := render(escalatedBodyTemplates, lang, riskName, village, s.alertLink(alertID))

	if len(phr.Project.EmailAlertRecipients) > 0 {
		req := &provider.EmailRequest{
			From:    s.from,
			To:      phr.Project.EmailAlertRecipients,
			Subject: subject,
			Body:    body,
		}
		if err := s.emails.Send(ctx, req); err != nil {
			slog.Error("Failed to send escalation email", "alert_id", alertID, "error", err)
		}
	}
	for _, phone := range phr.Project.SmsAlertRecipients {
		s.smsViaEmail(ctx, gatewayEmail, phone, body)
	}

	evt := events.AlertEscalated{AlertID: alertID, EscalatedBy: alert.EscalatedBy}
	if alert.EscalatedAt != nil {
		evt.EscalatedAt = *alert.EscalatedAt
	}
	if err := s.publisher.PublishAlertEscalated(ctx, evt); err != nil {
		slog.Error("Failed to publish alert escalated event", "alert_id", alertID, "error", err)
	}
}

// smsViaEmail relays one SMS through the gateway's email bridge. The subject
// carries the recipient phone number, the body the message.
func (s *Service) smsViaEmail(ctx context.Context, gatewayEmail, phone, message string) {
	req := &provider.EmailRequest{
		From:    s.from,
		To:      []string{gatewayEmail},
		Subject: phone,
		Body:    message,
	}
	if err := s.emails.Send(ctx, req); err != nil {
		slog.Error("Failed to relay SMS through gateway", "gateway_email", gatewayEmail, "phone", phone, "error", err)
		return
	}
	slog.Info("SMS relayed through gateway", "phone", phone)
}

func (s *Service) healthRiskName(phr *database.ProjectHealthRisk, lang string) string {
	if name, ok := phr.HealthRisk.Names[lang]; ok {
		return name
	}
	if name, ok := phr.HealthRisk.Names["en"]; ok {
		return name
	}
	return fmt.Sprintf("health risk %d", phr.HealthRisk.Code)
}

func (s *Service) alertLink(alertID int64) string {
	return fmt.Sprintf("%s/alerts/%d", s.baseURL, alertID)
}
