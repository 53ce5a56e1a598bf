package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/KevinTss/nyss/internal/database"
	"github.com/KevinTss/nyss/internal/events"
	"github.com/KevinTss/nyss/internal/memstore"
	"github.com/KevinTss/nyss/internal/notify/provider"
)

var alertTime = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

// capturingProvider records every email handed to the registry.
type capturingProvider struct {
	sent []*provider.EmailRequest
}

func (p *capturingProvider) Name() string       { return "smtp" }
func (p *capturingProvider) IsConfigured() bool { return true }

func (p *capturingProvider) Send(ctx context.Context, req *provider.EmailRequest) error {
	p.sent = append(p.sent, req)
	return nil
}

// capturingPublisher records published events.
type capturingPublisher struct {
	triggered []events.AlertTriggered
	escalated []events.AlertEscalated
}

func (p *capturingPublisher) PublishAlertTriggered(ctx context.Context, evt events.AlertTriggered) error {
	p.triggered = append(p.triggered, evt)
	return nil
}

func (p *capturingPublisher) PublishAlertEscalated(ctx context.Context, evt events.AlertEscalated) error {
	p.escalated = append(p.escalated, evt)
	return nil
}

func newTestService(t *testing.T) (*Service, *memstore.Store, *capturingProvider, *capturingPublisher) {
	t.Helper()
	store := memstore.New()
	emails := &capturingProvider{}
	registry := provider.NewRegistry()
	registry.Register(emails)
	if err := registry.SetPrimary("smtp"); err != nil {
		t.Fatalf("SetPrimary() error: %v", err)
	}
	publisher := &capturingPublisher{}
	return NewService(store, registry, publisher, "alerts@nyss.local", "http://localhost:3000"), store, emails, publisher
}

func seedAlertWithReport(store *memstore.Store) *database.Alert {
	store.GatewayEmail = "sms@gateway.local"
	store.AddProjectHealthRisk(&database.ProjectHealthRisk{
		ID:           1,
		ProjectID:    1,
		HealthRiskID: 1,
		AlertRule:    database.AlertRule{CountThreshold: 3, DaysThreshold: 7, KilometersThreshold: 1},
		HealthRisk:   &database.HealthRisk{ID: 1, Code: 24, Category: database.HealthRiskHuman, Names: map[string]string{"en": "Measles", "fr": "Rougeole"}},
		Project: &database.Project{
			ID:                   1,
			LanguageCode:         "fr",
			EmailAlertRecipients: []string{"chief@nyss.local"},
			SmsAlertRecipients:   []string{"+250700000042"},
		},
	})
	store.AddCollector(&database.DataCollector{
		ID: 1, Kind: database.CollectorHuman, PhoneNumber: "+250700000001",
		ProjectID: 1, SupervisorPhone: "+250700000009",
	})
	alert := store.AddAlert(&database.Alert{
		Status:              database.AlertStatusPending,
		CreatedAt:           alertTime,
		ProjectHealthRiskID: 1,
	})
	report := store.AddReport(&database.Report{
		Type:                database.ReportTypeSingle,
		Standing:            database.ReportStandingPending,
		ProjectHealthRiskID: 1,
		DataCollectorID:     1,
		Village:             "Kigufi",
		ReceivedAt:          alertTime,
		GroupLabel:          "group-a",
	})
	store.Link(alert.ID, report.ID)
	return alert
}

// TestService_Feedback tests the email-to-SMS relay shape.
func TestService_Feedback(t *testing.T) {
	svc, _, emails, _ := newTestService(t)

	gateway := &database.GatewaySetting{Name: "main", EmailAddress: "sms@gateway.local"}
	svc.Feedback(context.Background(), gateway, "+250700000001", "Thank you for reporting.")

	if len(emails.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(emails.sent))
	}
	req := emails.sent[0]
	if req.To[0] != "sms@gateway.local" {
		t.Errorf("To = %v, want the gateway bridge address", req.To)
	}
	if req.Subject != "+250700000001" {
		t.Errorf("Subject = %q, want the recipient phone", req.Subject)
	}
	if req.Body != "Thank you for reporting." {
		t.Errorf("Body = %q", req.Body)
	}
}

// TestService_Feedback_NoBridge tests that feedback is dropped when the
// gateway has no email bridge.
func TestService_Feedback_NoBridge(t *testing.T) {
	svc, _, emails, _ := newTestService(t)

	svc.Feedback(context.Background(), &database.GatewaySetting{Name: "main"}, "+250700000001", "hello")
	if len(emails.sent) != 0 {
		t.Errorf("sent %d emails, want 0 without a bridge", len(emails.sent))
	}
}

// TestService_AlertTriggered tests supervisor SMS and event publication.
func TestService_AlertTriggered(t *testing.T) {
	svc, store, emails, publisher := newTestService(t)
	alert := seedAlertWithReport(store)

	svc.AlertTriggered(context.Background(), alert.ID)

	if len(emails.sent) != 1 {
		t.Fatalf("sent %d emails, want 1 supervisor SMS", len(emails.sent))
	}
	req := emails.sent[0]
	if req.Subject != "+250700000009" {
		t.Errorf("Subject = %q, want the supervisor phone", req.Subject)
	}
	// French project, so the localized template and name are used.
	if !strings.Contains(req.Body, "Rougeole") || !strings.Contains(req.Body, "Kigufi") {
		t.Errorf("Body = %q, want localized risk name and village", req.Body)
	}
	if !strings.Contains(req.Body, "http://localhost:3000/alerts/1") {
		t.Errorf("Body = %q, want the dashboard link", req.Body)
	}

	if len(publisher.triggered) != 1 {
		t.Fatalf("published %d triggered events, want 1", len(publisher.triggered))
	}
	evt := publisher.triggered[0]
	if evt.AlertID != alert.ID || evt.HealthRiskName != "Rougeole" || evt.Village != "Kigufi" {
		t.Errorf("event = %+v", evt)
	}
}

// TestService_AlertTriggered_UnknownAlert tests that resolution failures are
// swallowed.
func TestService_AlertTriggered_UnknownAlert(t *testing.T) {
	svc, _, emails, publisher := newTestService(t)

	svc.AlertTriggered(context.Background(), 999)
	if len(emails.sent) != 0 || len(publisher.triggered) != 0 {
		t.Error("notifications dispatched for an unresolvable alert")
	}
}

// TestService_AlertEscalated tests escalation email, SMS and event.
func TestService_AlertEscalated(t *testing.T) {
	svc, store, emails, publisher := newTestService(t)
	alert := seedAlertWithReport(store)
	if err := store.EscalateAlert(context.Background(), alert.ID, "supervisor@nyss.local", alertTime); err != nil {
		t.Fatalf("EscalateAlert() error: %v", err)
	}

	svc.AlertEscalated(context.Background(), alert.ID)

	if len(emails.sent) != 2 {
		t.Fatalf("sent %d emails, want escalation email plus one SMS", len(emails.sent))
	}
	email := emails.sent[0]
	if email.To[0] != "chief@nyss.local" {
		t.Errorf("email To = %v, want the project recipients", email.To)
	}
	if !strings.Contains(email.Subject, "Rougeole") {
		t.Errorf("email Subject = %q, want the localized risk name", email.Subject)
	}
	sms := emails.sent[1]
	if sms.To[0] != "sms@gateway.local" || sms.Subject != "+250700000042" {
		t.Errorf("SMS relay = To %v Subject %q", sms.To, sms.Subject)
	}

	if len(publisher.escalated) != 1 {
		t.Fatalf("published %d escalated events, want 1", len(publisher.escalated))
	}
	evt := publisher.escalated[0]
	if evt.AlertID != alert.ID || evt.EscalatedBy != "supervisor@nyss.local" {
		t.Errorf("event = %+v", evt)
	}
	if !evt.EscalatedAt.Equal(alertTime) {
		t.Errorf("EscalatedAt = %v, want %v", evt.EscalatedAt, alertTime)
	}
}

// TestRender tests template selection and the english fallback.
func TestRender(t *testing.T) {
	got := render(escalatedSubjectTemplates, "fr", "Rougeole", "Kigufi")
	if !strings.Contains(got, "Alerte transmise") {
		t.Errorf("render(fr) = %q, want the french template", got)
	}
	got = render(escalatedSubjectTemplates, "sw", "Measles", "Kigufi")
	if !strings.Contains(got, "Alert escalated") {
		t.Errorf("render(unknown lang) = %q, want the english fallback", got)
	}
}
