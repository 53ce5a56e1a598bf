package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevinTss/nyss/internal/correlation"
	"github.com/KevinTss/nyss/internal/database"
	"github.com/KevinTss/nyss/internal/epitime"
	"github.com/KevinTss/nyss/internal/events"
	"github.com/KevinTss/nyss/internal/labeling"
	"github.com/KevinTss/nyss/internal/memstore"
)

var clockTime = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

const (
	testAPIKey = "gateway-key"
	testPhone  = "+250700000001"
	// 2025-06-02 09:00:00 UTC, three hours before the pinned clock.
	testTimestamp = "20250602090000"
)

// recordingNotifier captures feedback and alert notifications.
type recordingNotifier struct {
	feedback  []string
	triggered []int64
}

func (n *recordingNotifier) Feedback(ctx context.Context, gateway *database.GatewaySetting, phone, message string) {
	n.feedback = append(n.feedback, message)
}

func (n *recordingNotifier) AlertTriggered(ctx context.Context, alertID int64) {
	n.triggered = append(n.triggered, alertID)
}

type fixture struct {
	store    *memstore.Store
	service  *Service
	notifier *recordingNotifier
}

// newFixture seeds a gateway, a human collector and a human health risk with
// the given alert threshold.
func newFixture(countThreshold int) *fixture {
	store := memstore.New()
	notifier := &recordingNotifier{}
	clock := epitime.Fixed{Time: clockTime}
	engine := correlation.NewEngine(labeling.NewGeoService(), clock)

	store.AddGateway(&database.GatewaySetting{
		ID:                1,
		Name:              "main",
		APIKey:            testAPIKey,
		GatewayType:       database.GatewayTypeSMSEagle,
		EmailAddress:      "sms@gateway.local",
		NationalSocietyID: 7,
	})
	store.AddCollector(&database.DataCollector{
		ID:                1,
		Kind:              database.CollectorHuman,
		PhoneNumber:       testPhone,
		ProjectID:         1,
		NationalSocietyID: 7,
		Village:           "Kigufi",
		Latitude:          12.0,
		Longitude:         4.0,
	})
	store.AddProjectHealthRisk(&database.ProjectHealthRisk{
		ID:              1,
		ProjectID:       1,
		HealthRiskID:    1,
		FeedbackMessage: "Thank you for reporting.",
		AlertRule:       database.AlertRule{CountThreshold: countThreshold, DaysThreshold: 7, KilometersThreshold: 1},
		HealthRisk:      &database.HealthRisk{ID: 1, Code: 24, Category: database.HealthRiskHuman, Names: map[string]string{"en": "Measles"}},
		Project:         &database.Project{ID: 1, LanguageCode: "en"},
	})
	return &fixture{
		store:    store,
		service:  NewService(store, engine, notifier, clock),
		notifier: notifier,
	}
}

func inbound(text string) events.InboundSMS {
	return events.InboundSMS{
		Sender:    testPhone,
		Timestamp: testTimestamp,
		Text:      text,
		APIKey:    testAPIKey,
	}
}

// TestService_Ingest_Admits tests the full admission path.
func TestService_Ingest_Admits(t *testing.T) {
	f := newFixture(3)

	report, err := f.service.Ingest(context.Background(), inbound("24"))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	if report.Type != database.ReportTypeSingle {
		t.Errorf("report type = %s, want Single", report.Type)
	}
	if report.Standing != database.ReportStandingNew {
		t.Errorf("report standing = %s, want New", report.Standing)
	}
	if report.Village != "Kigufi" || report.Latitude != 12.0 {
		t.Errorf("location not taken from the collector: %s %f", report.Village, report.Latitude)
	}
	wantReceived := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	if !report.ReceivedAt.Equal(wantReceived) {
		t.Errorf("ReceivedAt = %v, want %v", report.ReceivedAt, wantReceived)
	}
	if report.EpiWeek != epitime.EpiWeek(wantReceived) {
		t.Errorf("EpiWeek = %d, want %d", report.EpiWeek, epitime.EpiWeek(wantReceived))
	}
	if report.ReportedCaseCount != 1 {
		t.Errorf("ReportedCaseCount = %d, want 1", report.ReportedCaseCount)
	}
	if report.GroupLabel == "" {
		t.Error("report was not labeled")
	}

	raw := f.store.RawReport(1)
	if raw == nil {
		t.Fatal("raw report was not persisted")
	}
	if raw.ReportID != report.ID {
		t.Errorf("raw report link = %d, want %d", raw.ReportID, report.ID)
	}
	if raw.NationalSocietyID != 7 || raw.DataCollectorID != 1 {
		t.Errorf("raw report resolution = ns %d, collector %d", raw.NationalSocietyID, raw.DataCollectorID)
	}

	if len(f.notifier.feedback) != 1 || f.notifier.feedback[0] != "Thank you for reporting." {
		t.Errorf("feedback = %v, want the configured message", f.notifier.feedback)
	}
	if len(f.notifier.triggered) != 0 {
		t.Errorf("alert notifications = %v, want none below threshold", f.notifier.triggered)
	}
}

// TestService_Ingest_AggregateCounts tests aggregate case counting.
func TestService_Ingest_AggregateCounts(t *testing.T) {
	f := newFixture(3)

	report, err := f.service.Ingest(context.Background(), inbound("24#1#0#2#3"))
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if report.Type != database.ReportTypeAggregate {
		t.Errorf("report type = %s, want Aggregate", report.Type)
	}
	if report.ReportedCaseCount != 6 {
		t.Errorf("ReportedCaseCount = %d, want 6", report.ReportedCaseCount)
	}
}

// TestService_Ingest_NotifiesTriggeredAlert tests that reaching the threshold
// dispatches the alert notification after commit.
func TestService_Ingest_NotifiesTriggeredAlert(t *testing.T) {
	f := newFixture(2)
	ctx := context.Background()

	if _, err := f.service.Ingest(ctx, inbound("24")); err != nil {
		t.Fatalf("Ingest(first) error: %v", err)
	}
	if _, err := f.service.Ingest(ctx, inbound("24")); err != nil {
		t.Fatalf("Ingest(second) error: %v", err)
	}

	if len(f.notifier.triggered) != 1 {
		t.Fatalf("alert notifications = %v, want exactly one", f.notifier.triggered)
	}
	if got := f.store.Alert(f.notifier.triggered[0]); got == nil || got.Status != database.AlertStatusPending {
		t.Errorf("notified alert = %+v, want a pending alert", got)
	}
}

// TestService_Ingest_Rejections tests the validation chain end to end.
func TestService_Ingest_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(f *fixture)
		msg     func() events.InboundSMS
		want    RejectionReason
	}{
		{
			name: "unknown api key",
			msg: func() events.InboundSMS {
				m := inbound("24")
				m.APIKey = "wrong-key"
				return m
			},
			want: ReasonUnknownGateway,
		},
		{
			name: "unsupported gateway type",
			prepare: func(f *fixture) {
				f.store.AddGateway(&database.GatewaySetting{
					ID: 2, APIKey: "other-key", GatewayType: "Telerivet", NationalSocietyID: 7,
				})
			},
			msg: func() events.InboundSMS {
				m := inbound("24")
				m.APIKey = "other-key"
				return m
			},
			want: ReasonUnknownGateway,
		},
		{
			name: "unregistered sender",
			msg: func() events.InboundSMS {
				m := inbound("24")
				m.Sender = "+250700999999"
				return m
			},
			want: ReasonUnknownReporter,
		},
		{
			name: "sender registered under another national society",
			prepare: func(f *fixture) {
				f.store.AddCollector(&database.DataCollector{
					ID: 4, Kind: database.CollectorHuman, PhoneNumber: "+250700000004",
					ProjectID: 1, NationalSocietyID: 99,
				})
			},
			msg: func() events.InboundSMS {
				m := inbound("24")
				m.Sender = "+250700000004"
				return m
			},
			want: ReasonUnknownReporter,
		},
		{
			name: "unparseable text",
			msg:  func() events.InboundSMS { return inbound("hello world") },
			want: ReasonUnparseable,
		},
		{
			name: "collection point form over sms",
			msg:  func() events.InboundSMS { return inbound("24#1#0#2#3#1#0#0#1") },
			want: ReasonTypeMismatch,
		},
		{
			name: "collection point collector sending single report",
			prepare: func(f *fixture) {
				f.store.AddCollector(&database.DataCollector{
					ID: 2, Kind: database.CollectorCollectionPoint, PhoneNumber: "+250700000002",
					ProjectID: 1, NationalSocietyID: 7,
				})
			},
			msg: func() events.InboundSMS {
				m := inbound("24")
				m.Sender = "+250700000002"
				return m
			},
			want: ReasonTypeMismatch,
		},
		{
			name: "health risk not in project",
			msg:  func() events.InboundSMS { return inbound("99") },
			want: ReasonHealthRiskNotInProject,
		},
		{
			name: "non-human report for human risk",
			msg:  func() events.InboundSMS { return inbound("!24") },
			want: ReasonTypeMismatch,
		},
		{
			name: "aggregate without cases",
			msg:  func() events.InboundSMS { return inbound("24#0#0#0#0") },
			want: ReasonEmptyAggregate,
		},
		{
			name: "malformed timestamp",
			msg: func() events.InboundSMS {
				m := inbound("24")
				m.Timestamp = "2025-06-02 09:00"
				return m
			},
			want: ReasonBadTimestamp,
		},
		{
			name: "timestamp from the future",
			msg: func() events.InboundSMS {
				m := inbound("24")
				// Ten minutes past the pinned clock, beyond the allowed skew.
				m.Timestamp = "20250602121000"
				return m
			},
			want: ReasonFutureTimestamp,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(3)
			if tt.prepare != nil {
				tt.prepare(f)
			}

			_, err := f.service.Ingest(context.Background(), tt.msg())
			var rejection *RejectionError
			if !errors.As(err, &rejection) {
				t.Fatalf("Ingest() error = %v, want a RejectionError", err)
			}
			if rejection.Reason != tt.want {
				t.Errorf("rejection reason = %s, want %s", rejection.Reason, tt.want)
			}

			// The raw submission commits even when refused.
			if f.store.RawReport(1) == nil {
				t.Error("raw report was not persisted for the rejected submission")
			}
		})
	}
}

// TestService_Ingest_RejectionFeedback tests that refused reporters get an
// explanatory SMS when the gateway is known.
func TestService_Ingest_RejectionFeedback(t *testing.T) {
	f := newFixture(3)

	if _, err := f.service.Ingest(context.Background(), inbound("nonsense")); err == nil {
		t.Fatal("Ingest() expected a rejection")
	}
	if len(f.notifier.feedback) != 1 {
		t.Fatalf("feedback = %v, want one message", f.notifier.feedback)
	}

	// An unknown gateway cannot carry feedback back to the sender.
	f = newFixture(3)
	msg := inbound("24")
	msg.APIKey = "wrong-key"
	if _, err := f.service.Ingest(context.Background(), msg); err == nil {
		t.Fatal("Ingest() expected a rejection")
	}
	if len(f.notifier.feedback) != 0 {
		t.Errorf("feedback = %v, want none without a resolved gateway", f.notifier.feedback)
	}
}

// TestService_Ingest_TrainingReport tests that training submissions are
// admitted but never correlate.
func TestService_Ingest_TrainingReport(t *testing.T) {
	f := newFixture(1)
	f.store.AddCollector(&database.DataCollector{
		ID: 3, Kind: database.CollectorHuman, PhoneNumber: "+250700000003",
		ProjectID: 1, NationalSocietyID: 7, IsInTrainingMode: true, Village: "Kigufi",
	})

	msg := inbound("24")
	msg.Sender = "+250700000003"
	report, err := f.service.Ingest(context.Background(), msg)
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if !report.IsTraining {
		t.Error("report did not inherit the collector's training mode")
	}
	if len(f.notifier.triggered) != 0 {
		t.Errorf("training report triggered alerts: %v", f.notifier.triggered)
	}
}

// TestFeedbackForRejection tests that every reason maps to a message.
func TestFeedbackForRejection(t *testing.T) {
	reasons := []RejectionReason{
		ReasonUnknownGateway, ReasonUnknownReporter, ReasonUnparseable,
		ReasonHealthRiskNotInProject, ReasonTypeMismatch, ReasonEmptyAggregate,
		ReasonBadTimestamp, ReasonFutureTimestamp,
	}
	for _, reason := range reasons {
		if feedbackForRejection(reason) == "" {
			t.Errorf("feedbackForRejection(%s) returned an empty message", reason)
		}
	}
}
