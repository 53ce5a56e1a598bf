// Package events defines the message contracts exchanged over Kafka.
package events

import "time"

// Topic names.
const (
	TopicInboundSMS     = "sms.inbound"
	TopicAlertTriggered = "alerts.triggered"
	TopicAlertEscalated = "alerts.escalated"
)

// InboundSMS is one SMS forwarded by a gateway, as published to the inbound
// topic by the gateway-facing edge.
type InboundSMS struct {
	Sender            string `json:"sender"`
	Timestamp         string `json:"timestamp"`
	Text              string `json:"text"`
	IncomingMessageID *int   `json:"msg_id,omitempty"`
	OutgoingMessageID *int   `json:"oid,omitempty"`
	ModemNumber       *int   `json:"modem_no,omitempty"`
	APIKey            string `json:"api_key"`
}

// AlertTriggered announces a newly created alert.
type AlertTriggered struct {
	AlertID        int64     `json:"alert_id"`
	HealthRiskName string    `json:"health_risk_name"`
	Village        string    `json:"village"`
	CreatedAt      time.Time `json:"created_at"`
}

// AlertEscalated announces an alert promoted by a supervisor.
type AlertEscalated struct {
	AlertID     int64     `json:"alert_id"`
	EscalatedBy string    `json:"escalated_by"`
	EscalatedAt time.Time `json:"escalated_at"`
}
