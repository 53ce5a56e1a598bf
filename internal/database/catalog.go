package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
)

// GatewayByAPIKey resolves an inbound gateway configuration by its API key.
// Returns sql.ErrNoRows when no gateway carries the key.
func (t *Tx) GatewayByAPIKey(ctx context.Context, apiKey string) (*GatewaySetting, error) {
	query := `
		SELECT id, name, api_key, gateway_type, email_address, national_society_id
		FROM gateway_settings
		WHERE api_key = $1
	`
	var gs GatewaySetting
	err := t.tx.QueryRowContext(ctx, query, apiKey).Scan(
		&gs.ID,
		&gs.Name,
		&gs.APIKey,
		&gs.GatewayType,
		&gs.EmailAddress,
		&gs.NationalSocietyID,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gateway setting: %w", err)
	}
	return &gs, nil
}

// DataCollectorByPhone resolves a registered data collector by either of its
// phone numbers. Returns sql.ErrNoRows when the sender is unknown.
func (t *Tx) DataCollectorByPhone(ctx context.Context, phone string) (*DataCollector, error) {
	query := `
		SELECT id, kind, phone_number, COALESCE(additional_phone_number, ''),
		       project_id, national_society_id, is_in_training_mode,
		       village, latitude, longitude, supervisor_phone
		FROM data_collectors
		WHERE phone_number = $1 OR additional_phone_number = $1
	`
	var dc DataCollector
	err := t.tx.QueryRowContext(ctx, query, phone).Scan(
		&dc.ID,
		&dc.Kind,
		&dc.PhoneNumber,
		&dc.AdditionalPhoneNumber,
		&dc.ProjectID,
		&dc.NationalSocietyID,
		&dc.IsInTrainingMode,
		&dc.Village,
		&dc.Latitude,
		&dc.Longitude,
		&dc.SupervisorPhone,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data collector: %w", err)
	}
	return &dc, nil
}

const projectHealthRiskColumns = `
	phr.id, phr.project_id, phr.health_risk_id, phr.feedback_message,
	phr.count_threshold, phr.days_threshold, phr.kilometers_threshold,
	hr.id, hr.code, hr.category, hr.names,
	p.id, p.name, p.language_code, p.email_alert_recipients, p.sms_alert_recipients
`

func scanProjectHealthRisk(row *sql.Row) (*ProjectHealthRisk, error) {
	var (
		phr       ProjectHealthRisk
		hr        HealthRisk
		project   Project
		namesJSON []byte
	)
	err := row.Scan(
		&phr.ID,
		&phr.ProjectID,
		&phr.HealthRiskID,
		&phr.FeedbackMessage,
		&phr.AlertRule.CountThreshold,
		&phr.AlertRule.DaysThreshold,
		&phr.AlertRule.KilometersThreshold,
		&hr.ID,
		&hr.Code,
		&hr.Category,
		&namesJSON,
		&project.ID,
		&project.Name,
		&project.LanguageCode,
		pq.Array(&project.EmailAlertRecipients),
		pq.Array(&project.SmsAlertRecipients),
	)
	if err != nil {
		return nil, err
	}

	hr.Names = make(map[string]string)
	if len(namesJSON) > 0 {
		if err := json.Unmarshal(namesJSON, &hr.Names); err != nil {
			slog.Warn("Failed to unmarshal health risk names", "health_risk_id", hr.ID, "error", err)
		}
	}

	phr.HealthRisk = &hr
	phr.Project = &project
	return &phr, nil
}

// ProjectHealthRiskByCode resolves the health-risk-per-project configuration
// for a health-risk code within a project. Returns sql.ErrNoRows when the
// risk is not listed in the project.
func (t *Tx) ProjectHealthRiskByCode(ctx context.Context, projectID int64, healthRiskCode int) (*ProjectHealthRisk, error) {
	query := `
		SELECT ` + projectHealthRiskColumns + `
		FROM project_health_risks phr
		JOIN health_risks hr ON hr.id = phr.health_risk_id
		JOIN projects p ON p.id = phr.project_id
		WHERE phr.project_id = $1 AND hr.code = $2
	`
	phr, err := scanProjectHealthRisk(t.tx.QueryRowContext(ctx, query, projectID, healthRiskCode))
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project health risk: %w", err)
	}
	return phr, nil
}

// ProjectHealthRisk retrieves a health-risk-per-project configuration by ID.
func (t *Tx) ProjectHealthRisk(ctx context.Context, id int64) (*ProjectHealthRisk, error) {
	query := `
		SELECT ` + projectHealthRiskColumns + `
		FROM project_health_risks phr
		JOIN health_risks hr ON hr.id = phr.health_risk_id
		JOIN projects p ON p.id = phr.project_id
		WHERE phr.id = $1
	`
	phr, err := scanProjectHealthRisk(t.tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project health risk not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project health risk: %w", err)
	}
	return phr, nil
}

// GatewayEmailForAlert resolves the email address of the SMS gateway serving
// the alert's national society, used to relay outbound SMS.
func (t *Tx) GatewayEmailForAlert(ctx context.Context, alertID int64) (string, error) {
	query := `
		SELECT gs.email_address
		FROM alerts a
		JOIN project_health_risks phr ON phr.id = a.project_health_risk_id
		JOIN projects p ON p.id = phr.project_id
		JOIN gateway_settings gs ON gs.national_society_id = p.national_society_id
		WHERE a.id = $1
		ORDER BY gs.id
		LIMIT 1
	`
	var email string
	err := t.tx.QueryRowContext(ctx, query, alertID).Scan(&email)
	if err == sql.ErrNoRows {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("failed to get gateway email for alert: %w", err)
	}
	return email, nil
}
