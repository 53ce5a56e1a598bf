// Package config provides configuration parsing and validation for the
// report pipeline service.
package config

import (
	"fmt"
)

// Config holds all configuration parameters for the service.
type Config struct {
	HTTPPort         string
	KafkaBrokers     string
	InboundSMSTopic  string
	ConsumerGroupID  string
	PostgresDSN      string
	RedisAddr        string
	EmailProvider    string
	EmailFrom        string
	DashboardBaseURL string
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("http-port cannot be empty")
	}
	if c.KafkaBrokers == "" {
		return fmt.Errorf("kafka-brokers cannot be empty")
	}
	if c.InboundSMSTopic == "" {
		return fmt.Errorf("inbound-sms-topic cannot be empty")
	}
	if c.ConsumerGroupID == "" {
		return fmt.Errorf("consumer-group-id cannot be empty")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty")
	}
	if c.EmailFrom == "" {
		return fmt.Errorf("email-from cannot be empty")
	}
	if c.DashboardBaseURL == "" {
		return fmt.Errorf("dashboard-base-url cannot be empty")
	}
	switch c.EmailProvider {
	case "ses", "resend", "smtp":
	default:
		return fmt.Errorf("email-provider must be one of: ses, resend, smtp")
	}
	return nil
}

// MaskDSN masks sensitive information in a DSN for logging.
func MaskDSN(dsn string) string {
	if len(dsn) > 50 {
		return dsn[:20] + "***" + dsn[len(dsn)-20:]
	}
	return "***"
}
