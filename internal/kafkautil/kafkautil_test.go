package kafkautil

import (
	"reflect"
	"testing"
)

// TestParseBrokers tests broker list parsing.
func TestParseBrokers(t *testing.T) {
	tests := []struct {
		name    string
		brokers string
		want    []string
	}{
		{
			name:    "single broker",
			brokers: "localhost:9092",
			want:    []string{"localhost:9092"},
		},
		{
			name:    "multiple brokers with whitespace",
			brokers: "kafka-1:9092, kafka-2:9092 ,kafka-3:9092",
			want:    []string{"kafka-1:9092", "kafka-2:9092", "kafka-3:9092"},
		},
		{
			name:    "empty input",
			brokers: "",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseBrokers(tt.brokers); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseBrokers(%q) = %v, want %v", tt.brokers, got, tt.want)
			}
		})
	}
}

// TestValidateConsumerParams tests consumer parameter validation.
func TestValidateConsumerParams(t *testing.T) {
	if err := ValidateConsumerParams("localhost:9092", "sms.inbound", "report-api"); err != nil {
		t.Errorf("ValidateConsumerParams() unexpected error: %v", err)
	}
	if err := ValidateConsumerParams("", "sms.inbound", "report-api"); err == nil {
		t.Error("ValidateConsumerParams() expected error for empty brokers")
	}
	if err := ValidateConsumerParams("localhost:9092", "", "report-api"); err == nil {
		t.Error("ValidateConsumerParams() expected error for empty topic")
	}
	if err := ValidateConsumerParams("localhost:9092", "sms.inbound", ""); err == nil {
		t.Error("ValidateConsumerParams() expected error for empty group ID")
	}
}

// TestValidateProducerParams tests producer parameter validation.
func TestValidateProducerParams(t *testing.T) {
	if err := ValidateProducerParams("localhost:9092", "alerts.triggered"); err != nil {
		t.Errorf("ValidateProducerParams() unexpected error: %v", err)
	}
	if err := ValidateProducerParams("", "alerts.triggered"); err == nil {
		t.Error("ValidateProducerParams() expected error for empty brokers")
	}
	if err := ValidateProducerParams("localhost:9092", ""); err == nil {
		t.Error("ValidateProducerParams() expected error for empty topic")
	}
}

// TestNewReaderConfig tests the shared reader configuration.
func TestNewReaderConfig(t *testing.T) {
	cfg := NewReaderConfig([]string{"localhost:9092"}, "sms.inbound", "report-api")
	if cfg.Topic != "sms.inbound" {
		t.Errorf("Topic = %q, want sms.inbound", cfg.Topic)
	}
	if cfg.GroupID != "report-api" {
		t.Errorf("GroupID = %q, want report-api", cfg.GroupID)
	}
	if cfg.MinBytes != 1 || cfg.MaxBytes != 10e6 {
		t.Errorf("MinBytes/MaxBytes = %d/%d, want 1/10000000", cfg.MinBytes, cfg.MaxBytes)
	}
	if cfg.CommitInterval != CommitInterval {
		t.Errorf("CommitInterval = %v, want %v", cfg.CommitInterval, CommitInterval)
	}
}
