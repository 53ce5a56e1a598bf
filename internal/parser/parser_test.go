package parser

import (
	"errors"
	"testing"

	"github.com/KevinTss/nyss/internal/database"
)

func intPtr(n int) *int { return &n }

// TestParse tests the SMS grammar.
func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    *ParsedReport
		wantErr error
	}{
		{
			name: "single report",
			text: "24",
			want: &ParsedReport{Type: database.ReportTypeSingle, HealthRiskCode: 24},
		},
		{
			name: "single report with surrounding whitespace",
			text: "  24 \n",
			want: &ParsedReport{Type: database.ReportTypeSingle, HealthRiskCode: 24},
		},
		{
			name: "aggregate report",
			text: "24#1#0#2#3",
			want: &ParsedReport{
				Type:           database.ReportTypeAggregate,
				HealthRiskCode: 24,
				ReportedCase: database.ReportedCase{
					CountMalesBelowFive:     intPtr(1),
					CountMalesAtLeastFive:   intPtr(0),
					CountFemalesBelowFive:   intPtr(2),
					CountFemalesAtLeastFive: intPtr(3),
				},
			},
		},
		{
			name: "aggregate report with missing segments",
			text: "24##2##",
			want: &ParsedReport{
				Type:           database.ReportTypeAggregate,
				HealthRiskCode: 24,
				ReportedCase: database.ReportedCase{
					CountMalesAtLeastFive: intPtr(2),
				},
			},
		},
		{
			name: "non-human report",
			text: "!53",
			want: &ParsedReport{Type: database.ReportTypeNonHuman, HealthRiskCode: 53},
		},
		{
			name: "activity report",
			text: "*90",
			want: &ParsedReport{Type: database.ReportTypeActivity, HealthRiskCode: 90},
		},
		{
			name:    "collection point form is refused",
			text:    "24#1#0#2#3#1#0#0#1",
			wantErr: ErrUnsupportedFormat,
		},
		{
			name:    "free text",
			text:    "hello",
			wantErr: ErrUnparseable,
		},
		{
			name:    "empty message",
			text:    "",
			wantErr: ErrUnparseable,
		},
		{
			name:    "code too long",
			text:    "1234",
			wantErr: ErrUnparseable,
		},
		{
			name:    "aggregate with wrong segment count",
			text:    "24#1#2",
			wantErr: ErrUnparseable,
		},
		{
			name:    "negative counts are not valid",
			text:    "24#-1#0#0#0",
			wantErr: ErrUnparseable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.text)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse(%q) error = %v, want %v", tt.text, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.text, err)
			}
			if got.Type != tt.want.Type {
				t.Errorf("Parse(%q) type = %s, want %s", tt.text, got.Type, tt.want.Type)
			}
			if got.HealthRiskCode != tt.want.HealthRiskCode {
				t.Errorf("Parse(%q) code = %d, want %d", tt.text, got.HealthRiskCode, tt.want.HealthRiskCode)
			}
			assertCount(t, "males below five", got.ReportedCase.CountMalesBelowFive, tt.want.ReportedCase.CountMalesBelowFive)
			assertCount(t, "males at least five", got.ReportedCase.CountMalesAtLeastFive, tt.want.ReportedCase.CountMalesAtLeastFive)
			assertCount(t, "females below five", got.ReportedCase.CountFemalesBelowFive, tt.want.ReportedCase.CountFemalesBelowFive)
			assertCount(t, "females at least five", got.ReportedCase.CountFemalesAtLeastFive, tt.want.ReportedCase.CountFemalesAtLeastFive)
		})
	}
}

func assertCount(t *testing.T, field string, got, want *int) {
	t.Helper()
	switch {
	case got == nil && want == nil:
	case got == nil || want == nil:
		t.Errorf("%s = %v, want %v", field, got, want)
	case *got != *want:
		t.Errorf("%s = %d, want %d", field, *got, *want)
	}
}
