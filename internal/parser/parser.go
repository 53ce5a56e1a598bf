// Package parser decodes the compact SMS grammar used by field reporters.
package parser

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/KevinTss/nyss/internal/database"
)

// ErrUnparseable is returned when the message matches no known report form.
var ErrUnparseable = errors.New("message does not match any report format")

// ErrUnsupportedFormat is returned for report forms that are recognized but
// not accepted over this channel.
var ErrUnsupportedFormat = errors.New("report format is not accepted over SMS")

// ParsedReport is the decoded content of one SMS report.
type ParsedReport struct {
	Type           database.ReportType
	HealthRiskCode int
	ReportedCase   database.ReportedCase
}

var (
	singleRe    = regexp.MustCompile(`^(\d{1,3})$`)
	aggregateRe = regexp.MustCompile(`^(\d{1,3})#(\d{0,4})#(\d{0,4})#(\d{0,4})#(\d{0,4})$`)
	nonHumanRe  = regexp.MustCompile(`^!(\d{1,3})$`)
	activityRe  = regexp.MustCompile(`^\*(\d{1,3})$`)
	// Collection-point form. Recognized so the sender gets a precise error
	// rather than a generic parse failure.
	collectionPointRe = regexp.MustCompile(`^(\d{1,3})(#\d{0,4}){8}$`)
)

// Parse decodes a report message.
//
//	24            single human case of risk 24
//	24#1#0#2#0    aggregate of risk 24 (males <5, males >=5, females <5, females >=5)
//	!53           non-human event of risk 53
//	*90           activity of risk 90
//
// Empty aggregate segments mean the count was not supplied.
func Parse(text string) (*ParsedReport, error) {
	msg := strings.TrimSpace(text)

	if m := singleRe.FindStringSubmatch(msg); m != nil {
		return &ParsedReport{
			Type:           database.ReportTypeSingle,
			HealthRiskCode: mustInt(m[1]),
		}, nil
	}

	if m := aggregateRe.FindStringSubmatch(msg); m != nil {
		return &ParsedReport{
			Type:           database.ReportTypeAggregate,
			HealthRiskCode: mustInt(m[1]),
			ReportedCase: database.ReportedCase{
				CountMalesBelowFive:     optionalInt(m[2]),
				CountMalesAtLeastFive:   optionalInt(m[3]),
				CountFemalesBelowFive:   optionalInt(m[4]),
				CountFemalesAtLeastFive: optionalInt(m[5]),
			},
		}, nil
	}

	if m := nonHumanRe.FindStringSubmatch(msg); m != nil {
		return &ParsedReport{
			Type:           database.ReportTypeNonHuman,
			HealthRiskCode: mustInt(m[1]),
		}, nil
	}

	if m := activityRe.FindStringSubmatch(msg); m != nil {
		return &ParsedReport{
			Type:           database.ReportTypeActivity,
			HealthRiskCode: mustInt(m[1]),
		}, nil
	}

	if collectionPointRe.MatchString(msg) {
		return nil, ErrUnsupportedFormat
	}

	return nil, ErrUnparseable
}

func mustInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func optionalInt(s string) *int {
	if s == "" {
		return nil
	}
	n, _ := strconv.Atoi(s)
	return &n
}
