// Package labeling assigns and recomputes the spatio-temporal group labels
// that cluster reports of one health risk. A label is an opaque key shared by
// reports close enough in space and time under the risk's alert rule.
package labeling

import (
	"context"
	"time"

	"github.com/KevinTss/nyss/internal/database"
)

// Assignment is one report-to-label binding produced by recomputation.
type Assignment struct {
	ReportID int64
	Label    string
}

// Service is the labeling capability consumed by the correlation engine.
type Service interface {
	// AssignLabel resolves the stable cluster key for one report given its
	// health risk, location and time, using the rule's day and kilometer
	// windows. Neighbouring groups bridged by the report are merged.
	AssignLabel(ctx context.Context, store database.Store, report *database.Report, rule database.AlertRule) (string, error)

	// RecomputeLabels re-clusters the reports previously sharing a label
	// after one is excluded, returning the new bindings.
	RecomputeLabels(ctx context.Context, store database.Store, previousLabel string, distanceMeters float64, excludeReportID int64) ([]Assignment, error)

	// Commit persists label reassignments.
	Commit(ctx context.Context, store database.Store, assignments []Assignment) error
}

// withinWindows reports whether two reports fall inside both the distance
// and the time window of the rule.
func withinWindows(a, b *database.Report, kilometers float64, days int) bool {
	if distanceMeters(a.Latitude, a.Longitude, b.Latitude, b.Longitude) > kilometers*1000 {
		return false
	}
	gap := a.ReceivedAt.Sub(b.ReceivedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= time.Duration(days)*24*time.Hour
}
