package labeling

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/KevinTss/nyss/internal/database"
)

const earthRadiusMeters = 6371000

// distanceMeters computes the haversine distance between two coordinates.
func distanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// GeoService is the default labeling implementation: single-linkage
// clustering over haversine distance and receipt-time proximity. Labels are
// UUID strings.
type GeoService struct{}

// NewGeoService creates the default labeling service.
func NewGeoService() *GeoService {
	return &GeoService{}
}

// AssignLabel finds the neighbours of the report among the risk's recent
// reports and adopts their label. A report bridging several groups merges
// them under one label; a report with no neighbours founds a new group.
func (s *GeoService) AssignLabel(ctx context.Context, store database.Store, report *database.Report, rule database.AlertRule) (string, error) {
	from := report.ReceivedAt.Add(-time.Duration(rule.DaysThreshold) * 24 * time.Hour)
	to := report.ReceivedAt.Add(time.Duration(rule.DaysThreshold) * 24 * time.Hour)

	candidates, err := store.ReportsForRiskBetween(ctx, report.ProjectHealthRiskID, from, to)
	if err != nil {
		return "", fmt.Errorf("failed to load label candidates: %w", err)
	}

	neighbourLabels := make(map[string]struct{})
	for _, candidate := range candidates {
		if candidate.ID == report.ID || candidate.GroupLabel == "" {
			continue
		}
		if withinWindows(report, candidate, rule.KilometersThreshold, rule.DaysThreshold) {
			neighbourLabels[candidate.GroupLabel] = struct{}{}
		}
	}

	if len(neighbourLabels) == 0 {
		return uuid.NewString(), nil
	}

	// Adopt the lexicographically smallest neighbour label so concurrent
	// assignments converge on the same key, and fold the other groups in.
	label := ""
	for l := range neighbourLabels {
		if label == "" || l < label {
			label = l
		}
	}

	if len(neighbourLabels) > 1 {
		merged := make(map[int64]string)
		for l := range neighbourLabels {
			if l == label {
				continue
			}
			group, err := store.ReportsWithGroupLabel(ctx, l, 0)
			if err != nil {
				return "", fmt.Errorf("failed to load group %s for merge: %w", l, err)
			}
			for _, r := range group {
				merged[r.ID] = label
			}
		}
		if err := store.UpdateReportLabels(ctx, merged); err != nil {
			return "", fmt.Errorf("failed to merge label groups: %w", err)
		}
	}

	return label, nil
}

// RecomputeLabels re-clusters the reports that shared previousLabel once
// excludeReportID is taken out. Connected components under the distance
// bound keep clustering together; each component gets a fresh label except
// the largest, which keeps the previous one to limit churn.
func (s *GeoService) RecomputeLabels(ctx context.Context, store database.Store, previousLabel string, distanceMeters float64, excludeReportID int64) ([]Assignment, error) {
	reports, err := store.ReportsWithGroupLabel(ctx, previousLabel, excludeReportID)
	if err != nil {
		return nil, fmt.Errorf("failed to load label group: %w", err)
	}
	if len(reports) == 0 {
		return nil, nil
	}

	components := cluster(reports, distanceMeters)

	// Keep the previous label on the largest component.
	largest := 0
	for i, c := range components {
		if len(c) > len(components[largest]) {
			largest = i
		}
	}

	var assignments []Assignment
	for i, component := range components {
		label := previousLabel
		if i != largest {
			label = uuid.NewString()
		}
		for _, r := range component {
			assignments = append(assignments, Assignment{ReportID: r.ID, Label: label})
		}
	}
	return assignments, nil
}

// Commit persists label reassignments through the store.
func (s *GeoService) Commit(ctx context.Context, store database.Store, assignments []Assignment) error {
	if len(assignments) == 0 {
		return nil
	}
	labels := make(map[int64]string, len(assignments))
	for _, a := range assignments {
		labels[a.ReportID] = a.Label
	}
	if err := store.UpdateReportLabels(ctx, labels); err != nil {
		return fmt.Errorf("failed to commit label assignments: %w", err)
	}
	return nil
}

// cluster partitions reports into connected components where edges join
// reports within maxMeters of each other (union-find, single linkage).
func cluster(reports []*database.Report, maxMeters float64) [][]*database.Report {
	parent := make([]int, len(reports))
	for i := range parent {
		parent[i] = i
	}

	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(i, j int) {
		ri, rj := find(i), find(j)
		if ri != rj {
			parent[ri] = rj
		}
	}

	for i := 0; i < len(reports); i++ {
		for j := i + 1; j < len(reports); j++ {
			if distanceMeters(reports[i].Latitude, reports[i].Longitude, reports[j].Latitude, reports[j].Longitude) <= maxMeters {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]*database.Report)
	var order []int
	for i, r := range reports {
		root := find(i)
		if _, seen := groups[root]; !seen {
			order = append(order, root)
		}
		groups[root] = append(groups[root], r)
	}

	components := make([][]*database.Report, 0, len(groups))
	for _, root := range order {
		components = append(components, groups[root])
	}
	return components
}
