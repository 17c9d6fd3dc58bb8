package store

import (
	"context"
	"errors"

	"github.com/joescharf/tsr/internal/models"
)

// ErrNotFound is wrapped by lookups that match no report.
var ErrNotFound = errors.New("not found")

// DefaultQueryLimit is applied when a ReportFilter carries no limit.
const DefaultQueryLimit = 50

// ReportFilter specifies filters for querying reports. Zero values match all.
type ReportFilter struct {
	Environment models.Environment
	Decision    models.Decision
	CodebaseSHA string
	Limit       int
	Offset      int
}

// CountFilter specifies filters for counting reports. Zero values match all.
type CountFilter struct {
	Environment models.Environment
	Decision    models.Decision
}

// Store defines the persistence interface for test summary reports.
type Store interface {
	// SaveReport inserts or fully replaces a report by id and returns the id.
	// Creation metadata and the version manifest of an existing report are
	// kept; every other field and all nested collections are replaced.
	SaveReport(ctx context.Context, r *models.TestSummaryReport) (string, error)
	GetReport(ctx context.Context, id string) (*models.TestSummaryReport, error)
	// ResolveReportID expands a unique id prefix to the full id.
	ResolveReportID(ctx context.Context, prefix string) (string, error)
	// GetLatestReport returns the newest report, optionally restricted to one
	// environment. An empty store yields ErrNotFound.
	GetLatestReport(ctx context.Context, env models.Environment) (*models.TestSummaryReport, error)
	QueryReports(ctx context.Context, filter ReportFilter) ([]*models.TestSummaryReport, error)
	CountReports(ctx context.Context, filter CountFilter) (int, error)
	// DeleteReport removes a report and all of its nested rows. It reports
	// whether a row existed.
	DeleteReport(ctx context.Context, id string) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Stats summarizes decision counts over stored reports.
type Stats struct {
	Environment   models.Environment `json:"environment,omitempty"`
	Total         int                `json:"total"`
	Go            int                `json:"go"`
	NoGo          int                `json:"no_go"`
	PendingReview int                `json:"pending_review"`
	GoRate        float64            `json:"go_rate"`
}

// ComputeStats counts reports per decision, optionally within one environment.
func ComputeStats(ctx context.Context, s Store, env models.Environment) (Stats, error) {
	st := Stats{Environment: env}
	counts := map[models.Decision]*int{
		models.DecisionGo:            &st.Go,
		models.DecisionNoGo:          &st.NoGo,
		models.DecisionPendingReview: &st.PendingReview,
	}
	for _, d := range models.Decisions {
		n, err := s.CountReports(ctx, CountFilter{Environment: env, Decision: d})
		if err != nil {
			return st, err
		}
		*counts[d] = n
		st.Total += n
	}
	if st.Total > 0 {
		st.GoRate = float64(st.Go) / float64(st.Total)
	}
	return st, nil
}
