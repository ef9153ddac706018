package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/lvdistribuidora/api/internal/domain"
	"github.com/lvdistribuidora/api/internal/repositories"
)

// SystemServiceDeps bundles collaborators for the system utility service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
}

type systemService struct {
	healthRepo repositories.HealthRepository
	clock      func() time.Time
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the service backing the readiness endpoint.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &systemService{
		healthRepo: deps.HealthRepository,
		clock:      func() time.Time { return clock().UTC() },
	}, nil
}

// HealthReport collects dependency probe results and fills in any fields
// a repository implementation left blank.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	report, err := s.healthRepo.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, err
	}
	return s.normalise(report), nil
}

func (s *systemService) normalise(report domain.SystemHealthReport) domain.SystemHealthReport {
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = s.clock()
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status != "" {
		return report
	}

	report.Status = domain.HealthStatusOK
	for _, check := range report.Checks {
		if check.Status == domain.HealthStatusError {
			report.Status = domain.HealthStatusError
			break
		}
		if check.Status != domain.HealthStatusOK && check.Status != "" {
			report.Status = domain.HealthStatusDegraded
		}
	}
	return report
}
