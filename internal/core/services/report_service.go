package services

import (
	"context"
	"fmt"

	"github.com/JeanGrijp/quota-limiter/internal/core/domain"
	"github.com/JeanGrijp/quota-limiter/internal/core/ports"
)

// ReportService expõe o uso atual dos contadores sem alterá-los.
type ReportService struct {
	storage ports.Storage
}

var _ ports.Reporter = (*ReportService)(nil)

func NewReportService(storage ports.Storage) (*ReportService, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	return &ReportService{storage: storage}, nil
}

func (s *ReportService) UserReport(ctx context.Context, user string) (domain.UsageReport, error) {
	if user == "" {
		return nil, domain.ErrUserRequired
	}
	report, err := s.storage.DumpUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("dump user counts: %w", err)
	}
	return report, nil
}

func (s *ReportService) AllReport(ctx context.Context) (map[string]domain.UsageReport, error) {
	all, err := s.storage.DumpAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("dump all counts: %w", err)
	}
	return all, nil
}
