package service

import (
	"context"
	"strings"
	"time"

	"posbalance/backend/internal/domain"
)

func (s *Service) DailyReport(ctx context.Context, storeID string, date string) (domain.DailyReport, error) {
	storeID = s.storeID(storeID)
	from, err := parseDay(date)
	if err != nil {
		return domain.DailyReport{}, err
	}
	to := from.Add(24 * time.Hour)

	report, err := s.repo.GetDailyReport(ctx, storeID, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report.StoreID = storeID
	report.Date = from.Format("2006-01-02")
	return report, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, storeID string, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := parseDay(date)
		if err != nil {
			return nil, err
		}
		from = parsed
	}
	return s.repo.ListAuditLogs(ctx, s.storeID(storeID), from, from.Add(24*time.Hour), limit)
}
