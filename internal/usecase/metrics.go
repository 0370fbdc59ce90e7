package usecase

import (
	"context"

	"github.com/example/face-blur/internal/workerpool"
)

// MetricsSummary represents aggregated anonymization insights.
type MetricsSummary struct {
	TotalRequests              int64   `json:"total_requests"`
	SuccessfulRequests         int64   `json:"successful_requests"`
	SuccessRate                float64 `json:"success_rate"`
	AverageFaceCount           float64 `json:"average_face_count"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// GetMetricsSummary aggregates anonymization metrics from persisted logs.
func (uc *AnonymizationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}

	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		SuccessfulRequests:         aggregation.SuccessCount,
		AverageFaceCount:           aggregation.AverageFaceCount,
		AverageProcessingLatencyMs: aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

// PoolMetrics reports the worker pool counters.
func (uc *AnonymizationUseCase) PoolMetrics() workerpool.Metrics {
	return uc.pool.Metrics()
}
