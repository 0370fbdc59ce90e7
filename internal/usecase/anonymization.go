package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-blur/internal/imageprocessor"
	"github.com/example/face-blur/internal/logging"
	"github.com/example/face-blur/internal/repository"
	"github.com/example/face-blur/internal/workerpool"
)

// AuditRepository defines the persistence operations needed by the use case.
type AuditRepository interface {
	SaveLog(ctx context.Context, log *repository.AnonymizationLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.AnonymizationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Pool runs CPU-bound work with bounded concurrency.
type Pool interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
	Metrics() workerpool.Metrics
}

// NamedDetector is a detector that can be identified in cache keys. The
// fingerprint must change whenever the detector would report different boxes.
type NamedDetector interface {
	imageprocessor.Detector
	Name() string
	Fingerprint() string
}

// Options carries the optional collaborators of the use case.
type Options struct {
	// Detector and Cache together enable the detection cache.
	Detector       NamedDetector
	Cache          Cache
	CacheTTL       time.Duration
	Repository     AuditRepository
	ProcessTimeout time.Duration
}

// AnonymizationUseCase encapsulates the business logic of the anonymize flow.
type AnonymizationUseCase struct {
	processor      imageprocessor.Processor
	pool           Pool
	detector       NamedDetector
	cache          Cache
	cacheTTL       time.Duration
	repo           AuditRepository
	processTimeout time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

var (
	// ErrAuditDisabled is returned by audit queries when no repository is configured.
	ErrAuditDisabled = errors.New("audit log is not configured")
	// ErrResultNotFound is returned when no audit record matches a request id.
	ErrResultNotFound = errors.New("result not found")
)

// NewAnonymizationUseCase constructs a new use case instance.
func NewAnonymizationUseCase(processor imageprocessor.Processor, pool Pool, logger *zap.Logger, opts Options) *AnonymizationUseCase {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &AnonymizationUseCase{
		processor:      processor,
		pool:           pool,
		detector:       opts.Detector,
		cache:          opts.Cache,
		cacheTTL:       ttl,
		repo:           opts.Repository,
		processTimeout: opts.ProcessTimeout,
		logger:         logger.Named("anonymization_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
	}
}

// Anonymize blurs every face in imageBytes. The request id is returned even on
// failure so callers can correlate logs.
func (uc *AnonymizationUseCase) Anonymize(ctx context.Context, imageBytes []byte) (string, *imageprocessor.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.anonymize", requestID)
	start := uc.now()

	hash := sha1.Sum(imageBytes)
	hashHex := hex.EncodeToString(hash[:])

	if len(imageBytes) == 0 {
		err := logging.NewOperationError("usecase.anonymize", requestID, imageprocessor.NewInvalidInputError("file is empty"))
		opLogger.Warn("image rejected", zap.Error(err))
		return requestID, nil, err
	}

	req := imageprocessor.Request{RequestID: requestID, Image: imageBytes}
	if uc.cache != nil && uc.detector != nil {
		req.Detector = &cachingDetector{
			uc:        uc,
			inner:     uc.detector,
			key:       cacheKey(uc.detector, hashHex),
			requestID: requestID,
		}
	}

	processCtx := ctx
	if uc.processTimeout > 0 {
		var cancel context.CancelFunc
		processCtx, cancel = context.WithTimeout(ctx, uc.processTimeout)
		defer cancel()
	}

	// The job may outlive Do when processCtx ends, so the result is only
	// received after Do reports success.
	resultCh := make(chan *imageprocessor.Result, 1)
	err := uc.pool.Do(processCtx, func(ctx context.Context) error {
		res, err := uc.processor.Process(ctx, req)
		if err != nil {
			return err
		}
		resultCh <- res
		return nil
	})

	var result *imageprocessor.Result
	if err == nil {
		result = <-resultCh
	}

	uc.audit(ctx, requestID, hashHex, result, err, uc.now().Sub(start))

	if err != nil {
		wrapped := logging.NewOperationError("usecase.anonymize", requestID, err)
		var invalid *imageprocessor.InvalidInputError
		if errors.As(err, &invalid) || errors.Is(err, imageprocessor.ErrImageTooLarge) {
			opLogger.Warn("image rejected", zap.Error(wrapped))
		} else {
			opLogger.Error("anonymization failed", zap.Error(wrapped))
		}
		return requestID, nil, wrapped
	}

	opLogger.Info("image anonymized",
		zap.Int("faces", len(result.Faces)),
		zap.Int("width", result.Width),
		zap.Int("height", result.Height),
		zap.Duration("latency", uc.now().Sub(start)),
	)
	return requestID, result, nil
}

// GetResult returns the audit record of a previous request.
func (uc *AnonymizationUseCase) GetResult(ctx context.Context, requestID string) (*repository.AnonymizationLog, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

func (uc *AnonymizationUseCase) audit(ctx context.Context, requestID, hash string, result *imageprocessor.Result, procErr error, latency time.Duration) {
	if uc.repo == nil {
		return
	}

	log := &repository.AnonymizationLog{
		RequestID: requestID,
		SHA1Hash:  hash,
		Success:   procErr == nil,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: uc.now().UTC(),
	}
	if result != nil {
		log.FaceCount = len(result.Faces)
		log.Width = result.Width
		log.Height = result.Height
	}
	if procErr != nil {
		log.Error = procErr.Error()
	}

	// The client may already be gone; the record is still wanted.
	if err := uc.repo.SaveLog(context.WithoutCancel(ctx), log); err != nil {
		logging.WithOperation(uc.logger, "usecase.audit", requestID).Warn("failed to persist audit log", zap.Error(err))
	}
}

func cacheKey(detector NamedDetector, imageHash string) string {
	return fmt.Sprintf("faces:%s:%s:%s", detector.Name(), detector.Fingerprint(), imageHash)
}

type cachingDetector struct {
	uc        *AnonymizationUseCase
	inner     imageprocessor.Detector
	key       string
	requestID string
}

func (d *cachingDetector) Detect(ctx context.Context, img image.Image) ([]imageprocessor.BoundingBox, error) {
	opLogger := logging.WithOperation(d.uc.logger, "usecase.detect", d.requestID)

	cached, err := d.uc.withRedisGet(ctx, d.requestID, "cache.get.faces", d.key)
	switch {
	case err == nil:
		var boxes []imageprocessor.BoundingBox
		decodeErr := json.Unmarshal([]byte(cached), &boxes)
		if decodeErr == nil {
			opLogger.Debug("detection cache hit", zap.Int("faces", len(boxes)))
			return boxes, nil
		}
		opLogger.Warn("failed to decode cached faces", zap.Error(decodeErr))
	case !errors.Is(err, ErrCacheMiss):
		opLogger.Warn("failed to read detection cache", zap.Error(err))
	}

	boxes, err := d.inner.Detect(ctx, img)
	if err != nil {
		return nil, err
	}

	serialized, err := json.Marshal(boxes)
	if err != nil {
		opLogger.Warn("failed to serialize faces", zap.Error(err))
		return boxes, nil
	}
	if err := d.uc.withRedisRetry(ctx, d.requestID, "cache.set.faces", func() error {
		return d.uc.cache.Set(ctx, d.key, string(serialized), d.uc.cacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache faces", zap.Error(err))
	}
	return boxes, nil
}

func (uc *AnonymizationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, ErrCacheMiss) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *AnonymizationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
