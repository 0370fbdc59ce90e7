package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/example/face-blur/internal/imageprocessor"
	"github.com/example/face-blur/internal/repository"
	"github.com/example/face-blur/internal/usecase"
	"github.com/example/face-blur/internal/workerpool"
)

// MaxUploadSize is the default limit for the uploaded file.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and part headers around the file.
const multipartOverhead = 1 << 20

const invalidContentTypeMessage = "file must be a PNG image (image/png)"

var errUploadTooLarge = errors.New("file exceeds the upload limit")

// AnonymizationService is the subset of the use case the handlers depend on.
type AnonymizationService interface {
	Anonymize(ctx context.Context, imageBytes []byte) (string, *imageprocessor.Result, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
	PoolMetrics() workerpool.Metrics
	GetResult(ctx context.Context, requestID string) (*repository.AnonymizationLog, error)
}

// RegisterRoutes wires the HTTP handlers to the Gin router. A non-positive
// maxUploadBytes falls back to MaxUploadSize.
func RegisterRoutes(router *gin.Engine, svc AnonymizationService, maxUploadBytes int64) {
	if maxUploadBytes <= 0 {
		maxUploadBytes = MaxUploadSize
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", func(c *gin.Context) {
		body := gin.H{"pool": svc.PoolMetrics()}

		summary, err := svc.GetMetricsSummary(c.Request.Context())
		switch {
		case err == nil:
			body["audit"] = summary
		case errors.Is(err, usecase.ErrAuditDisabled):
		default:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, body)
	})

	hello := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Hello from face-blur"})
	}

	analyze := func(c *gin.Context) {
		data, err := readUpload(c, maxUploadBytes)
		if err != nil {
			respondError(c, err)
			return
		}

		requestID, result, err := svc.Anonymize(c.Request.Context(), data)
		if requestID != "" {
			c.Header("X-Request-ID", requestID)
		}
		if err != nil {
			respondError(c, err)
			return
		}

		c.Header("X-Face-Count", strconv.Itoa(len(result.Faces)))
		c.Data(http.StatusOK, "image/png", result.PNG)
	}

	api := router.Group("/api")
	api.GET("/hello", hello)
	api.POST("/analyze", analyze)

	// Paths used by the existing web front end.
	legacy := api.Group("/py")
	legacy.GET("/helloFastApi", hello)
	legacy.POST("/analyze", analyze)

	api.GET("/results/:id", func(c *gin.Context) {
		log, err := svc.GetResult(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, usecase.ErrAuditDisabled):
			c.JSON(http.StatusNotImplemented, gin.H{"error": "audit log is not configured"})
			return
		case errors.Is(err, usecase.ErrResultNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		case err != nil:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id": log.RequestID,
			"sha1":       log.SHA1Hash,
			"face_count": log.FaceCount,
			"width":      log.Width,
			"height":     log.Height,
			"success":    log.Success,
			"error":      log.Error,
			"latency_ms": log.LatencyMs,
			"created_at": log.CreatedAt,
		})
	})
}

// readUpload returns the bytes of the "file" part. Rejections are
// errUploadTooLarge or *imageprocessor.InvalidInputError.
func readUpload(c *gin.Context, maxUploadBytes int64) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes+multipartOverhead)

	file, err := c.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			return nil, errUploadTooLarge
		}
		return nil, imageprocessor.NewInvalidInputError("file is required")
	}
	if file.Size > maxUploadBytes {
		return nil, errUploadTooLarge
	}
	if !isPNGContentType(file.Header.Get("Content-Type")) {
		return nil, imageprocessor.NewInvalidInputError(invalidContentTypeMessage)
	}

	src, err := file.Open()
	if err != nil {
		return nil, imageprocessor.NewInvalidInputError("unable to open file")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	status, message := statusFor(err)
	c.JSON(status, gin.H{"error": message})
}

// isPNGContentType accepts any media type ending in "png", ignoring case and parameters.
func isPNGContentType(value string) bool {
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(mediaType), "png")
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	// mime/multipart does not always wrap the reader error.
	return strings.Contains(err.Error(), "request body too large")
}

// statusFor maps a use case error to a status code and a client-safe message.
func statusFor(err error) (int, string) {
	var invalid *imageprocessor.InvalidInputError
	if errors.As(err, &invalid) {
		return http.StatusBadRequest, invalid.Message
	}
	if errors.Is(err, errUploadTooLarge) {
		return http.StatusRequestEntityTooLarge, errUploadTooLarge.Error()
	}
	if errors.Is(err, imageprocessor.ErrImageTooLarge) {
		return http.StatusRequestEntityTooLarge, "image exceeds the maximum pixel count"
	}
	var procErr *imageprocessor.ProcessingError
	if errors.As(err, &procErr) {
		return http.StatusInternalServerError, procErr.PublicMessage()
	}
	if errors.Is(err, workerpool.ErrPoolBusy) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, "server is busy, try again later"
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, "request cancelled"
	}
	return http.StatusInternalServerError, "internal server error"
}
