package grpcclient

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/face-blur/internal/imageprocessor"
	"github.com/example/face-blur/internal/logging"
)

// DialDetector returns a ready-to-use remote detector backed by a gRPC
// connection. The caller owns the connection.
func DialDetector(ctx context.Context, addr string, callTimeout time.Duration, logger *zap.Logger) (*RemoteDetector, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_detector", "", err)
		logger.Error("failed to dial face detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	remote := NewRemoteDetector(conn, callTimeout, logger)
	remote.target = addr
	return remote, conn, nil
}

// RemoteDetector delegates detection to a FaceDetector service.
type RemoteDetector struct {
	conn    grpc.ClientConnInterface
	target  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewRemoteDetector wraps an existing connection. A zero timeout leaves the
// caller's deadline in charge.
func NewRemoteDetector(conn grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) *RemoteDetector {
	return &RemoteDetector{conn: conn, timeout: timeout, logger: logger.Named("remote_detector")}
}

// Name identifies the backend in cache keys and logs.
func (r *RemoteDetector) Name() string {
	return "grpc"
}

// Fingerprint identifies the remote service the boxes come from.
func (r *RemoteDetector) Fingerprint() string {
	if r.target == "" {
		return "default"
	}
	return r.target
}

// Detect implements imageprocessor.Detector.
func (r *RemoteDetector) Detect(ctx context.Context, img image.Image) ([]imageprocessor.BoundingBox, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_image", "", err)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out := new(structpb.ListValue)
	if err := r.conn.Invoke(ctx, detectMethod, wrapperspb.Bytes(buf.Bytes()), out); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect", "", err)
		r.logger.Error("face detector call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	boxes, err := boxesFromList(out)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_response", "", err)
	}
	return boxes, nil
}

var boxFields = [4]string{"top", "right", "bottom", "left"}

func boxesFromList(list *structpb.ListValue) ([]imageprocessor.BoundingBox, error) {
	boxes := make([]imageprocessor.BoundingBox, 0, len(list.GetValues()))
	for i, value := range list.GetValues() {
		entry := value.GetStructValue()
		if entry == nil {
			return nil, fmt.Errorf("box %d is not an object", i)
		}
		var coords [4]int
		for j, name := range boxFields {
			field, ok := entry.GetFields()[name]
			if !ok {
				return nil, fmt.Errorf("box %d is missing %q", i, name)
			}
			coords[j] = int(field.GetNumberValue())
		}
		boxes = append(boxes, imageprocessor.BoundingBox{
			Top:    coords[0],
			Right:  coords[1],
			Bottom: coords[2],
			Left:   coords[3],
		})
	}
	return boxes, nil
}

func boxesToList(boxes []imageprocessor.BoundingBox) *structpb.ListValue {
	values := make([]*structpb.Value, 0, len(boxes))
	for _, box := range boxes {
		values = append(values, structpb.NewStructValue(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"top":    structpb.NewNumberValue(float64(box.Top)),
				"right":  structpb.NewNumberValue(float64(box.Right)),
				"bottom": structpb.NewNumberValue(float64(box.Bottom)),
				"left":   structpb.NewNumberValue(float64(box.Left)),
			},
		}))
	}
	return &structpb.ListValue{Values: values}
}
