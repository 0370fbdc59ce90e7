package grpcclient

import (
	"bytes"
	"context"
	"image/png"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/face-blur/internal/imageprocessor"
)

const (
	serviceName  = "faceblur.v1.FaceDetector"
	detectMethod = "/" + serviceName + "/Detect"
)

// FaceDetectorServer is the server API of the FaceDetector service.
type FaceDetectorServer interface {
	Detect(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.ListValue, error)
}

// ServiceDesc describes the FaceDetector service. Requests carry a PNG in a
// BytesValue; responses list {top,right,bottom,left} objects.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FaceDetectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: detectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "faceblur/v1/detector.proto",
}

func detectHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FaceDetectorServer).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: detectMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FaceDetectorServer).Detect(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterDetector exposes a local detector as a FaceDetector service.
func RegisterDetector(s grpc.ServiceRegistrar, detector imageprocessor.Detector, logger *zap.Logger) {
	s.RegisterService(&ServiceDesc, &detectorServer{detector: detector, logger: logger.Named("detector_server")})
}

type detectorServer struct {
	detector imageprocessor.Detector
	logger   *zap.Logger
}

func (s *detectorServer) Detect(ctx context.Context, in *wrapperspb.BytesValue) (*structpb.ListValue, error) {
	img, err := png.Decode(bytes.NewReader(in.GetValue()))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode png: %v", err)
	}
	boxes, err := s.detector.Detect(ctx, img)
	if err != nil {
		s.logger.Error("detection failed", zap.Error(err))
		return nil, status.Errorf(codes.Internal, "detect: %v", err)
	}
	return boxesToList(boxes), nil
}
