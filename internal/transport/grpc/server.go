package grpcx

import (
	"context"
	"encoding/json"

	"github.com/bcrosbie/gridlink/internal/domain"
	"github.com/bcrosbie/gridlink/internal/rpccontract"
	"github.com/bcrosbie/gridlink/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type SnapshotRPCServer interface {
	GetHealth(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListRecentJobs(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	ListOutcomes(context.Context, *structpb.Struct) (*structpb.ListValue, error)
}

type SnapshotHandler struct {
	svc *service.SnapshotService
}

func NewSnapshotHandler(svc *service.SnapshotService) *SnapshotHandler {
	return &SnapshotHandler{svc: svc}
}

func RegisterSnapshotServer(server *grpc.Server, handler SnapshotRPCServer) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: rpccontract.ServiceName,
		HandlerType: (*SnapshotRPCServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "GetHealth", Handler: getHealthHandler},
			{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
			{MethodName: "ListRecentJobs", Handler: listRecentJobsHandler},
			{MethodName: "ListOutcomes", Handler: listOutcomesHandler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "proto/gridlink/v1/snapshot.proto",
	}, handler)
}

func (h *SnapshotHandler) GetHealth(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(h.svc.Health())
}

func (h *SnapshotHandler) GetSnapshot(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(h.svc.Snapshot())
}

func (h *SnapshotHandler) ListRecentJobs(_ context.Context, request *structpb.Struct) (*structpb.ListValue, error) {
	decoded, err := decodeStruct[service.RecentJobsRequest](request)
	if err != nil {
		return nil, err
	}
	jobs, err := h.svc.RecentJobs(decoded)
	if err != nil {
		return nil, err
	}
	return toList(jobs)
}

func (h *SnapshotHandler) ListOutcomes(ctx context.Context, request *structpb.Struct) (*structpb.ListValue, error) {
	decoded, err := decodeStruct[service.ListOutcomesRequest](request)
	if err != nil {
		return nil, err
	}
	outcomes, err := h.svc.ListOutcomes(ctx, decoded)
	if err != nil {
		return nil, err
	}
	return toList(outcomes)
}

func toStruct(value any) (*structpb.Struct, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, domain.Internal("failed to encode response", err)
	}

	decoded := map[string]any{}
	if err := json.Unmarshal(serialized, &decoded); err != nil {
		return nil, domain.Internal("failed to shape response object", err)
	}
	result, err := structpb.NewStruct(decoded)
	if err != nil {
		return nil, domain.Internal("failed to convert response to protobuf struct", err)
	}
	return result, nil
}

func toList(value any) (*structpb.ListValue, error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, domain.Internal("failed to encode response list", err)
	}

	decoded := []any{}
	if err := json.Unmarshal(serialized, &decoded); err != nil {
		return nil, domain.Internal("failed to shape response list", err)
	}
	result, err := structpb.NewList(decoded)
	if err != nil {
		return nil, domain.Internal("failed to convert response to protobuf list", err)
	}
	return result, nil
}

func decodeStruct[T any](input *structpb.Struct) (T, error) {
	var out T
	if input == nil {
		return out, nil
	}
	serialized, err := json.Marshal(input.AsMap())
	if err != nil {
		return out, domain.InvalidArgument("request payload could not be encoded")
	}
	if err := json.Unmarshal(serialized, &out); err != nil {
		return out, domain.InvalidArgument("request payload shape is invalid")
	}
	return out, nil
}

func getHealthHandler(
	srv any,
	ctx context.Context,
	decoder func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	request := new(emptypb.Empty)
	if err := decoder(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotRPCServer).GetHealth(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpccontract.MethodGetHealth}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SnapshotRPCServer).GetHealth(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, request, info, handler)
}

func getSnapshotHandler(
	srv any,
	ctx context.Context,
	decoder func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	request := new(emptypb.Empty)
	if err := decoder(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotRPCServer).GetSnapshot(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpccontract.MethodGetSnapshot}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SnapshotRPCServer).GetSnapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, request, info, handler)
}

func listRecentJobsHandler(
	srv any,
	ctx context.Context,
	decoder func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	request := new(structpb.Struct)
	if err := decoder(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotRPCServer).ListRecentJobs(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpccontract.MethodListRecentJobs}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SnapshotRPCServer).ListRecentJobs(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, request, info, handler)
}

func listOutcomesHandler(
	srv any,
	ctx context.Context,
	decoder func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	request := new(structpb.Struct)
	if err := decoder(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotRPCServer).ListOutcomes(ctx, request)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: rpccontract.MethodListOutcomes}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SnapshotRPCServer).ListOutcomes(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, request, info, handler)
}
