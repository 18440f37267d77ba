package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified name of the task service.
const ServiceName = "taskrunner.v1.TaskService"

const (
	TaskService_List_FullMethodName        = "/" + ServiceName + "/List"
	TaskService_Start_FullMethodName       = "/" + ServiceName + "/Start"
	TaskService_Abort_FullMethodName       = "/" + ServiceName + "/Abort"
	TaskService_Kill_FullMethodName        = "/" + ServiceName + "/Kill"
	TaskService_KillAll_FullMethodName     = "/" + ServiceName + "/KillAll"
	TaskService_StreamLines_FullMethodName = "/" + ServiceName + "/StreamLines"
)

// TaskServiceServer is the server API for the task service. Messages are
// protobuf well-known types:
//
//	List(Empty) -> ListValue of task names
//	Start(StringValue name) -> Empty
//	Abort(StringValue name) -> Empty
//	Kill(Struct{name, signal}) -> Empty
//	KillAll(StringValue signal) -> Empty
//	StreamLines(StringValue name) -> stream StringValue
type TaskServiceServer interface {
	List(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Start(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Abort(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Kill(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	KillAll(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	StreamLines(*wrapperspb.StringValue, grpc.ServerStreamingServer[wrapperspb.StringValue]) error
}

// RegisterTaskServiceServer registers srv on s.
func RegisterTaskServiceServer(s grpc.ServiceRegistrar, srv TaskServiceServer) {
	s.RegisterService(&TaskService_ServiceDesc, srv)
}

func unaryHandler[Req any, Res any](
	method string,
	call func(TaskServiceServer, context.Context, *Req) (*Res, error),
) grpc.MethodHandler {
	return func(
		srv any,
		ctx context.Context,
		dec func(any) error,
		interceptor grpc.UnaryServerInterceptor,
	) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return call(srv.(TaskServiceServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}

		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(TaskServiceServer), ctx, req.(*Req))
		}

		return interceptor(ctx, in, info, handler)
	}
}

func streamLinesHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}

	return srv.(TaskServiceServer).StreamLines(
		in,
		&grpc.GenericServerStream[wrapperspb.StringValue, wrapperspb.StringValue]{ServerStream: stream},
	)
}

// TaskService_ServiceDesc describes the task service for grpc.Server.
var TaskService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "List",
			Handler:    unaryHandler(TaskService_List_FullMethodName, TaskServiceServer.List),
		},
		{
			MethodName: "Start",
			Handler:    unaryHandler(TaskService_Start_FullMethodName, TaskServiceServer.Start),
		},
		{
			MethodName: "Abort",
			Handler:    unaryHandler(TaskService_Abort_FullMethodName, TaskServiceServer.Abort),
		},
		{
			MethodName: "Kill",
			Handler:    unaryHandler(TaskService_Kill_FullMethodName, TaskServiceServer.Kill),
		},
		{
			MethodName: "KillAll",
			Handler:    unaryHandler(TaskService_KillAll_FullMethodName, TaskServiceServer.KillAll),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamLines",
			Handler:       streamLinesHandler,
			ServerStreams: true,
		},
	},
}
