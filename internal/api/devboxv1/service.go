// Package devboxv1 defines the DevboxService gRPC contract: its messages, the
// CBOR codec they travel in, and the client and server bindings.
package devboxv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/antonkrylov/devbox/internal/devbox"
)

const ServiceName = "devbox.v1.DevboxService"

const (
	DevboxService_CreateDevbox_FullMethodName   = "/" + ServiceName + "/CreateDevbox"
	DevboxService_GetDevbox_FullMethodName      = "/" + ServiceName + "/GetDevbox"
	DevboxService_ListDevboxes_FullMethodName   = "/" + ServiceName + "/ListDevboxes"
	DevboxService_SuspendDevbox_FullMethodName  = "/" + ServiceName + "/SuspendDevbox"
	DevboxService_ResumeDevbox_FullMethodName   = "/" + ServiceName + "/ResumeDevbox"
	DevboxService_ShutdownDevbox_FullMethodName = "/" + ServiceName + "/ShutdownDevbox"
	DevboxService_StartExecution_FullMethodName = "/" + ServiceName + "/StartExecution"
	DevboxService_GetExecution_FullMethodName   = "/" + ServiceName + "/GetExecution"
	DevboxService_SendStdin_FullMethodName      = "/" + ServiceName + "/SendStdin"
	DevboxService_GetLogs_FullMethodName        = "/" + ServiceName + "/GetLogs"
	DevboxService_ReadFile_FullMethodName       = "/" + ServiceName + "/ReadFile"
	DevboxService_WriteFile_FullMethodName      = "/" + ServiceName + "/WriteFile"
	DevboxService_OpenChannel_FullMethodName    = "/" + ServiceName + "/OpenChannel"
)

type DevboxService_OpenChannelServer = grpc.BidiStreamingServer[ChannelFrame, ChannelFrame]

type DevboxService_OpenChannelClient = grpc.BidiStreamingClient[ChannelFrame, ChannelFrame]

// DevboxServiceServer is implemented by control planes.
type DevboxServiceServer interface {
	CreateDevbox(context.Context, *CreateDevboxRequest) (*devbox.Devbox, error)
	GetDevbox(context.Context, *DevboxRef) (*devbox.Devbox, error)
	ListDevboxes(context.Context, *ListDevboxesRequest) (*ListDevboxesResponse, error)
	SuspendDevbox(context.Context, *DevboxRef) (*devbox.Devbox, error)
	ResumeDevbox(context.Context, *DevboxRef) (*devbox.Devbox, error)
	ShutdownDevbox(context.Context, *DevboxRef) (*devbox.Devbox, error)
	StartExecution(context.Context, *StartExecutionRequest) (*devbox.Execution, error)
	GetExecution(context.Context, *GetExecutionRequest) (*devbox.Execution, error)
	SendStdin(context.Context, *SendStdinRequest) (*devbox.Execution, error)
	GetLogs(context.Context, *GetLogsRequest) (*GetLogsResponse, error)
	ReadFile(context.Context, *ReadFileRequest) (*ReadFileResponse, error)
	WriteFile(context.Context, *WriteFileRequest) (*WriteFileResponse, error)
	OpenChannel(DevboxService_OpenChannelServer) error
}

// UnimplementedDevboxServiceServer answers every call with codes.Unimplemented.
type UnimplementedDevboxServiceServer struct{}

func (UnimplementedDevboxServiceServer) CreateDevbox(context.Context, *CreateDevboxRequest) (*devbox.Devbox, error) {
	return nil, status.Error(codes.Unimplemented, "method CreateDevbox not implemented")
}
func (UnimplementedDevboxServiceServer) GetDevbox(context.Context, *DevboxRef) (*devbox.Devbox, error) {
	return nil, status.Error(codes.Unimplemented, "method GetDevbox not implemented")
}
func (UnimplementedDevboxServiceServer) ListDevboxes(context.Context, *ListDevboxesRequest) (*ListDevboxesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListDevboxes not implemented")
}
func (UnimplementedDevboxServiceServer) SuspendDevbox(context.Context, *DevboxRef) (*devbox.Devbox, error) {
	return nil, status.Error(codes.Unimplemented, "method SuspendDevbox not implemented")
}
func (UnimplementedDevboxServiceServer) ResumeDevbox(context.Context, *DevboxRef) (*devbox.Devbox, error) {
	return nil, status.Error(codes.Unimplemented, "method ResumeDevbox not implemented")
}
func (UnimplementedDevboxServiceServer) ShutdownDevbox(context.Context, *DevboxRef) (*devbox.Devbox, error) {
	return nil, status.Error(codes.Unimplemented, "method ShutdownDevbox not implemented")
}
func (UnimplementedDevboxServiceServer) StartExecution(context.Context, *StartExecutionRequest) (*devbox.Execution, error) {
	return nil, status.Error(codes.Unimplemented, "method StartExecution not implemented")
}
func (UnimplementedDevboxServiceServer) GetExecution(context.Context, *GetExecutionRequest) (*devbox.Execution, error) {
	return nil, status.Error(codes.Unimplemented, "method GetExecution not implemented")
}
func (UnimplementedDevboxServiceServer) SendStdin(context.Context, *SendStdinRequest) (*devbox.Execution, error) {
	return nil, status.Error(codes.Unimplemented, "method SendStdin not implemented")
}
func (UnimplementedDevboxServiceServer) GetLogs(context.Context, *GetLogsRequest) (*GetLogsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetLogs not implemented")
}
func (UnimplementedDevboxServiceServer) ReadFile(context.Context, *ReadFileRequest) (*ReadFileResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ReadFile not implemented")
}
func (UnimplementedDevboxServiceServer) WriteFile(context.Context, *WriteFileRequest) (*WriteFileResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method WriteFile not implemented")
}
func (UnimplementedDevboxServiceServer) OpenChannel(DevboxService_OpenChannelServer) error {
	return status.Error(codes.Unimplemented, "method OpenChannel not implemented")
}

// RegisterDevboxServiceServer registers srv on s.
func RegisterDevboxServiceServer(s grpc.ServiceRegistrar, srv DevboxServiceServer) {
	s.RegisterService(&DevboxService_ServiceDesc, srv)
}

func unary[Req, Resp any](fullMethod string, call func(DevboxServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DevboxServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DevboxServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func openChannelHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DevboxServiceServer).OpenChannel(&grpc.GenericServerStream[ChannelFrame, ChannelFrame]{ServerStream: stream})
}

// DevboxService_ServiceDesc describes DevboxService for grpc.Server.
var DevboxService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DevboxServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateDevbox", Handler: unary(DevboxService_CreateDevbox_FullMethodName, DevboxServiceServer.CreateDevbox)},
		{MethodName: "GetDevbox", Handler: unary(DevboxService_GetDevbox_FullMethodName, DevboxServiceServer.GetDevbox)},
		{MethodName: "ListDevboxes", Handler: unary(DevboxService_ListDevboxes_FullMethodName, DevboxServiceServer.ListDevboxes)},
		{MethodName: "SuspendDevbox", Handler: unary(DevboxService_SuspendDevbox_FullMethodName, DevboxServiceServer.SuspendDevbox)},
		{MethodName: "ResumeDevbox", Handler: unary(DevboxService_ResumeDevbox_FullMethodName, DevboxServiceServer.ResumeDevbox)},
		{MethodName: "ShutdownDevbox", Handler: unary(DevboxService_ShutdownDevbox_FullMethodName, DevboxServiceServer.ShutdownDevbox)},
		{MethodName: "StartExecution", Handler: unary(DevboxService_StartExecution_FullMethodName, DevboxServiceServer.StartExecution)},
		{MethodName: "GetExecution", Handler: unary(DevboxService_GetExecution_FullMethodName, DevboxServiceServer.GetExecution)},
		{MethodName: "SendStdin", Handler: unary(DevboxService_SendStdin_FullMethodName, DevboxServiceServer.SendStdin)},
		{MethodName: "GetLogs", Handler: unary(DevboxService_GetLogs_FullMethodName, DevboxServiceServer.GetLogs)},
		{MethodName: "ReadFile", Handler: unary(DevboxService_ReadFile_FullMethodName, DevboxServiceServer.ReadFile)},
		{MethodName: "WriteFile", Handler: unary(DevboxService_WriteFile_FullMethodName, DevboxServiceServer.WriteFile)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "OpenChannel",
			Handler:       openChannelHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "devbox/v1/devbox.cbor",
}

// DevboxServiceClient is the client side of DevboxService.
type DevboxServiceClient interface {
	CreateDevbox(ctx context.Context, in *CreateDevboxRequest, opts ...grpc.CallOption) (*devbox.Devbox, error)
	GetDevbox(ctx context.Context, in *DevboxRef, opts ...grpc.CallOption) (*devbox.Devbox, error)
	ListDevboxes(ctx context.Context, in *ListDevboxesRequest, opts ...grpc.CallOption) (*ListDevboxesResponse, error)
	SuspendDevbox(ctx context.Context, in *DevboxRef, opts ...grpc.CallOption) (*devbox.Devbox, error)
	ResumeDevbox(ctx context.Context, in *DevboxRef, opts ...grpc.CallOption) (*devbox.Devbox, error)
	ShutdownDevbox(ctx context.Context, in *DevboxRef, opts ...grpc.CallOption) (*devbox.Devbox, error)
	StartExecution(ctx context.Context, in *StartExecutionRequest, opts ...grpc.CallOption) (*devbox.Execution, error)
	GetExecution(ctx context.Context, in *GetExecutionRequest, opts ...grpc.CallOption) (*devbox.Execution, error)
	SendStdin(ctx context.Context, in *SendStdinRequest, opts ...grpc.CallOption) (*devbox.Execution, error)
	GetLogs(ctx context.Context, in *GetLogsRequest, opts ...grpc.CallOption) (*GetLogsResponse, error)
	ReadFile(ctx context.Context, in *ReadFileRequest, opts ...grpc.CallOption) (*ReadFileResponse, error)
	WriteFile(ctx context.Context, in *WriteFileRequest, opts ...grpc.CallOption) (*WriteFileResponse, error)
	OpenChannel(ctx context.Context, opts ...grpc.CallOption) (DevboxService_OpenChannelClient, error)
}

type devboxServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewDevboxServiceClient binds a client to cc. Every call is sent with the
// CBOR content-subtype.
func NewDevboxServiceClient(cc grpc.ClientConnInterface) DevboxServiceClient {
	return &devboxServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *devboxServiceClient) CreateDevbox(ctx context.Context, in *CreateDevboxRequest, opts ...grpc.CallOption) (*devbox.Devbox, error) {
	return invoke[devbox.Devbox](ctx, c.cc, DevboxService_CreateDevbox_FullMethodName, in, opts)
}

func (c *devboxServiceClient) GetDevbox(ctx context.Context, in *DevboxRef, opts ...grpc.CallOption) (*devbox.Devbox, error) {
	return invoke[devbox.Devbox](ctx, c.cc, DevboxService_GetDevbox_FullMethodName, in, opts)
}

func (c *devboxServiceClient) ListDevboxes(ctx context.Context, in *ListDevboxesRequest, opts ...grpc.CallOption) (*ListDevboxesResponse, error) {
	return invoke[ListDevboxesResponse](ctx, c.cc, DevboxService_ListDevboxes_FullMethodName, in, opts)
}

func (c *devboxServiceClient) SuspendDevbox(ctx context.Context, in *DevboxRef, opts ...grpc.CallOption) (*devbox.Devbox, error) {
	return invoke[devbox.Devbox](ctx, c.cc, DevboxService_SuspendDevbox_FullMethodName, in, opts)
}

func (c *devboxServiceClient) ResumeDevbox(ctx context.Context, in *DevboxRef, opts ...grpc.CallOption) (*devbox.Devbox, error) {
	return invoke[devbox.Devbox](ctx, c.cc, DevboxService_ResumeDevbox_FullMethodName, in, opts)
}

func (c *devboxServiceClient) ShutdownDevbox(ctx context.Context, in *DevboxRef, opts ...grpc.CallOption) (*devbox.Devbox, error) {
	return invoke[devbox.Devbox](ctx, c.cc, DevboxService_ShutdownDevbox_FullMethodName, in, opts)
}

func (c *devboxServiceClient) StartExecution(ctx context.Context, in *StartExecutionRequest, opts ...grpc.CallOption) (*devbox.Execution, error) {
	return invoke[devbox.Execution](ctx, c.cc, DevboxService_StartExecution_FullMethodName, in, opts)
}

func (c *devboxServiceClient) GetExecution(ctx context.Context, in *GetExecutionRequest, opts ...grpc.CallOption) (*devbox.Execution, error) {
	return invoke[devbox.Execution](ctx, c.cc, DevboxService_GetExecution_FullMethodName, in, opts)
}

func (c *devboxServiceClient) SendStdin(ctx context.Context, in *SendStdinRequest, opts ...grpc.CallOption) (*devbox.Execution, error) {
	return invoke[devbox.Execution](ctx, c.cc, DevboxService_SendStdin_FullMethodName, in, opts)
}

func (c *devboxServiceClient) GetLogs(ctx context.Context, in *GetLogsRequest, opts ...grpc.CallOption) (*GetLogsResponse, error) {
	return invoke[GetLogsResponse](ctx, c.cc, DevboxService_GetLogs_FullMethodName, in, opts)
}

func (c *devboxServiceClient) ReadFile(ctx context.Context, in *ReadFileRequest, opts ...grpc.CallOption) (*ReadFileResponse, error) {
	return invoke[ReadFileResponse](ctx, c.cc, DevboxService_ReadFile_FullMethodName, in, opts)
}

func (c *devboxServiceClient) WriteFile(ctx context.Context, in *WriteFileRequest, opts ...grpc.CallOption) (*WriteFileResponse, error) {
	return invoke[WriteFileResponse](ctx, c.cc, DevboxService_WriteFile_FullMethodName, in, opts)
}

func (c *devboxServiceClient) OpenChannel(ctx context.Context, opts ...grpc.CallOption) (DevboxService_OpenChannelClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &DevboxService_ServiceDesc.Streams[0], DevboxService_OpenChannel_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[ChannelFrame, ChannelFrame]{ClientStream: stream}, nil
}
