package channel

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service of the companion.
const ServiceName = "pyprobe.channel.v1.Channel"

const sendMethod = "/" + ServiceName + "/Send"

// Handler answers requests inside the companion. It never returns a nil
// response.
type Handler interface {
	Serve(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Response

func (f HandlerFunc) Serve(ctx context.Context, req *Request) *Response { return f(ctx, req) }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pyprobe/channel.proto",
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Serve(ctx, in), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).Serve(ctx, req.(*Request)), nil
	}
	return interceptor(ctx, in, info, handler)
}
