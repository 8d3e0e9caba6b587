package wire

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "disktender.v1.DiskTender"

// DiskTenderServer is the coordinator-side surface of the protocol:
// one method per operation variant.
type DiskTenderServer interface {
	Add(ctx context.Context, req *AddRequest) (*OperationResponse, error)
	AddPartition(ctx context.Context, req *AddPartitionRequest) (*OperationResponse, error)
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)
	Remove(ctx context.Context, req *RemoveRequest) (*OperationResponse, error)
	SafeToRemove(ctx context.Context, req *SafeToRemoveRequest) (*OperationResponse, error)
	GetCreatedTickets(ctx context.Context, req *TicketsRequest) (*TicketsResponse, error)
}

// RegisterDiskTenderServer binds srv to s.
func RegisterDiskTenderServer(s *grpc.Server, srv DiskTenderServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler[Req any, Resp any](
	method string,
	call func(DiskTenderServer, context.Context, *Req) (*Resp, error),
) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DiskTenderServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(DiskTenderServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DiskTenderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Add", Handler: unaryHandler("Add", DiskTenderServer.Add)},
		{MethodName: "AddPartition", Handler: unaryHandler("AddPartition", DiskTenderServer.AddPartition)},
		{MethodName: "List", Handler: unaryHandler("List", DiskTenderServer.List)},
		{MethodName: "Remove", Handler: unaryHandler("Remove", DiskTenderServer.Remove)},
		{MethodName: "SafeToRemove", Handler: unaryHandler("SafeToRemove", DiskTenderServer.SafeToRemove)},
		{MethodName: "GetCreatedTickets", Handler: unaryHandler("GetCreatedTickets", DiskTenderServer.GetCreatedTickets)},
	},
	Streams: []grpc.StreamDesc{},
}

// Client is the caller-side handle.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an established connection. Dial with
// grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)) so
// both sides agree on the codec.
func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func invoke[Req any, Resp any](ctx context.Context, c *Client, method string, req *Req) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, req, out, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// Add issues an Add operation.
func (c *Client) Add(ctx context.Context, req *AddRequest) (*OperationResponse, error) {
	return invoke[AddRequest, OperationResponse](ctx, c, "Add", req)
}

// AddPartition issues an AddPartition operation.
func (c *Client) AddPartition(ctx context.Context, req *AddPartitionRequest) (*OperationResponse, error) {
	return invoke[AddPartitionRequest, OperationResponse](ctx, c, "AddPartition", req)
}

// List enumerates the host's block devices.
func (c *Client) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return invoke[ListRequest, ListResponse](ctx, c, "List", req)
}

// Remove issues a Remove operation.
func (c *Client) Remove(ctx context.Context, req *RemoveRequest) (*OperationResponse, error) {
	return invoke[RemoveRequest, OperationResponse](ctx, c, "Remove", req)
}

// SafeToRemove asks whether a device can be evacuated safely.
func (c *Client) SafeToRemove(ctx context.Context, req *SafeToRemoveRequest) (*OperationResponse, error) {
	return invoke[SafeToRemoveRequest, OperationResponse](ctx, c, "SafeToRemove", req)
}

// GetCreatedTickets lists open repair tickets on the host.
func (c *Client) GetCreatedTickets(ctx context.Context, req *TicketsRequest) (*TicketsResponse, error) {
	return invoke[TicketsRequest, TicketsResponse](ctx, c, "GetCreatedTickets", req)
}
