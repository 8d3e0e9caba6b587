package wire

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// echoServer answers every operation with canned responses so the test
// exercises the hand-maintained service descriptor and codec end to end.
type echoServer struct{}

func (echoServer) Add(ctx context.Context, req *AddRequest) (*OperationResponse, error) {
	resp := &OperationResponse{Result: ResultOK, Outcome: OutcomeSuccess, Message: req.Device}
	if req.OSDID != nil {
		resp.Message = req.Device + " with id"
	}
	return resp, nil
}

func (echoServer) AddPartition(ctx context.Context, req *AddPartitionRequest) (*OperationResponse, error) {
	return &OperationResponse{Result: ResultOK, Outcome: OutcomeSuccess}, nil
}

func (echoServer) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	return &ListResponse{Result: ResultOK, Disks: []Disk{{Path: "/dev/sdc", Media: "rotational"}}}, nil
}

func (echoServer) Remove(ctx context.Context, req *RemoveRequest) (*OperationResponse, error) {
	return &OperationResponse{Result: ResultOK, Outcome: OutcomeSkipRepeat}, nil
}

func (echoServer) SafeToRemove(ctx context.Context, req *SafeToRemoveRequest) (*OperationResponse, error) {
	safe := true
	return &OperationResponse{Result: ResultOK, Outcome: OutcomeSuccess, Safe: &safe}, nil
}

func (echoServer) GetCreatedTickets(ctx context.Context, req *TicketsRequest) (*TicketsResponse, error) {
	return &TicketsResponse{Result: ResultOK, Tickets: []Ticket{{TrackingID: "DISK-1"}}}, nil
}

func dialEcho(t *testing.T) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterDiskTenderServer(srv, echoServer{})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func TestProtocolRoundTrip(t *testing.T) {
	client := dialEcho(t)
	ctx := context.Background()

	id := 7
	add, err := client.Add(ctx, &AddRequest{Device: "/dev/sdc", OSDID: &id})
	require.NoError(t, err)
	assert.Equal(t, ResultOK, add.Result)
	assert.Equal(t, "/dev/sdc with id", add.Message)

	list, err := client.List(ctx, &ListRequest{})
	require.NoError(t, err)
	require.Len(t, list.Disks, 1)
	assert.Equal(t, "/dev/sdc", list.Disks[0].Path)

	rm, err := client.Remove(ctx, &RemoveRequest{Device: "/dev/sdd"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipRepeat, rm.Outcome)

	safe, err := client.SafeToRemove(ctx, &SafeToRemoveRequest{Device: "/dev/sdd"})
	require.NoError(t, err)
	require.NotNil(t, safe.Safe)
	assert.True(t, *safe.Safe)

	tickets, err := client.GetCreatedTickets(ctx, &TicketsRequest{})
	require.NoError(t, err)
	require.Len(t, tickets.Tickets, 1)
	assert.Equal(t, "DISK-1", tickets.Tickets[0].TrackingID)
}

func TestOutcomeMapping(t *testing.T) {
	// wire tags track the internal outcome type
	assert.Equal(t, OutcomeSuccess, FromOutcome("success"))
	assert.Equal(t, OutcomeSkipped, FromOutcome("skipped"))
	assert.Equal(t, OutcomeSkipRepeat, FromOutcome("skip_repeat"))
}
