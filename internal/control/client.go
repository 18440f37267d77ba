package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/local"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DefaultSocketPath is the control socket used when none is configured:
// taskrunner.sock in $XDG_RUNTIME_DIR, or a per-user socket in the temporary
// directory.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "taskrunner.sock")
	}

	return filepath.Join(os.TempDir(), fmt.Sprintf("taskrunner-%d.sock", os.Getuid()))
}

// Client calls the task service.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// NewClient creates a Client over an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to the control socket at path.
func Dial(path string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix:"+path,
		grpc.WithTransportCredentials(local.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", path, err)
	}

	return &Client{cc: conn, conn: conn}, nil
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	return c.conn.Close()
}

// List returns the names of the running tasks.
func (c *Client) List(ctx context.Context) ([]string, error) {
	out := new(structpb.ListValue)

	if err := c.cc.Invoke(ctx, TaskService_List_FullMethodName, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		names = append(names, v.GetStringValue())
	}

	return names, nil
}

// Start runs the task definition called name.
func (c *Client) Start(ctx context.Context, name string) error {
	return c.cc.Invoke(ctx, TaskService_Start_FullMethodName, wrapperspb.String(name), new(emptypb.Empty))
}

// Abort aborts the running task called name and waits for it.
func (c *Client) Abort(ctx context.Context, name string) error {
	return c.cc.Invoke(ctx, TaskService_Abort_FullMethodName, wrapperspb.String(name), new(emptypb.Empty))
}

// Kill sends signal to the running task called name. An empty signal is
// SIGTERM.
func (c *Client) Kill(ctx context.Context, name, signal string) error {
	req, err := structpb.NewStruct(map[string]any{
		"name":   name,
		"signal": signal,
	})
	if err != nil {
		return err
	}

	return c.cc.Invoke(ctx, TaskService_Kill_FullMethodName, req, new(emptypb.Empty))
}

// KillAll sends signal to every running task. An empty signal is SIGTERM.
func (c *Client) KillAll(ctx context.Context, signal string) error {
	return c.cc.Invoke(ctx, TaskService_KillAll_FullMethodName, wrapperspb.String(signal), new(emptypb.Empty))
}

// StreamLines streams the lines printed by the task called name.
func (c *Client) StreamLines(
	ctx context.Context,
	name string,
) (grpc.ServerStreamingClient[wrapperspb.StringValue], error) {
	stream, err := c.cc.NewStream(
		ctx,
		&TaskService_ServiceDesc.Streams[0],
		TaskService_StreamLines_FullMethodName,
	)
	if err != nil {
		return nil, err
	}

	x := &grpc.GenericClientStream[wrapperspb.StringValue, wrapperspb.StringValue]{ClientStream: stream}

	if err := x.ClientStream.SendMsg(wrapperspb.String(name)); err != nil {
		return nil, err
	}

	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}

	return x, nil
}
