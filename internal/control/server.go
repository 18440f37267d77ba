// Package control serves a gRPC control plane for a running task registry
// over a unix socket.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/nixpig/taskrunner/internal/task"
	"github.com/nixpig/taskrunner/internal/taskfile"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// lineBufferSize is the number of lines buffered per stream before lines
	// are dropped for a slow client.
	lineBufferSize = 256
)

// Registry is the part of task.Registry the control plane drives.
type Registry interface {
	Names() []string
	Abort(name string) error
	Kill(name string, sig syscall.Signal) error
	KillAll(sig syscall.Signal)
	Subscribe(name string, fn func(line string)) func()
}

// Tasks looks up runnable task definitions by name.
type Tasks interface {
	Task(name string) (taskfile.Task, error)
}

// Config configures a Server.
type Config struct {
	Registry Registry
	Tasks    Tasks

	// OperatorUIDs may start, abort and kill tasks. Everyone else may only
	// list tasks and stream their lines. Defaults to root and the current
	// user.
	OperatorUIDs []uint32

	Logger *slog.Logger
}

// Server implements TaskServiceServer.
type Server struct {
	registry Registry
	tasks    Tasks
	logger   *slog.Logger
	auth     *authoriser

	grpcServer *grpc.Server

	// stopping ends line streams so that a graceful stop can complete.
	stopping chan struct{}
	stopOnce sync.Once

	// wg tracks tasks started through the control plane.
	wg sync.WaitGroup
}

var _ TaskServiceServer = (*Server)(nil)

// NewServer creates a Server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	if cfg.OperatorUIDs == nil {
		cfg.OperatorUIDs = []uint32{0, uint32(os.Getuid())}
	}

	s := &Server{
		registry: cfg.Registry,
		tasks:    cfg.Tasks,
		logger:   cfg.Logger,
		auth:     &authoriser{operators: cfg.OperatorUIDs, logger: cfg.Logger},
		stopping: make(chan struct{}),
	}

	s.grpcServer = grpc.NewServer(
		grpc.Creds(PeerCredentials{}),
		grpc.ChainUnaryInterceptor(contextCheckUnaryInterceptor, s.auth.unaryInterceptor),
		grpc.StreamInterceptor(s.auth.streamInterceptor),
	)

	RegisterTaskServiceServer(s.grpcServer, s)

	return s
}

// Listen creates a unix socket at path, replacing a stale one. The socket is
// world connectable; authorisation is by peer credentials.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o666); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return listener, nil
}

// Serve serves requests on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("control server listening", "addr", listener.Addr().String())

	return s.grpcServer.Serve(listener)
}

// Shutdown ends line streams, stops accepting requests and waits for
// in-flight ones.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopping)
	})

	s.grpcServer.GracefulStop()
}

func (s *Server) List(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	names := s.registry.Names()

	values := make([]*structpb.Value, 0, len(names))
	for _, name := range names {
		values = append(values, structpb.NewStringValue(name))
	}

	return &structpb.ListValue{Values: values}, nil
}

func (s *Server) Start(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	name := req.GetValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is empty")
	}

	if s.tasks == nil {
		return nil, status.Error(codes.FailedPrecondition, "no task definitions loaded")
	}

	t, err := s.tasks.Task(name)
	if err != nil {
		return nil, s.mapError("start task", err)
	}

	// The task outlives the request.
	runCtx := context.WithoutCancel(ctx)

	s.wg.Go(func() {
		if err := t(runCtx); err != nil {
			s.logger.Error("task failed", "task", name, "err", err)
		}
	})

	return &emptypb.Empty{}, nil
}

func (s *Server) Abort(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	name := req.GetValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is empty")
	}

	if err := s.registry.Abort(name); err != nil {
		return nil, s.mapError("abort task", err)
	}

	return &emptypb.Empty{}, nil
}

func (s *Server) Kill(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()

	name := fields["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is empty")
	}

	sig, err := taskfile.ParseSignal(fields["signal"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.registry.Kill(name, sig); err != nil {
		return nil, s.mapError("kill task", err)
	}

	return &emptypb.Empty{}, nil
}

func (s *Server) KillAll(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	sig, err := taskfile.ParseSignal(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.registry.KillAll(sig)

	return &emptypb.Empty{}, nil
}

// StreamLines sends every line the named task prints from now on, until the
// client goes away or the server shuts down. The task need not be running.
func (s *Server) StreamLines(
	req *wrapperspb.StringValue,
	stream grpc.ServerStreamingServer[wrapperspb.StringValue],
) error {
	name := req.GetValue()
	if name == "" {
		return status.Error(codes.InvalidArgument, "name is empty")
	}

	ctx := stream.Context()

	if ctx.Err() != nil {
		return status.FromContextError(ctx.Err()).Err()
	}

	lines := make(chan string, lineBufferSize)

	unsubscribe := s.registry.Subscribe(name, func(line string) {
		select {
		case lines <- line:
		default:
			s.logger.Warn("dropped line for slow client", "task", name)
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.stopping:
			return nil

		case line := <-lines:
			if err := stream.Send(wrapperspb.String(line)); err != nil {
				s.logger.Warn("stream line to client", "task", name, "err", err)
				return status.Error(codes.DataLoss, "failed to stream data")
			}
		}
	}
}

// Wait blocks until every task started through the server has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// mapError translates task errors to gRPC errors.
func (s *Server) mapError(logMsg string, err error) error {
	switch {
	case errors.Is(err, task.ErrTaskNotFound), errors.Is(err, taskfile.ErrUnknownTask):
		s.logger.Warn(logMsg, "err", err)
		return status.Error(codes.NotFound, err.Error())

	default:
		s.logger.Error(logMsg, "err", err)
		return status.Error(codes.Internal, "internal server error")
	}
}

// contextCheckUnaryInterceptor rejects requests with a cancelled context.
func contextCheckUnaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if ctx.Err() != nil {
		return nil, status.FromContextError(ctx.Err()).Err()
	}

	return handler(ctx, req)
}
