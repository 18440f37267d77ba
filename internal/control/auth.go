package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

type Permission string

const (
	PermissionTaskStart  Permission = "task:start"
	PermissionTaskStop   Permission = "task:stop"
	PermissionTaskQuery  Permission = "task:query"
	PermissionTaskStream Permission = "task:stream"
)

type Role string

const (
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

var RolePermissions = map[Role][]Permission{
	RoleOperator: {
		PermissionTaskStart,
		PermissionTaskStop,
		PermissionTaskQuery,
		PermissionTaskStream,
	},
	RoleViewer: {PermissionTaskQuery, PermissionTaskStream},
}

var EndpointPermissions = map[string]Permission{
	TaskService_List_FullMethodName:        PermissionTaskQuery,
	TaskService_Start_FullMethodName:       PermissionTaskStart,
	TaskService_Abort_FullMethodName:       PermissionTaskStop,
	TaskService_Kill_FullMethodName:        PermissionTaskStop,
	TaskService_KillAll_FullMethodName:     PermissionTaskStop,
	TaskService_StreamLines_FullMethodName: PermissionTaskStream,
}

// PeerInfo is the AuthInfo of a connection authenticated by its unix socket
// peer credentials.
type PeerInfo struct {
	credentials.CommonAuthInfo

	PID int32
	UID uint32
	GID uint32
}

func (PeerInfo) AuthType() string {
	return "peercred"
}

// PeerCredentials are server transport credentials for unix sockets that
// identify the connecting process with SO_PEERCRED.
type PeerCredentials struct{}

func (PeerCredentials) ClientHandshake(
	ctx context.Context,
	authority string,
	conn net.Conn,
) (net.Conn, credentials.AuthInfo, error) {
	return nil, nil, errors.New("peer credentials are server side only")
}

func (PeerCredentials) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, nil, fmt.Errorf("peer credentials need a unix socket: got %T", conn)
	}

	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, nil, fmt.Errorf("raw conn: %w", err)
	}

	var (
		cred    *unix.Ucred
		credErr error
	)

	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, nil, fmt.Errorf("control raw conn: %w", err)
	}

	if credErr != nil {
		return nil, nil, fmt.Errorf("get peer credentials: %w", credErr)
	}

	return conn, PeerInfo{
		CommonAuthInfo: credentials.CommonAuthInfo{
			SecurityLevel: credentials.PrivacyAndIntegrity,
		},
		PID: cred.Pid,
		UID: cred.Uid,
		GID: cred.Gid,
	}, nil
}

func (PeerCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: "peercred"}
}

func (c PeerCredentials) Clone() credentials.TransportCredentials {
	return c
}

func (PeerCredentials) OverrideServerName(string) error {
	return nil
}

// GetClientIdentity returns the peer credentials of the caller.
func GetClientIdentity(ctx context.Context) (PeerInfo, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return PeerInfo{}, fmt.Errorf("failed to get peer info from context")
	}

	info, ok := p.AuthInfo.(PeerInfo)
	if !ok {
		return PeerInfo{}, fmt.Errorf("failed to get peer credentials from peer auth info")
	}

	return info, nil
}

func IsAuthorised(clientRole Role, endpoint string) error {
	requiredPermissions, exists := EndpointPermissions[endpoint]
	if !exists {
		return fmt.Errorf("specified endpoint not in endpoint permissions")
	}

	permissions, ok := RolePermissions[clientRole]
	if !ok {
		return fmt.Errorf("specified role not in role permissions")
	}

	if !slices.Contains(permissions, requiredPermissions) {
		return fmt.Errorf("required permission not in permissions for role")
	}

	return nil
}

// authoriser maps peer uids to roles.
type authoriser struct {
	operators []uint32
	logger    *slog.Logger
}

func (a *authoriser) role(uid uint32) Role {
	if slices.Contains(a.operators, uid) {
		return RoleOperator
	}

	return RoleViewer
}

func (a *authoriser) authorise(ctx context.Context, method string) error {
	info, err := GetClientIdentity(ctx)
	if err != nil {
		a.logger.Warn("failed to get client identity", "err", err)
		return status.Error(codes.Unauthenticated, "not authenticated")
	}

	role := a.role(info.UID)
	uid := strconv.FormatUint(uint64(info.UID), 10)

	if err := IsAuthorised(role, method); err != nil {
		a.logger.Warn(
			"failed to authorise client",
			"uid", uid,
			"pid", info.PID,
			"role", role,
			"method", method,
			"err", err,
		)

		return status.Error(codes.PermissionDenied, "not authorised")
	}

	a.logger.Debug(
		"authorised client request",
		"uid", uid,
		"pid", info.PID,
		"role", role,
		"method", method,
	)

	return nil
}

func (a *authoriser) unaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	if err := a.authorise(ctx, info.FullMethod); err != nil {
		return nil, err
	}

	return handler(ctx, req)
}

func (a *authoriser) streamInterceptor(
	srv any,
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	if err := a.authorise(ss.Context(), info.FullMethod); err != nil {
		return err
	}

	return handler(srv, ss)
}
