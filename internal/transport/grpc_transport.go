package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/devrev/distcache/internal/errors"
	"github.com/devrev/distcache/internal/metrics"
	"github.com/devrev/distcache/internal/model"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName      = "distcache.v1.CacheTransport"
	invokeFullMethod = "/" + serviceName + "/Invoke"
	maxMessageSize   = 64 * 1024 * 1024
)

// transportServer is the handler type registered with gRPC
type transportServer interface {
	invoke(ctx context.Context, req *Request) (*Response, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "distcache/transport",
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(transportServer)
	if interceptor == nil {
		return s.invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: invokeFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.invoke(ctx, req.(*Request))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCTransport serves and sends rehash traffic over gRPC with a msgpack codec
type GRPCTransport struct {
	memberView
	address     model.Address
	timeout     time.Duration
	handler     RequestHandler
	server      *grpc.Server
	connections map[model.Address]*grpc.ClientConn
	mu          sync.RWMutex
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewGRPCTransport creates a transport for the member at address
func NewGRPCTransport(address model.Address, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *GRPCTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GRPCTransport{
		address:     address,
		timeout:     timeout,
		connections: make(map[model.Address]*grpc.ClientConn),
		metrics:     m,
		logger:      logger,
	}
}

// Address returns the local member address
func (t *GRPCTransport) Address() model.Address {
	return t.address
}

// Serve starts answering requests on lis with h. It returns once the server stops.
func (t *GRPCTransport) Serve(lis net.Listener, h RequestHandler) error {
	server := grpc.NewServer(
		grpc.ForceServerCodec(MsgpackCodec{}),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	server.RegisterService(&serviceDesc, t)

	t.mu.Lock()
	t.handler = h
	t.server = server
	t.mu.Unlock()

	t.logger.Info("Transport listening", zap.String("address", lis.Addr().String()))
	return server.Serve(lis)
}

func (t *GRPCTransport) invoke(ctx context.Context, req *Request) (*Response, error) {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return nil, errors.InternalError("transport has no request handler", nil).ToGRPCStatus().Err()
	}

	resp, err := h.HandleRequest(ctx, model.Address(req.Origin), req)
	if err != nil {
		var ce *errors.CacheError
		if !stderrors.As(err, &ce) {
			ce = errors.InternalError(err.Error(), err)
		}
		return nil, ce.ToGRPCStatus().Err()
	}
	return resp, nil
}

// Invoke sends req to target
func (t *GRPCTransport) Invoke(ctx context.Context, target model.Address, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := t.call(ctx, target, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.metrics.RecordRPC(string(req.Method), status, time.Since(start).Seconds())
	return resp, err
}

func (t *GRPCTransport) call(ctx context.Context, target model.Address, req *Request) (*Response, error) {
	conn, err := t.getConnection(target)
	if err != nil {
		return nil, errors.Remote(target.String(), err)
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out := *req
	out.Origin = t.address.String()
	resp := new(Response)
	if err := conn.Invoke(callCtx, invokeFullMethod, &out, resp); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Interrupted(fmt.Sprintf("call to %s cancelled", target), ctx.Err())
		}
		return nil, errors.FromGRPCError(target.String(), err)
	}
	return resp, nil
}

func (t *GRPCTransport) getConnection(target model.Address) (*grpc.ClientConn, error) {
	t.mu.RLock()
	conn, exists := t.connections[target]
	t.mu.RUnlock()

	if exists {
		return conn, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check
	if conn, exists := t.connections[target]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(target.String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(MsgpackCodec{}),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", target, err)
	}

	t.connections[target] = conn
	return conn, nil
}

// CloseConnection drops the cached connection to a member that left
func (t *GRPCTransport) CloseConnection(target model.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, exists := t.connections[target]; exists {
		delete(t.connections, target)
		return conn.Close()
	}
	return nil
}

// Close stops the server and closes all connections
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	server := t.server
	t.server = nil
	t.mu.Unlock()

	// in-flight handlers take the read lock, so stop outside it
	if server != nil {
		server.GracefulStop()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, conn := range t.connections {
		if err := conn.Close(); err != nil {
			t.logger.Warn("Failed to close connection", zap.String("target", addr.String()), zap.Error(err))
		}
	}
	t.connections = make(map[model.Address]*grpc.ClientConn)
	return nil
}
