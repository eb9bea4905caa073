// Package admin serves a small gRPC status service for a running node.
//
// The service has no generated stubs: requests are google.protobuf.Empty and
// replies are google.protobuf.Struct, so any gRPC client can call it.
package admin

import (
	"context"
	"fmt"
	"net"
	"time"

	"driveshare/pkg/types"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName  = "driveshare.admin.v1.Admin"
	StatusMethod = "/" + ServiceName + "/Status"
)

// StatusProvider reports the current node status.
type StatusProvider interface {
	Status() types.NodeStatus
}

type adminServer interface {
	Status(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "driveshare/admin/v1/admin.proto",
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(adminServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

type Server struct {
	provider StatusProvider
	logger   *zap.Logger
	server   *grpc.Server
	listener net.Listener
}

func NewServer(provider StatusProvider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		provider: provider,
		logger:   logger,
		server:   grpc.NewServer(),
	}
	s.server.RegisterService(&serviceDesc, s)
	return s
}

// Status implements the Status RPC.
func (s *Server) Status(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
	return EncodeStatus(s.provider.Status())
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go func() {
		s.logger.Info("Admin service listening", zap.String("address", listener.Addr().String()))
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("Admin service failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) Stop() {
	s.server.GracefulStop()
}

// EncodeStatus converts st into its wire form.
func EncodeStatus(st types.NodeStatus) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"mode":          string(st.Mode),
		"state":         st.State.String(),
		"key":           st.Key,
		"discovery_key": st.DiscoveryKey,
		"url":           st.URL,
		"port":          float64(st.Port),
		"peers":         float64(st.Peers),
		"length":        float64(st.Length),
		"full":          st.Full,
	}
	if !st.StartedAt.IsZero() {
		fields["started_at"] = st.StartedAt.UTC().Format(time.RFC3339)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode status: %w", err)
	}
	return out, nil
}

// DecodeStatus is the inverse of EncodeStatus.
func DecodeStatus(in *structpb.Struct) types.NodeStatus {
	f := in.GetFields()
	st := types.NodeStatus{
		Mode:         types.Mode(f["mode"].GetStringValue()),
		State:        parseState(f["state"].GetStringValue()),
		Key:          f["key"].GetStringValue(),
		DiscoveryKey: f["discovery_key"].GetStringValue(),
		URL:          f["url"].GetStringValue(),
		Port:         int(f["port"].GetNumberValue()),
		Peers:        int(f["peers"].GetNumberValue()),
		Length:       uint64(f["length"].GetNumberValue()),
		Full:         f["full"].GetBoolValue(),
	}
	if ts := f["started_at"].GetStringValue(); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			st.StartedAt = t
		}
	}
	return st
}

func parseState(s string) types.LifecycleState {
	for st := types.StateUnstarted; st <= types.StateStopped; st++ {
		if st.String() == s {
			return st
		}
	}
	return types.StateUnstarted
}
