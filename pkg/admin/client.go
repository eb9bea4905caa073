package admin

import (
	"context"
	"fmt"

	"driveshare/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// FetchStatus calls the Status RPC of the node listening on addr.
func FetchStatus(ctx context.Context, addr string) (types.NodeStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return types.NodeStatus{}, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, StatusMethod, &emptypb.Empty{}, out); err != nil {
		return types.NodeStatus{}, fmt.Errorf("failed to fetch status: %w", err)
	}
	return DecodeStatus(out), nil
}
