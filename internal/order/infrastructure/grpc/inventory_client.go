package grpc

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pb "github.com/dmehra2102/commerce-order-platform/internal/inventory/infrastructure/grpc/inventorypb"
	"github.com/dmehra2102/commerce-order-platform/pkg/messaging"
)

type InventoryClient struct {
	log  *slog.Logger
	conn *grpc.ClientConn
	cc   pb.InventoryServiceClient
}

func NewInventoryClient(log *slog.Logger, addr string, opts ...grpc.DialOption) (*InventoryClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &InventoryClient{
		log:  log,
		conn: conn,
		cc:   pb.NewInventoryServiceClient(conn),
	}, nil
}

func (c *InventoryClient) CheckStock(ctx context.Context, items []messaging.Item) (bool, error) {
	req := &pb.CheckStockRequest{Items: make([]*pb.Item, 0, len(items))}
	for _, item := range items {
		req.Items = append(req.Items, &pb.Item{Sku: item.SKU, Quantity: int32(item.Quantity)})
	}
	resp, err := c.cc.CheckStock(ctx, req)
	if err != nil {
		return false, err
	}
	for _, s := range resp.Shortages {
		c.log.Info("stock shortage", "sku", s.Sku, "requested", s.Requested, "available", s.Available)
	}
	return resp.Available, nil
}

func (c *InventoryClient) Close() error {
	return c.conn.Close()
}
