package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dmehra2102/commerce-order-platform/internal/inventory/domain"
	pb "github.com/dmehra2102/commerce-order-platform/internal/inventory/infrastructure/grpc/inventorypb"
)

type StockChecker interface {
	CheckStock(ctx context.Context, lines []domain.Line) error
}

type Server struct {
	pb.UnimplementedInventoryServiceServer
	log   *slog.Logger
	stock StockChecker
}

func NewServer(log *slog.Logger, stock StockChecker) *Server {
	return &Server{log: log, stock: stock}
}

func (s *Server) CheckStock(ctx context.Context, req *pb.CheckStockRequest) (*pb.CheckStockResponse, error) {
	if len(req.Items) == 0 {
		return nil, status.Error(codes.InvalidArgument, "no items")
	}
	lines := make([]domain.Line, 0, len(req.Items))
	for _, it := range req.Items {
		if it == nil || it.Sku == "" || it.Quantity <= 0 {
			return nil, status.Error(codes.InvalidArgument, "every item needs a sku and a positive quantity")
		}
		lines = append(lines, domain.Line{SKU: it.Sku, Quantity: int(it.Quantity)})
	}

	err := s.stock.CheckStock(ctx, lines)
	var short *domain.InsufficientStockError
	switch {
	case err == nil:
		return &pb.CheckStockResponse{Available: true}, nil
	case errors.As(err, &short):
		resp := &pb.CheckStockResponse{}
		for _, sh := range short.Shortages {
			resp.Shortages = append(resp.Shortages, &pb.Shortage{Sku: sh.SKU, Requested: int32(sh.Requested), Available: int32(sh.Available)})
		}
		return resp, nil
	default:
		s.log.Error("check stock failed", "err", err)
		return nil, status.Error(codes.Internal, "check stock failed")
	}
}

func NewGRPCServer(srv *Server) *grpc.Server {
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	pb.RegisterInventoryServiceServer(gs, srv)
	return gs
}

// Run serves on addr until the returned server is stopped.
func Run(addr string, srv *Server) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	gs := NewGRPCServer(srv)
	go func() {
		if err := gs.Serve(lis); err != nil {
			srv.log.Error("grpc serve stopped", "err", err)
		}
	}()
	return gs, nil
}
