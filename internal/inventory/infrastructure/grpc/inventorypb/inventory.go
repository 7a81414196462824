// Package inventorypb holds the inventory gRPC contract. Messages travel
// with the JSON codec from pkg/grpcjson.
package inventorypb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dmehra2102/commerce-order-platform/pkg/grpcjson"
)

const (
	ServiceName      = "inventory.InventoryService"
	CheckStockMethod = "/" + ServiceName + "/CheckStock"
)

type Item struct {
	Sku      string `json:"sku"`
	Quantity int32  `json:"quantity"`
}

type CheckStockRequest struct {
	Items []*Item `json:"items"`
}

type Shortage struct {
	Sku       string `json:"sku"`
	Requested int32  `json:"requested"`
	Available int32  `json:"available"`
}

type CheckStockResponse struct {
	Available bool        `json:"available"`
	Shortages []*Shortage `json:"shortages,omitempty"`
}

type InventoryServiceServer interface {
	CheckStock(context.Context, *CheckStockRequest) (*CheckStockResponse, error)
}

type UnimplementedInventoryServiceServer struct{}

func (UnimplementedInventoryServiceServer) CheckStock(context.Context, *CheckStockRequest) (*CheckStockResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CheckStock not implemented")
}

func RegisterInventoryServiceServer(s grpc.ServiceRegistrar, srv InventoryServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func checkStockHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CheckStockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InventoryServiceServer).CheckStock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CheckStockMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InventoryServiceServer).CheckStock(ctx, req.(*CheckStockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InventoryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckStock", Handler: checkStockHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "inventory.proto",
}

type InventoryServiceClient interface {
	CheckStock(ctx context.Context, in *CheckStockRequest, opts ...grpc.CallOption) (*CheckStockResponse, error)
}

type inventoryServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewInventoryServiceClient(cc grpc.ClientConnInterface) InventoryServiceClient {
	return &inventoryServiceClient{cc: cc}
}

func (c *inventoryServiceClient) CheckStock(ctx context.Context, in *CheckStockRequest, opts ...grpc.CallOption) (*CheckStockResponse, error) {
	out := new(CheckStockResponse)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(grpcjson.Name)}, opts...)
	if err := c.cc.Invoke(ctx, CheckStockMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
