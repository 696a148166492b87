package handler

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/rl1809/inventory-engine/internal/core/domain"
	"github.com/rl1809/inventory-engine/internal/core/service"
	"github.com/rl1809/inventory-engine/internal/pkg/logger"
)

const (
	InventoryServiceName = "inventory.v1.InventoryService"
	// CodecName is the content subtype clients must request, e.g. grpc.CallContentSubtype(CodecName).
	CodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries plain Go structs over gRPC without generated protobuf types.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

type HoldResponse struct {
	Hold *service.HoldResult `json:"hold"`
}

type ConvertHoldRequest struct {
	HolderID string `json:"holderId"`
	ActorID  string `json:"actorId"`
}

type ConvertHoldResponse struct {
	Transactions []domain.StockTransaction `json:"transactions"`
}

type ReleaseHoldRequest struct {
	HolderID string `json:"holderId"`
}

type ReleaseHoldResponse struct {
	Released int `json:"released"`
}

type OrderRequest struct {
	OrderID string             `json:"orderId"`
	Status  domain.OrderStatus `json:"status,omitempty"`
	ActorID string             `json:"actorId"`
	Note    string             `json:"note"`
}

type OrderResponse struct {
	Order *OrderView `json:"order"`
}

type StockRequest struct {
	ProductID string `json:"productId"`
}

type StockResponse struct {
	Stock *StockView `json:"stock"`
}

// InventoryServer is the gRPC contract served by GRPCHandler.
type InventoryServer interface {
	Hold(ctx context.Context, req *HoldRequest) (*HoldResponse, error)
	ConvertHold(ctx context.Context, req *ConvertHoldRequest) (*ConvertHoldResponse, error)
	ReleaseHold(ctx context.Context, req *ReleaseHoldRequest) (*ReleaseHoldResponse, error)
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error)
	GetOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error)
	ConfirmOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error)
	TransitionOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error)
	GetStock(ctx context.Context, req *StockRequest) (*StockResponse, error)
}

type GRPCHandler struct {
	svc Services
}

var _ InventoryServer = (*GRPCHandler)(nil)

func NewGRPCHandler(svc Services) *GRPCHandler {
	return &GRPCHandler{svc: svc}
}

// Register attaches the handler to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&InventoryServiceDesc, h)
}

func (h *GRPCHandler) Hold(ctx context.Context, req *HoldRequest) (*HoldResponse, error) {
	if req.HolderID == "" || req.ProductID == "" {
		return nil, toStatus(ctx, domain.ErrInvalidQuantity)
	}
	res, err := h.svc.Holds.HoldOnce(ctx, req.RequestID, req.HolderID, req.ProductID, req.Quantity)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &HoldResponse{Hold: res}, nil
}

func (h *GRPCHandler) ConvertHold(ctx context.Context, req *ConvertHoldRequest) (*ConvertHoldResponse, error) {
	txns, err := h.svc.Holds.ConvertToPermanent(ctx, req.HolderID, req.ActorID)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &ConvertHoldResponse{Transactions: txns}, nil
}

func (h *GRPCHandler) ReleaseHold(ctx context.Context, req *ReleaseHoldRequest) (*ReleaseHoldResponse, error) {
	released, err := h.svc.Holds.Release(ctx, req.HolderID)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &ReleaseHoldResponse{Released: released}, nil
}

func (h *GRPCHandler) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	order, err := h.svc.Orders.Create(ctx, req.OrderID, req.CustomerID, req.WarehouseID, req.Items, req.ActorID)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	if req.Confirm {
		if order, err = h.svc.Orders.Confirm(ctx, order.ID, req.ActorID, ""); err != nil {
			return nil, toStatus(ctx, err)
		}
	}
	return &OrderResponse{Order: toOrderView(order)}, nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	order, err := h.svc.Orders.Get(ctx, req.OrderID)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &OrderResponse{Order: toOrderView(order)}, nil
}

func (h *GRPCHandler) ConfirmOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	order, err := h.svc.Orders.Confirm(ctx, req.OrderID, req.ActorID, req.Note)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &OrderResponse{Order: toOrderView(order)}, nil
}

func (h *GRPCHandler) TransitionOrder(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	order, err := h.svc.Orders.Transition(ctx, req.OrderID, req.Status, req.ActorID, req.Note)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &OrderResponse{Order: toOrderView(order)}, nil
}

func (h *GRPCHandler) GetStock(ctx context.Context, req *StockRequest) (*StockResponse, error) {
	stock, err := h.svc.stock(ctx, req.ProductID)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &StockResponse{Stock: stock}, nil
}

func toStatus(ctx context.Context, err error) error {
	code := grpcCode(err)
	if code == codes.Internal {
		logger.Ctx(ctx).Error().Err(err).Msg("grpc request failed")
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

var InventoryServiceDesc = grpc.ServiceDesc{
	ServiceName: InventoryServiceName,
	HandlerType: (*InventoryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Hold", InventoryServer.Hold),
		unary("ConvertHold", InventoryServer.ConvertHold),
		unary("ReleaseHold", InventoryServer.ReleaseHold),
		unary("CreateOrder", InventoryServer.CreateOrder),
		unary("GetOrder", InventoryServer.GetOrder),
		unary("ConfirmOrder", InventoryServer.ConfirmOrder),
		unary("TransitionOrder", InventoryServer.TransitionOrder),
		unary("GetStock", InventoryServer.GetStock),
	},
	Streams: []grpc.StreamDesc{},
}

func unary[Req, Resp any](name string, call func(InventoryServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + InventoryServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(InventoryServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*Req))
			})
		},
	}
}

// InventoryClient calls InventoryServer over a client connection using the JSON codec.
type InventoryClient struct {
	cc grpc.ClientConnInterface
}

func NewInventoryClient(cc grpc.ClientConnInterface) *InventoryClient {
	return &InventoryClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, req any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := cc.Invoke(ctx, "/"+InventoryServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InventoryClient) Hold(ctx context.Context, req *HoldRequest, opts ...grpc.CallOption) (*HoldResponse, error) {
	return invoke[HoldResponse](ctx, c.cc, "Hold", req, opts...)
}

func (c *InventoryClient) ConvertHold(ctx context.Context, req *ConvertHoldRequest, opts ...grpc.CallOption) (*ConvertHoldResponse, error) {
	return invoke[ConvertHoldResponse](ctx, c.cc, "ConvertHold", req, opts...)
}

func (c *InventoryClient) ReleaseHold(ctx context.Context, req *ReleaseHoldRequest, opts ...grpc.CallOption) (*ReleaseHoldResponse, error) {
	return invoke[ReleaseHoldResponse](ctx, c.cc, "ReleaseHold", req, opts...)
}

func (c *InventoryClient) CreateOrder(ctx context.Context, req *CreateOrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, "CreateOrder", req, opts...)
}

func (c *InventoryClient) GetOrder(ctx context.Context, req *OrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, "GetOrder", req, opts...)
}

func (c *InventoryClient) ConfirmOrder(ctx context.Context, req *OrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, "ConfirmOrder", req, opts...)
}

func (c *InventoryClient) TransitionOrder(ctx context.Context, req *OrderRequest, opts ...grpc.CallOption) (*OrderResponse, error) {
	return invoke[OrderResponse](ctx, c.cc, "TransitionOrder", req, opts...)
}

func (c *InventoryClient) GetStock(ctx context.Context, req *StockRequest, opts ...grpc.CallOption) (*StockResponse, error) {
	return invoke[StockResponse](ctx, c.cc, "GetStock", req, opts...)
}
