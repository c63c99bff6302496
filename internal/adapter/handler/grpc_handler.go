package handler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/candilingo/seatledger/internal/core/domain"
	"github.com/candilingo/seatledger/internal/core/service"
)

const ledgerServiceName = "seatledger.v1.LedgerService"

type LicenseGrantMessage struct {
	OrganizationID string    `json:"organization_id"`
	LicenseType    string    `json:"license_type"`
	TotalSeats     int32     `json:"total_seats"`
	UsedSeats      int32     `json:"used_seats"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type GrantSeatsRequest struct {
	OrganizationID string `json:"organization_id"`
	LicenseType    string `json:"license_type"`
	Count          int32  `json:"count"`
	IdempotencyKey string `json:"idempotency_key"`
}

type GrantSeatsResponse struct {
	Grant    LicenseGrantMessage `json:"grant"`
	Replayed bool                `json:"replayed"`
}

type SeatRequest struct {
	OrganizationID string `json:"organization_id"`
	LicenseType    string `json:"license_type"`
}

type SeatResponse struct {
	Grant LicenseGrantMessage `json:"grant"`
}

type UtilizationRequest struct {
	OrganizationID string `json:"organization_id"`
}

type UtilizationResponse struct {
	Pools []domain.PoolUtilization `json:"pools"`
}

// LedgerServiceServer is the server API for seatledger.v1.LedgerService.
type LedgerServiceServer interface {
	GrantSeats(context.Context, *GrantSeatsRequest) (*GrantSeatsResponse, error)
	TryConsumeSeat(context.Context, *SeatRequest) (*SeatResponse, error)
	ReleaseSeat(context.Context, *SeatRequest) (*SeatResponse, error)
	Utilization(context.Context, *UtilizationRequest) (*UtilizationResponse, error)
}

// OrganizationViewer decides whether a user may read an organization's seats.
type OrganizationViewer interface {
	CanView(ctx context.Context, actorID, organizationID string) error
}

// GRPCHandler serves the ledger to internal services. Seat counts change only
// through callers holding a service scope; end users may read their own
// organization's utilization.
type GRPCHandler struct {
	ledger  *service.Ledger
	viewers OrganizationViewer
}

func NewGRPCHandler(ledger *service.Ledger, viewers OrganizationViewer) *GRPCHandler {
	return &GRPCHandler{ledger: ledger, viewers: viewers}
}

func requireScope(ctx context.Context, scope string) error {
	if claims := ClaimsFromContext(ctx); claims == nil || !claims.HasScope(scope) {
		return status.Error(codes.PermissionDenied, "missing "+scope+" scope")
	}
	return nil
}

// GrantSeats requires the seats:grant scope; it is meant for the billing service only.
func (h *GRPCHandler) GrantSeats(ctx context.Context, req *GrantSeatsRequest) (*GrantSeatsResponse, error) {
	if err := requireScope(ctx, ScopeGrantSeats); err != nil {
		return nil, err
	}

	res, err := h.ledger.GrantSeats(ctx, req.OrganizationID, req.LicenseType, int(req.Count), req.IdempotencyKey)
	if err != nil {
		return nil, grpcError(ctx, err)
	}
	return &GrantSeatsResponse{Grant: toGrantMessage(res.Grant), Replayed: res.Replayed}, nil
}

func (h *GRPCHandler) TryConsumeSeat(ctx context.Context, req *SeatRequest) (*SeatResponse, error) {
	if err := requireScope(ctx, ScopeManageSeats); err != nil {
		return nil, err
	}
	grant, err := h.ledger.TryConsumeSeat(ctx, req.OrganizationID, req.LicenseType)
	if err != nil {
		return nil, grpcError(ctx, err)
	}
	return &SeatResponse{Grant: toGrantMessage(grant)}, nil
}

func (h *GRPCHandler) ReleaseSeat(ctx context.Context, req *SeatRequest) (*SeatResponse, error) {
	if err := requireScope(ctx, ScopeManageSeats); err != nil {
		return nil, err
	}
	grant, err := h.ledger.ReleaseSeat(ctx, req.OrganizationID, req.LicenseType)
	if err != nil {
		return nil, grpcError(ctx, err)
	}
	return &SeatResponse{Grant: toGrantMessage(grant)}, nil
}

func (h *GRPCHandler) Utilization(ctx context.Context, req *UtilizationRequest) (*UtilizationResponse, error) {
	if claims := ClaimsFromContext(ctx); claims == nil || !claims.HasScope(ScopeManageSeats) {
		if err := h.viewers.CanView(ctx, UserIDFromContext(ctx), req.OrganizationID); err != nil {
			return nil, grpcError(ctx, err)
		}
	}
	pools, err := h.ledger.Utilization(ctx, req.OrganizationID)
	if err != nil {
		return nil, grpcError(ctx, err)
	}
	return &UtilizationResponse{Pools: pools}, nil
}

func toGrantMessage(g domain.LicenseGrant) LicenseGrantMessage {
	return LicenseGrantMessage{
		OrganizationID: g.OrganizationID,
		LicenseType:    g.LicenseType,
		TotalSeats:     int32(g.TotalSeats),
		UsedSeats:      int32(g.UsedSeats),
		UpdatedAt:      g.UpdatedAt,
	}
}

func grpcError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		return status.Error(codes.PermissionDenied, "not a member of this organization")
	case errors.Is(err, domain.ErrSeatsExhausted):
		return status.Error(codes.ResourceExhausted, "no seats available, purchase more licenses")
	case errors.Is(err, domain.ErrStorageConflict):
		return status.Error(codes.Aborted, "storage conflict, retry")
	}
	zerolog.Ctx(ctx).Error().Err(err).Msg("ledger rpc failed")
	return status.Error(codes.Internal, "internal error")
}

func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&ledgerServiceDesc, srv)
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ledgerServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GrantSeats",
			Handler: unaryHandler("GrantSeats", func(srv LedgerServiceServer, ctx context.Context, req *GrantSeatsRequest) (any, error) {
				return srv.GrantSeats(ctx, req)
			}),
		},
		{
			MethodName: "TryConsumeSeat",
			Handler: unaryHandler("TryConsumeSeat", func(srv LedgerServiceServer, ctx context.Context, req *SeatRequest) (any, error) {
				return srv.TryConsumeSeat(ctx, req)
			}),
		},
		{
			MethodName: "ReleaseSeat",
			Handler: unaryHandler("ReleaseSeat", func(srv LedgerServiceServer, ctx context.Context, req *SeatRequest) (any, error) {
				return srv.ReleaseSeat(ctx, req)
			}),
		},
		{
			MethodName: "Utilization",
			Handler: unaryHandler("Utilization", func(srv LedgerServiceServer, ctx context.Context, req *UtilizationRequest) (any, error) {
				return srv.Utilization(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "seatledger/v1/ledger.proto",
}

// unaryHandler adapts a typed method to grpc.MethodDesc, running the server interceptor chain.
func unaryHandler[Req any](method string, call func(LedgerServiceServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	fullMethod := "/" + ledgerServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LedgerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(LedgerServiceServer), ctx, req.(*Req))
		})
	}
}

// LedgerClient calls LedgerService with the JSON codec.
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func (c *LedgerClient) GrantSeats(ctx context.Context, in *GrantSeatsRequest, opts ...grpc.CallOption) (*GrantSeatsResponse, error) {
	out := new(GrantSeatsResponse)
	if err := c.invoke(ctx, "GrantSeats", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) TryConsumeSeat(ctx context.Context, in *SeatRequest, opts ...grpc.CallOption) (*SeatResponse, error) {
	out := new(SeatResponse)
	if err := c.invoke(ctx, "TryConsumeSeat", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) ReleaseSeat(ctx context.Context, in *SeatRequest, opts ...grpc.CallOption) (*SeatResponse, error) {
	out := new(SeatResponse)
	if err := c.invoke(ctx, "ReleaseSeat", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) Utilization(ctx context.Context, in *UtilizationRequest, opts ...grpc.CallOption) (*UtilizationResponse, error) {
	out := new(UtilizationResponse)
	if err := c.invoke(ctx, "Utilization", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(JSONCodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+ledgerServiceName+"/"+method, in, out, opts...)
}
