package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"StabilityPool/internal/ingestion"
	"StabilityPool/internal/projection"
	"StabilityPool/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	QueryServiceName  = "stabilitypool.v1.QueryService"
	IngestServiceName = "stabilitypool.v1.IngestService"
	AdminServiceName  = "stabilitypool.v1.AdminService"
)

// endpoint is one unary method of a pool service. It is served over gRPC
// and, at verb and pattern, through the HTTP gateway.
type endpoint struct {
	method  grpc.MethodDesc
	verb    string
	pattern string
	gateway func(mux *runtime.ServeMux, interceptor grpc.UnaryServerInterceptor) runtime.HandlerFunc
}

// unary builds an endpoint whose request and response are plain structs
// carried by the JSON codec. Both transports run call through the same
// interceptor chain.
func unary[Req, Resp any](service, method, verb, pattern string, call func(context.Context, *Req) (*Resp, error)) endpoint {
	fullMethod := "/" + service + "/" + method
	invoke := func(ctx context.Context, req *Req, interceptor grpc.UnaryServerInterceptor) (any, error) {
		handler := func(ctx context.Context, r any) (any, error) {
			resp, err := call(ctx, r.(*Req))
			if err != nil {
				return nil, toStatus(err)
			}
			return resp, nil
		}
		if interceptor == nil {
			return handler(ctx, req)
		}
		return interceptor(ctx, req, &grpc.UnaryServerInfo{FullMethod: fullMethod}, handler)
	}

	return endpoint{
		verb:    verb,
		pattern: pattern,
		method: grpc.MethodDesc{
			MethodName: method,
			Handler: func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(Req)
				if err := dec(req); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "decode %s request: %v", method, err)
				}
				return invoke(ctx, req, interceptor)
			},
		},
		gateway: func(mux *runtime.ServeMux, interceptor grpc.UnaryServerInterceptor) runtime.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
				_, outbound := runtime.MarshalerForRequest(mux, r)
				ctx, err := runtime.AnnotateIncomingContext(r.Context(), mux, r, fullMethod)
				if err != nil {
					runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
					return
				}
				req := new(Req)
				if err := bindHTTPRequest(mux, r, params, req); err != nil {
					runtime.HTTPError(ctx, mux, outbound, w, r,
						status.Errorf(codes.InvalidArgument, "decode %s request: %v", method, err))
					return
				}
				resp, err := invoke(ctx, req, interceptor)
				if err != nil {
					runtime.HTTPError(ctx, mux, outbound, w, r, err)
					return
				}
				writeHTTPResponse(ctx, mux, outbound, w, r, resp)
			}
		},
	}
}

// poolService is a named group of endpoints.
type poolService struct {
	name      string
	endpoints []endpoint
}

func (s poolService) desc() *grpc.ServiceDesc {
	methods := make([]grpc.MethodDesc, len(s.endpoints))
	for i, ep := range s.endpoints {
		methods[i] = ep.method
	}
	return &grpc.ServiceDesc{
		ServiceName: s.name,
		HandlerType: (*any)(nil),
		Methods:     methods,
		Metadata:    "stabilitypool/v1/" + s.name,
	}
}

func requireAddress(field string, addr common.Address) error {
	if addr == (common.Address{}) {
		return status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	return nil
}

// ============================================================================
// QueryService
// ============================================================================

type queryServer struct {
	qs *query.QueryService
}

func (s *queryServer) service() poolService {
	n := QueryServiceName
	get := http.MethodGet
	return poolService{name: n, endpoints: []endpoint{
		unary(n, "GetDeposit", get, "/v1/deposits/{address}", s.getDeposit),
		unary(n, "GetFrontEnd", get, "/v1/front_ends/{address}", s.getFrontEnd),
		unary(n, "GetPool", get, "/v1/pool", s.getPool),
		unary(n, "GetSums", get, "/v1/sums/{epoch}/{scale}", s.getSums),
		unary(n, "GetTrove", get, "/v1/troves/{address}", s.getTrove),
		unary(n, "GetBalances", get, "/v1/balances/{address}", s.getBalances),
		unary(n, "ListOffsets", get, "/v1/offsets", s.listOffsets),
		unary(n, "ListJournals", get, "/v1/journals/{address}", s.listJournals),
	}}
}

func (s *queryServer) getDeposit(ctx context.Context, req *AccountRequest) (*query.DepositResponse, error) {
	if err := requireAddress("address", req.Address); err != nil {
		return nil, err
	}
	return s.qs.GetDeposit(ctx, req.Address)
}

func (s *queryServer) getFrontEnd(ctx context.Context, req *AccountRequest) (*query.FrontEndResponse, error) {
	if err := requireAddress("address", req.Address); err != nil {
		return nil, err
	}
	return s.qs.GetFrontEnd(ctx, req.Address)
}

func (s *queryServer) getPool(ctx context.Context, _ *Empty) (*query.PoolResponse, error) {
	return s.qs.GetPool(ctx)
}

func (s *queryServer) getSums(ctx context.Context, req *SumsRequest) (*query.SumsResponse, error) {
	return s.qs.GetSums(ctx, req.Epoch, req.Scale)
}

func (s *queryServer) getTrove(ctx context.Context, req *AccountRequest) (*query.TroveResponse, error) {
	if err := requireAddress("address", req.Address); err != nil {
		return nil, err
	}
	return s.qs.GetTrove(ctx, req.Address)
}

func (s *queryServer) getBalances(ctx context.Context, req *AccountRequest) (*BalancesResponse, error) {
	if err := requireAddress("address", req.Address); err != nil {
		return nil, err
	}
	balances, err := s.qs.GetBalances(ctx, req.Address)
	if err != nil {
		return nil, err
	}
	return &BalancesResponse{Balances: balances}, nil
}

func (s *queryServer) listOffsets(ctx context.Context, req *HistoryRequest) (*OffsetsResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offsets, err := s.qs.GetOffsetHistory(ctx, limit, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &OffsetsResponse{Offsets: offsets}, nil
}

func (s *queryServer) listJournals(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error) {
	if err := requireAddress("address", req.Address); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	journals, err := s.qs.GetJournalHistory(ctx, req.Address, limit, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &JournalsResponse{Journals: journals}, nil
}

// ============================================================================
// IngestService
// ============================================================================

type ingestServer struct {
	svc *ingestion.GRPCIngestService
}

// Liquidation offsets are not on this service; see AdminService.
func (s *ingestServer) service() poolService {
	n := IngestServiceName
	post := http.MethodPost
	return poolService{name: n, endpoints: []endpoint{
		unary(n, "ProvideToSP", post, "/v1/commands/provide", s.provide),
		unary(n, "WithdrawFromSP", post, "/v1/commands/withdraw", s.withdraw),
		unary(n, "WithdrawCollateralGainToTrove", post, "/v1/commands/withdraw_to_trove", s.withdrawToTrove),
		unary(n, "RegisterFrontEnd", post, "/v1/commands/register_front_end", s.registerFrontEnd),
		unary(n, "OpenTrove", post, "/v1/commands/open_trove", s.openTrove),
		unary(n, "PriceUpdate", post, "/v1/prices", s.price),
	}}
}

func accepted(err error) (*SubmitResponse, error) {
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{Accepted: true}, nil
}

func (s *ingestServer) provide(ctx context.Context, req *ProvideRequest) (*SubmitResponse, error) {
	if err := requireAddress("depositor", req.Depositor); err != nil {
		return nil, err
	}
	return accepted(s.svc.InjectProvide(ctx, req.Depositor, req.Amount, req.FrontEndTag, req.Sequence))
}

func (s *ingestServer) withdraw(ctx context.Context, req *WithdrawRequest) (*SubmitResponse, error) {
	if err := requireAddress("depositor", req.Depositor); err != nil {
		return nil, err
	}
	return accepted(s.svc.InjectWithdraw(ctx, req.Depositor, req.Amount, req.Sequence))
}

func (s *ingestServer) withdrawToTrove(ctx context.Context, req *WithdrawToTroveRequest) (*SubmitResponse, error) {
	if err := requireAddress("depositor", req.Depositor); err != nil {
		return nil, err
	}
	loanOwner := req.LoanOwner
	if loanOwner == (common.Address{}) {
		loanOwner = req.Depositor
	}
	return accepted(s.svc.InjectWithdrawToTrove(ctx, req.Depositor, loanOwner, req.Sequence))
}

func (s *ingestServer) registerFrontEnd(ctx context.Context, req *RegisterFrontEndRequest) (*SubmitResponse, error) {
	if err := requireAddress("front_end", req.FrontEnd); err != nil {
		return nil, err
	}
	return accepted(s.svc.InjectRegisterFrontEnd(ctx, req.FrontEnd, req.KickbackRate, req.Sequence))
}

func (s *ingestServer) openTrove(ctx context.Context, req *OpenTroveRequest) (*SubmitResponse, error) {
	if err := requireAddress("owner", req.Owner); err != nil {
		return nil, err
	}
	return accepted(s.svc.InjectOpenTrove(ctx, req.Owner, req.Collateral, req.Debt, req.Sequence))
}

func (s *ingestServer) price(ctx context.Context, req *PriceRequest) (*SubmitResponse, error) {
	return accepted(s.svc.InjectPrice(ctx, req.Price, req.PriceSequence))
}

// ============================================================================
// AdminService
// ============================================================================

// Snapshotter captures the core state on the core goroutine and saves it.
type Snapshotter interface {
	TakeSnapshot(ctx context.Context) (sequence int64, sizeBytes int, err error)
}

// adminServer holds the privileged operations. Every call needs the admin
// bearer token, checked by adminAuthInterceptor.
type adminServer struct {
	deps   *ServerDeps
	logger zerolog.Logger
}

func (s *adminServer) service() poolService {
	n := AdminServiceName
	return poolService{name: n, endpoints: []endpoint{
		unary(n, "LiquidationOffset", http.MethodPost, "/v1/admin/offsets", s.offset),
		unary(n, "TakeSnapshot", http.MethodPost, "/v1/admin/snapshots", s.takeSnapshot),
		unary(n, "RebuildProjections", http.MethodPost, "/v1/admin/projections/rebuild", s.rebuildProjections),
		unary(n, "GetEventLogInfo", http.MethodGet, "/v1/admin/event_log", s.eventLogInfo),
		unary(n, "VerifyIntegrity", http.MethodGet, "/v1/admin/integrity", s.verifyIntegrity),
	}}
}

// offset applies a liquidation offset by hand. The liquidation engine
// normally publishes offsets on NATS.
func (s *adminServer) offset(ctx context.Context, req *OffsetRequest) (*SubmitResponse, error) {
	if s.deps.IngestService == nil {
		return nil, status.Error(codes.Unimplemented, "ingestion is not configured")
	}
	return accepted(s.deps.IngestService.InjectOffset(ctx, req.Debt, req.Collateral, req.Sequence))
}

func (s *adminServer) takeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.deps.Snapshotter == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots are not configured")
	}
	seq, size, err := s.deps.Snapshotter.TakeSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("take snapshot: %w", err)
	}
	return &SnapshotResponse{Sequence: seq, SizeBytes: size}, nil
}

func (s *adminServer) rebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.deps.DB == nil {
		return nil, query.ErrUnavailable
	}
	start := time.Now()
	if err := projection.RebuildProjections(ctx, s.deps.DB, s.logger); err != nil {
		return nil, fmt.Errorf("rebuild projections: %w", err)
	}
	wm, err := s.deps.QueryService.ProjectionWatermark(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int64("watermark", wm).Dur("took", time.Since(start)).Msg("projections rebuilt")
	return &RebuildResponse{Watermark: wm}, nil
}

func (s *adminServer) eventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	resp := &EventLogInfoResponse{
		LastSequence:        -1,
		AppliedSequence:     s.deps.QueryService.AppliedSequence(),
		ProjectionWatermark: -1,
	}
	if s.deps.SnapshotMgr == nil {
		return resp, nil
	}
	var err error
	if resp.LastSequence, err = s.deps.SnapshotMgr.GetLatestSequence(ctx); err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}
	if resp.ProjectionWatermark, err = s.deps.QueryService.ProjectionWatermark(ctx); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *adminServer) verifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	return s.deps.QueryService.VerifyIntegrity(ctx)
}
