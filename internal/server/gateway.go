package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// newGatewayMux serves every endpoint over HTTP/JSON. The pool services have
// no generated stubs, so routes are registered with HandlePath and call the
// service methods in-process instead of proxying to the gRPC listener.
func newGatewayMux(services []poolService, interceptor grpc.UnaryServerInterceptor) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
	)
	for _, svc := range services {
		for _, ep := range svc.endpoints {
			if err := mux.HandlePath(ep.verb, ep.pattern, ep.gateway(mux, interceptor)); err != nil {
				return nil, fmt.Errorf("route %s %s: %w", ep.verb, ep.pattern, err)
			}
		}
	}
	return mux, nil
}

// bindHTTPRequest fills req from the body, then overlays the query string
// (GET only) and path parameters. Keys match the request's json field
// names; integer values bind as JSON numbers, anything else as a string.
func bindHTTPRequest(mux *runtime.ServeMux, r *http.Request, params map[string]string, req any) error {
	if r.Method != http.MethodGet && r.Body != nil {
		inbound, _ := runtime.MarshalerForRequest(mux, r)
		if err := inbound.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
	}

	fields := make(map[string]json.RawMessage)
	if r.Method == http.MethodGet {
		for key, vals := range r.URL.Query() {
			if len(vals) > 0 {
				fields[key] = fieldValue(vals[len(vals)-1])
			}
		}
	}
	for key, val := range params {
		fields[key] = fieldValue(val)
	}
	if len(fields) == 0 {
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, req)
}

func fieldValue(v string) json.RawMessage {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return json.RawMessage(strconv.FormatInt(n, 10))
	}
	quoted, _ := json.Marshal(v)
	return quoted
}

func writeHTTPResponse(ctx context.Context, mux *runtime.ServeMux, m runtime.Marshaler, w http.ResponseWriter, r *http.Request, resp any) {
	data, err := m.Marshal(resp)
	if err != nil {
		runtime.HTTPError(ctx, mux, m, w, r, status.Errorf(codes.Internal, "encode response: %v", err))
		return
	}
	w.Header().Set("Content-Type", m.ContentType(resp))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// chainUnary composes interceptors, first outermost, so the gateway runs
// the exact chain the gRPC server does.
func chainUnary(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		next := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			ic, inner := interceptors[i], next
			next = func(ctx context.Context, req any) (any, error) {
				return ic(ctx, req, info, inner)
			}
		}
		return next(ctx, req)
	}
}

// adminAuthInterceptor guards AdminService with a static bearer token. An
// empty token turns the service off.
func adminAuthInterceptor(token string) grpc.UnaryServerInterceptor {
	prefix := "/" + AdminServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, prefix) {
			if err := authorizeAdmin(ctx, token); err != nil {
				return nil, err
			}
		}
		return handler(ctx, req)
	}
}

func authorizeAdmin(ctx context.Context, token string) error {
	if token == "" {
		return status.Error(codes.PermissionDenied, "admin service is disabled")
	}
	md, _ := metadata.FromIncomingContext(ctx)
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return status.Error(codes.Unauthenticated, "missing admin bearer token")
	}
	got, ok := strings.CutPrefix(vals[0], "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
		return status.Error(codes.PermissionDenied, "invalid admin bearer token")
	}
	return nil
}
