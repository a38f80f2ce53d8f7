package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/tenant"
)

const whoAmIMethod = "/identity.v1.Identity/WhoAmI"

// IdentityServer answers questions about the authenticated caller.
type IdentityServer interface {
	WhoAmI(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var identityServiceDesc = grpc.ServiceDesc{
	ServiceName: "identity.v1.Identity",
	HandlerType: (*IdentityServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "WhoAmI",
		Handler:    whoAmIHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "identity/v1/identity.proto",
}

func whoAmIHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IdentityServer).WhoAmI(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: whoAmIMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IdentityServer).WhoAmI(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer hosts grpc.health.v1 and the identity service behind the tenant interceptor.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
}

// NewGRPCServer builds the server. Health checks are public; everything else needs a caller.
func NewGRPCServer(res tenant.Resolver) *GRPCServer {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		tenant.UnaryServerInterceptor(res, "/"+healthpb.Health_ServiceDesc.ServiceName+"/"),
	))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	srv.RegisterService(&identityServiceDesc, identityService{})
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(identityServiceDesc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &GRPCServer{server: srv, health: hs}
}

// Server exposes the underlying grpc.Server for Serve and GracefulStop.
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// SetReady flips the health status reported to probes.
func (s *GRPCServer) SetReady(ready bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !ready {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(identityServiceDesc.ServiceName, st)
}

// Shutdown marks every service NOT_SERVING and drains in-flight calls.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
	s.server.GracefulStop()
}

type identityService struct{}

func (identityService) WhoAmI(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	authorities := make([]any, 0, len(caller.Authorities))
	for _, a := range caller.Authorities {
		authorities = append(authorities, a)
	}
	fields := map[string]any{
		"subject":     caller.Subject,
		"authorities": authorities,
		"rootAdmin":   caller.IsRootAdmin,
	}
	if caller.UserID != nil {
		fields["userId"] = caller.UserID.String()
	}
	if caller.OrganizationID != nil {
		fields["organizationId"] = caller.OrganizationID.String()
	}
	if caller.DepartmentID != nil {
		fields["departmentId"] = caller.DepartmentID.String()
	}
	if caller.TeamID != nil {
		fields["teamId"] = caller.TeamID.String()
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode caller: %v", err)
	}
	return out, nil
}
