package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/tenant"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Server().Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Shutdown()
		_ = listener.Close()
	})
	return conn
}

func newTestTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	codec, err := auth.NewCodec(auth.SigningConfig{Secret: []byte(testSecret)})
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	tokens, err := auth.NewTokenService(codec)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return tokens
}

func TestGRPCHealthIsPublic(t *testing.T) {
	tokens := newTestTokens(t)
	res, err := tenant.New(tenant.ModeToken, tokens)
	if err != nil {
		t.Fatalf("tenant.New: %v", err)
	}
	srv := NewGRPCServer(res)
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}

	srv.SetReady(false)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "identity.v1.Identity"})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %s", resp.GetStatus())
	}
}

func TestGRPCWhoAmI(t *testing.T) {
	tokens := newTestTokens(t)
	res, err := tenant.New(tenant.ModeToken, tokens)
	if err != nil {
		t.Fatalf("tenant.New: %v", err)
	}
	conn := startBufGRPC(t, NewGRPCServer(res))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out := new(structpb.Struct)
	err = conn.Invoke(ctx, whoAmIMethod, &emptypb.Empty{}, out)
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	bad := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer garbage")
	err = conn.Invoke(bad, whoAmIMethod, &emptypb.Empty{}, out)
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated for a bad token, got %v", err)
	}

	user, org := uuid.New(), uuid.New()
	tok, err := tokens.Issue(auth.Identity{
		Subject:        "alice@example.com",
		UserID:         &user,
		OrganizationID: &org,
		Authorities:    []string{auth.AuthorityRoleRead},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+tok.Token)
	if err := conn.Invoke(authed, whoAmIMethod, &emptypb.Empty{}, out); err != nil {
		t.Fatalf("WhoAmI: %v", err)
	}
	fields := out.AsMap()
	if fields["subject"] != "alice@example.com" || fields["organizationId"] != org.String() {
		t.Fatalf("unexpected caller: %v", fields)
	}
	if fields["rootAdmin"] != false {
		t.Fatalf("unexpected root flag: %v", fields["rootAdmin"])
	}
}
