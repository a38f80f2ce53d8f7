package tenant

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"hsurvey.org/identity/internal/auth"
)

// UnaryServerInterceptor resolves the caller from request metadata. Methods whose full
// name starts with one of the public prefixes are passed through untouched.
func UnaryServerInterceptor(res Resolver, public ...string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		for _, p := range public {
			if strings.HasPrefix(info.FullMethod, p) {
				return handler(ctx, req)
			}
		}
		md, _ := metadata.FromIncomingContext(ctx)
		headers := make(http.Header, len(md))
		for k, vs := range md {
			for _, v := range vs {
				headers.Add(k, v)
			}
		}
		token := ""
		if v := headers.Get("Authorization"); len(v) > len(bearer) && strings.EqualFold(v[:len(bearer)], bearer) {
			token = strings.TrimSpace(v[len(bearer):])
		}
		caller, err := res.Resolve(ctx, Credentials{Token: token, Headers: headers})
		if err != nil {
			if errors.Is(err, auth.ErrNoCredential) {
				return nil, status.Error(codes.Unauthenticated, "missing credentials")
			}
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}
		ctx = auth.ContextWithCaller(ctx, caller)
		ctx = auth.ContextWithToken(ctx, token)
		return handler(ctx, req)
	}
}
