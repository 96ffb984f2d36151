package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func unaryCtx(creds map[string]string) context.Context {
	md := metadata.New(creds)
	return metadata.NewIncomingContext(context.Background(), md)
}

func TestUnaryInterceptor_Authenticates(t *testing.T) {
	f := newFixture(t)
	interceptor := UnaryInterceptor(f.authenticator)

	var seen *Identity
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen, _ = IdentityFromContext(ctx)
		return "ok", nil
	}

	ctx := unaryCtx(map[string]string{"authorization": "Bearer " + f.accessToken(t)})
	resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Method"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.UserID)
}

func TestUnaryInterceptor_RejectsMissingCredentials(t *testing.T) {
	f := newFixture(t)
	interceptor := UnaryInterceptor(f.authenticator)

	_, err := interceptor(context.Background(), nil,
		&grpc.UnaryServerInfo{FullMethod: "/svc/Method"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			t.Fatal("handler must not run")
			return nil, nil
		},
	)

	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unauthenticated, st.Code())
}

func TestGRPCStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{NewAuthenticationError("nope", nil), codes.Unauthenticated},
		{NewAuthorizationError("role admin"), codes.PermissionDenied},
		{NewValidationError("empty scopes", nil), codes.InvalidArgument},
		{NewQuotaError("cap", nil), codes.ResourceExhausted},
		{NewRateLimitError(0, nil), codes.ResourceExhausted},
		{assert.AnError, codes.Unauthenticated},
	}

	for _, tc := range cases {
		st, ok := status.FromError(grpcStatus(tc.err))
		require.True(t, ok)
		assert.Equal(t, tc.code, st.Code())
	}
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeStream) Context() context.Context { return s.ctx }

func TestStreamInterceptor_Authenticates(t *testing.T) {
	f := newFixture(t)
	_, raw := f.rawAPIKey(t)
	interceptor := StreamInterceptor(f.authenticator)

	var seen *Identity
	err := interceptor(nil,
		&fakeStream{ctx: unaryCtx(map[string]string{"x-api-key": raw})},
		&grpc.StreamServerInfo{FullMethod: "/svc/Stream"},
		func(srv interface{}, stream grpc.ServerStream) error {
			seen, _ = IdentityFromContext(stream.Context())
			return nil
		},
	)
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, MethodAPIKey, seen.AuthMethod)
}
