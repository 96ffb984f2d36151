package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// grpcStatus maps an auth error to its gRPC status.
func grpcStatus(err error) error {
	authErr, ok := AsError(err)
	if !ok {
		return status.Error(codes.Unauthenticated, "authentication failed")
	}

	switch authErr.Kind {
	case KindAuthorization:
		return status.Error(codes.PermissionDenied, authErr.Message)
	case KindValidation:
		return status.Error(codes.InvalidArgument, authErr.Message)
	case KindQuota, KindRateLimit:
		return status.Error(codes.ResourceExhausted, authErr.Message)
	default:
		return status.Error(codes.Unauthenticated, authErr.Message)
	}
}

func (a *Authenticator) authenticateGRPC(ctx context.Context, fullMethod string) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	var ip string
	if peerAddrs := md.Get("x-forwarded-for"); len(peerAddrs) > 0 {
		ip = peerAddrs[0]
	}

	identity, err := a.Authenticate(ctx, &Request{
		Credentials: ExtractGRPC(md),
		Method:      "POST",
		Path:        fullMethod,
		IPAddress:   ip,
	})
	if err != nil {
		return ctx, grpcStatus(err)
	}

	return WithIdentity(ctx, identity), nil
}

// UnaryInterceptor authenticates every unary call and attaches the
// identity to the handler context.
func UnaryInterceptor(a *Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := a.authenticateGRPC(ctx, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor authenticates every stream before the first message.
func StreamInterceptor(a *Authenticator) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := a.authenticateGRPC(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &identityStream{ServerStream: ss, ctx: ctx})
	}
}

// identityStream overrides the stream context with the authenticated one.
type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context {
	return s.ctx
}
