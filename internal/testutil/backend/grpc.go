package backend

import (
	"context"
	"strings"

	"github.com/dmitrijs2005/fleetsession/internal/common"
	"github.com/dmitrijs2005/fleetsession/internal/tokenx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const subjectIDKey ctxKey = "subjectID"

// SubjectID returns the subject authenticated by UnaryAuthInterceptor.
func SubjectID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(subjectIDKey).(string)
	return id, ok
}

// UnaryAuthInterceptor rejects calls whose bearer token was not issued by s
// or has expired. Methods listed in public pass through untouched.
func (s *Server) UnaryAuthInterceptor(public ...string) grpc.UnaryServerInterceptor {
	open := make(map[string]bool, len(public))
	for _, m := range public {
		open[m] = true
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if open[info.FullMethod] {
			return handler(ctx, req)
		}

		s.mu.Lock()
		s.requests++
		s.mu.Unlock()

		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get(common.AccessTokenHeaderName); len(values) > 0 {
				header = values[0]
			}
		}
		token, ok := strings.CutPrefix(header, common.BearerPrefix)
		if !ok || token == "" {
			return nil, status.Error(codes.Unauthenticated, "missing token")
		}

		claims, err := tokenx.Parse(token, s.secret, s.now)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		return handler(context.WithValue(ctx, subjectIDKey, claims.SubjectID()), req)
	}
}
