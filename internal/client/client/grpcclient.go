package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/fleetsession/internal/common"
	"github.com/dmitrijs2005/fleetsession/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CredentialSource supplies bearer tokens. *session.Manager satisfies it.
type CredentialSource interface {
	GetValidCredential(ctx context.Context) (string, error)
	Renew(ctx context.Context) (string, error)
	Expire(ctx context.Context, token string) bool
}

type GRPCClient struct {
	endpointURL string
	conn        *grpc.ClientConn
	health      healthpb.HealthClient
	creds       CredentialSource
	log         logging.Logger
	publicRPCs  map[string]bool
}

type GRPCOption func(*GRPCClient)

func WithGRPCLogger(l logging.Logger) GRPCOption { return func(c *GRPCClient) { c.log = l } }

// WithPublicMethods lists full method names called without a credential.
func WithPublicMethods(methods ...string) GRPCOption {
	return func(c *GRPCClient) {
		for _, m := range methods {
			c.publicRPCs[m] = true
		}
	}
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Delete(common.AccessTokenHeaderName)
	md.Set(common.AccessTokenHeaderName, common.BearerValue(token))

	return metadata.NewOutgoingContext(ctx, md)
}

// accessTokenInterceptor attaches the current credential. When the server
// answers Unauthenticated it renews once and replays once; a second
// Unauthenticated ends the session.
func (s *GRPCClient) accessTokenInterceptor(
	ctx context.Context,
	method string,
	req, reply any,
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	if s.publicRPCs[method] {
		return invoker(ctx, method, req, reply, cc, opts...)
	}

	token, err := s.creds.GetValidCredential(ctx)
	if err != nil {
		return err
	}

	err = invoker(withAccessToken(ctx, token), method, req, reply, cc, opts...)
	if status.Code(err) != codes.Unauthenticated {
		return err
	}

	s.log.Info(ctx, "rpc unauthenticated, renewing credential", "method", method)
	renewed, rerr := s.creds.Renew(ctx)
	if rerr != nil {
		return rerr
	}

	err = invoker(withAccessToken(ctx, renewed), method, req, reply, cc, opts...)
	if status.Code(err) == codes.Unauthenticated {
		s.creds.Expire(ctx, renewed)
	}
	return err
}

// NewGRPCClient connects to endpointURL with plaintext transport and the
// credential interceptor installed. Extra dial options come last.
func NewGRPCClient(endpointURL string, creds CredentialSource, opts []GRPCOption, dialOpts ...grpc.DialOption) (*GRPCClient, error) {
	c := &GRPCClient{
		endpointURL: endpointURL,
		creds:       creds,
		log:         logging.Discard(),
		publicRPCs:  map[string]bool{healthpb.Health_Check_FullMethodName: true},
	}
	for _, o := range opts {
		o(c)
	}

	dial := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
	}, dialOpts...)

	conn, err := grpc.NewClient(endpointURL, dial...)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.health = healthpb.NewHealthClient(conn)
	return c, nil
}

// Conn exposes the connection for generated service clients.
func (s *GRPCClient) Conn() *grpc.ClientConn {
	return s.conn
}

func (s *GRPCClient) Close() error {
	return s.conn.Close()
}

// Ping checks the standard health service of the backend.
func (s *GRPCClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 12*time.Second)
	defer cancel()

	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return mapError(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return ErrUnavailable
	}
	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrNotAuthenticated) || errors.Is(err, common.ErrExpiredSession) {
		return err
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return ErrUnauthorized
	case codes.Unavailable, codes.DeadlineExceeded:
		return ErrUnavailable
	default:
		return fmt.Errorf("rpc error: %w", err)
	}
}
