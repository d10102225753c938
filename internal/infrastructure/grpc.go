package infrastructure

import (
	"fmt"
	"net"
	"strings"

	"github.com/krobus00/market-feed-relay/internal/config"
	"github.com/krobus00/market-feed-relay/internal/constant"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer exposes the standard grpc health service so that orchestrators
// can probe the relay without speaking http.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	addr     string
}

func NewGRPCServer(addr string) *GRPCServer {
	server := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	if config.Env != nil && config.Env.Env == constant.DevelopmentEnvironment {
		reflection.Register(server)
	}

	return &GRPCServer{
		server: server,
		health: healthServer,
		addr:   addr,
	}
}

// SetServing flips the health status of service. An empty service name is the
// overall server status.
func (g *GRPCServer) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(service, status)
}

// Start binds the listener and serves in the background.
func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", g.addr, err)
	}
	g.listener = lis

	go func() {
		if err := g.server.Serve(lis); err != nil {
			logrus.Errorf("grpc server stopped: %v", err)
		}
	}()
	logrus.WithField("addr", lis.Addr().String()).Info("grpc server started")

	return nil
}

// Addr returns the bound address once Start has returned.
func (g *GRPCServer) Addr() string {
	if g.listener == nil {
		return g.addr
	}
	return g.listener.Addr().String()
}

func (g *GRPCServer) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}

const defaultGRPCAddr = ":9090"

func ResolveGRPCAddr() string {
	if config.Env == nil {
		return defaultGRPCAddr
	}

	port := strings.TrimSpace(config.Env.Port[constant.MarketFeedGRPCPortKey])
	switch {
	case port == "":
		return defaultGRPCAddr
	case strings.HasPrefix(port, ":"):
		return port
	default:
		return ":" + port
	}
}
