package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/loglens/internal/config"
	"github.com/miradorstack/loglens/internal/engine"
	"github.com/miradorstack/loglens/internal/models"
	"github.com/miradorstack/loglens/internal/services"
	"github.com/miradorstack/loglens/internal/store"
	"github.com/miradorstack/loglens/internal/utils"
)

// AnalyticsEngineServiceName is the fully qualified gRPC service name.
const AnalyticsEngineServiceName = "loglens.v1.AnalyticsEngine"

// AnalyticsEngineServer is the gRPC surface. Requests and responses are
// google.protobuf.Struct documents carrying the same fields as the REST API.
type AnalyticsEngineServer interface {
	RunAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ForecastErrors(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClusterMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFindings(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetReport(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterAnalyticsEngineServer attaches srv to s.
func RegisterAnalyticsEngineServer(s grpc.ServiceRegistrar, srv AnalyticsEngineServer) {
	s.RegisterService(&analyticsEngineServiceDesc, srv)
}

var analyticsEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: AnalyticsEngineServiceName,
	HandlerType: (*AnalyticsEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("RunAll", AnalyticsEngineServer.RunAll),
		unaryMethod("ForecastErrors", AnalyticsEngineServer.ForecastErrors),
		unaryMethod("ClusterMessages", AnalyticsEngineServer.ClusterMessages),
		unaryMethod("ListFindings", AnalyticsEngineServer.ListFindings),
		unaryMethod("GetReport", AnalyticsEngineServer.GetReport),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "loglens/v1/analytics.proto",
}

type structCall func(AnalyticsEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call structCall) grpc.MethodDesc {
	fullMethod := "/" + AnalyticsEngineServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(AnalyticsEngineServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(impl, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// GRPCServer wraps the gRPC server implementation and lifecycle helpers.
type GRPCServer struct {
	cfg        config.ServerConfig
	grpcServer *grpc.Server
	listener   net.Listener
}

// NewGRPCServer constructs a gRPC server bound to the configured address.
func NewGRPCServer(cfg config.ServerConfig, service AnalyticsEngineServer, opts ...grpc.ServerOption) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddress, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor, recoveryInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	}
	serverOpts = append(serverOpts, opts...)
	grpcServer := grpc.NewServer(serverOpts...)

	RegisterAnalyticsEngineServer(grpcServer, service)
	grpc_prometheus.Register(grpcServer)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(AnalyticsEngineServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	reflection.Register(grpcServer)

	return &GRPCServer{
		cfg:        cfg,
		grpcServer: grpcServer,
		listener:   lis,
	}, nil
}

// recoveryInterceptor turns a handler panic into codes.Internal.
func recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Error("grpc handler panicked", slog.String("method", info.FullMethod), slog.Any("panic", r))
			err = status.Error(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

// Start serves incoming gRPC requests until Shutdown is invoked.
func (s *GRPCServer) Start() error {
	if s.grpcServer == nil || s.listener == nil {
		return fmt.Errorf("server not initialised")
	}
	return s.grpcServer.Serve(s.listener)
}

// Shutdown attempts a graceful shutdown, falling back to Stop when ctx expires.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	if s.grpcServer == nil {
		return
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
		s.grpcServer.Stop()
	case <-stopped:
	}
}

// Address exposes the bound listener address.
func (s *GRPCServer) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GracefulTimeout returns the configured graceful timeout duration.
func (s *GRPCServer) GracefulTimeout() time.Duration {
	return s.cfg.GracefulTimeout
}

type grpcService struct {
	svc    *services.AnalyticsService
	logger *slog.Logger
}

// NewGRPCService adapts the analytics facade to AnalyticsEngineServer.
func NewGRPCService(svc *services.AnalyticsService, logger *slog.Logger) AnalyticsEngineServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &grpcService{svc: svc, logger: logger}
}

func (g *grpcService) RunAll(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	args := structArgs(in)
	var (
		opts engine.RunOptions
		err  error
	)
	if opts.Testing, err = args.boolean("testing", false); err != nil {
		return nil, g.status(err)
	}
	if opts.FloodThreshold, err = args.integer("flood_threshold", 0); err != nil {
		return nil, g.status(err)
	}
	if args.has("threshold") {
		v, err := args.number("threshold", 0)
		if err != nil {
			return nil, g.status(err)
		}
		opts.SequenceThreshold = &v
	}
	if args.has("predict_minutes") {
		v, err := args.integer("predict_minutes", 0)
		if err != nil {
			return nil, g.status(err)
		}
		opts.PredictMinutes = &v
	}
	if args.has("eps") || args.has("min_samples") {
		params := g.svc.Engine().Config().Cluster
		if params.Eps, err = args.number("eps", params.Eps); err != nil {
			return nil, g.status(err)
		}
		if params.MinSamples, err = args.integer("min_samples", params.MinSamples); err != nil {
			return nil, g.status(err)
		}
		opts.Cluster = &params
	}

	var report engine.RunReport
	err = g.svc.Track("run_all", func() error {
		report, err = g.svc.Engine().RunAll(ctx, opts)
		return err
	})
	if err != nil {
		return nil, g.status(err)
	}
	return g.reply(map[string]any{"status": "ok", "total_detected": report.Total(), "report": report})
}

func (g *grpcService) ForecastErrors(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	eng := g.svc.Engine()
	args := structArgs(in)
	back, err := args.integer("minutes_back", int(eng.Config().Windows.Forecast/time.Minute))
	if err != nil {
		return nil, g.status(err)
	}
	ahead, err := args.integer("predict_minutes", eng.Config().PredictMinutes)
	if err != nil {
		return nil, g.status(err)
	}
	testing, err := args.boolean("testing", true)
	if err != nil {
		return nil, g.status(err)
	}
	result, err := eng.ForecastErrors(ctx, eng.Window(testing, time.Duration(back)*time.Minute), ahead)
	if err != nil {
		return nil, g.status(err)
	}
	return g.reply(result)
}

func (g *grpcService) ClusterMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	eng := g.svc.Engine()
	args := structArgs(in)
	params := eng.Config().Cluster
	testing, err := args.boolean("testing", false)
	if err != nil {
		return nil, g.status(err)
	}
	if params.Eps, err = args.number("eps", params.Eps); err != nil {
		return nil, g.status(err)
	}
	if params.MinSamples, err = args.integer("min_samples", params.MinSamples); err != nil {
		return nil, g.status(err)
	}
	var result models.ClusterResult
	err = g.svc.Track("cluster", func() error {
		result, err = eng.ClusterMessages(ctx, eng.Window(testing, eng.Config().Windows.Cluster), params)
		return err
	})
	if err != nil {
		return nil, g.status(err)
	}
	return g.reply(result)
}

func (g *grpcService) ListFindings(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	args := structArgs(in)
	limit, err := args.integer("limit", defaultFindingsLimit)
	if err != nil {
		return nil, g.status(err)
	}
	q := store.FindingQuery{Limit: limit, RunID: args.str("run_id")}
	for _, k := range args.strings("kinds") {
		q.Kinds = append(q.Kinds, models.Kind(k))
	}
	findings, err := g.svc.Engine().ListFindings(ctx, q)
	if err != nil {
		return nil, g.status(err)
	}
	return g.reply(map[string]any{"findings": nonNil(findings)})
}

func (g *grpcService) GetReport(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	eng := g.svc.Engine()
	testing, err := structArgs(in).boolean("testing", false)
	if err != nil {
		return nil, g.status(err)
	}
	report, err := eng.Report(ctx, eng.Window(testing, eng.Config().Windows.Analytics))
	if err != nil {
		return nil, g.status(err)
	}
	return g.reply(report)
}

func (g *grpcService) status(err error) error {
	code := services.Code(err)
	if code == codes.Internal {
		g.logger.Error("grpc call failed", slog.Any("error", err))
	}
	msg := utils.PublicMessage(err, code.String())
	if code == codes.InvalidArgument {
		msg = err.Error()
	}
	return status.Error(code, msg)
}

// reply round-trips v through its JSON encoding so the Struct carries the
// same field names as the REST responses.
func (g *grpcService) reply(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, g.status(fmt.Errorf("encode reply: %w", err))
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, g.status(fmt.Errorf("encode reply: %w", err))
	}
	return out, nil
}

type structFields map[string]*structpb.Value

func structArgs(in *structpb.Struct) structFields {
	if in == nil {
		return structFields{}
	}
	return in.GetFields()
}

func (f structFields) has(name string) bool {
	_, ok := f[name]
	return ok
}

func (f structFields) str(name string) string {
	return f[name].GetStringValue()
}

func (f structFields) strings(name string) []string {
	var out []string
	for _, v := range f[name].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (f structFields) number(name string, def float64) (float64, error) {
	v, ok := f[name]
	if !ok {
		return def, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", engine.ErrInvalidParameter, name)
	}
	return n.NumberValue, nil
}

func (f structFields) integer(name string, def int) (int, error) {
	n, err := f.number(name, float64(def))
	if err != nil {
		return 0, err
	}
	if n != math.Trunc(n) {
		return 0, fmt.Errorf("%w: %s must be an integer", engine.ErrInvalidParameter, name)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s must be non-negative", engine.ErrInvalidParameter, name)
	}
	return int(n), nil
}

func (f structFields) boolean(name string, def bool) (bool, error) {
	v, ok := f[name]
	if !ok {
		return def, nil
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a boolean", engine.ErrInvalidParameter, name)
	}
	return b.BoolValue, nil
}
