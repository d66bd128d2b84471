package api

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufSize = 1024 * 1024

func newTestGRPC(t *testing.T) *grpc.ClientConn {
	t.Helper()
	svc := newTestService(t, nil)
	r := NewRouter(svc, nil, 0)
	upload(t, r)

	lis := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	RegisterAnalyticsEngineServer(server, NewGRPCService(svc, nil))
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(AnalyticsEngineServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, healthSrv)
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, args map[string]any) (*structpb.Struct, error) {
	t.Helper()
	in, err := structpb.NewStruct(args)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	out := new(structpb.Struct)
	err = conn.Invoke(context.Background(), "/"+AnalyticsEngineServiceName+"/"+method, in, out)
	return out, err
}

func TestGRPCRunAllAndListFindings(t *testing.T) {
	conn := newTestGRPC(t)

	out, err := invoke(t, conn, "RunAll", map[string]any{"testing": true, "predict_minutes": 3})
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if out.GetFields()["status"].GetStringValue() != "ok" {
		t.Fatalf("unexpected status in %v", out)
	}
	report := out.GetFields()["report"].GetStructValue()
	runID := report.GetFields()["run_id"].GetStringValue()
	if runID == "" {
		t.Fatalf("missing run id in %v", report)
	}
	timeline := report.GetFields()["forecast"].GetStructValue().GetFields()["timeline"].GetListValue()
	if len(timeline.GetValues()) != 3 {
		t.Fatalf("expected 3 forecast points, got %d", len(timeline.GetValues()))
	}

	listed, err := invoke(t, conn, "ListFindings", map[string]any{"run_id": runID})
	if err != nil {
		t.Fatalf("ListFindings: %v", err)
	}
	total := int(out.GetFields()["total_detected"].GetNumberValue())
	if got := len(listed.GetFields()["findings"].GetListValue().GetValues()); got != total {
		t.Fatalf("persisted %d findings for run, report says %d", got, total)
	}
}

func TestGRPCForecastAndCluster(t *testing.T) {
	conn := newTestGRPC(t)

	out, err := invoke(t, conn, "ForecastErrors", map[string]any{"predict_minutes": 2})
	if err != nil {
		t.Fatalf("ForecastErrors: %v", err)
	}
	if !out.GetFields()["ok"].GetBoolValue() {
		t.Fatalf("expected ok forecast, got %v", out)
	}

	out, err = invoke(t, conn, "ClusterMessages", map[string]any{"testing": true})
	if err != nil {
		t.Fatalf("ClusterMessages: %v", err)
	}
	meta := out.GetFields()["meta"].GetStructValue()
	if meta.GetFields()["n_items"].GetNumberValue() != 9 {
		t.Fatalf("unexpected meta %v", meta)
	}

	rep, err := invoke(t, conn, "GetReport", map[string]any{"testing": true})
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if _, ok := rep.GetFields()["hotspots"]; !ok {
		t.Fatalf("report missing hotspots: %v", rep)
	}
}

func TestGRPCInvalidArgument(t *testing.T) {
	conn := newTestGRPC(t)

	cases := []map[string]any{
		{"testing": "yes"},
		{"threshold": 2.0},
		{"eps": -1.0},
		{"predict_minutes": 1.5},
	}
	for _, args := range cases {
		_, err := invoke(t, conn, "RunAll", args)
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("RunAll(%v): expected InvalidArgument, got %v", args, err)
		}
	}
}

func TestGRPCHealth(t *testing.T) {
	conn := newTestGRPC(t)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: AnalyticsEngineServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected health status %v", resp.GetStatus())
	}
}

func TestRecoveryInterceptorReturnsInternal(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/" + AnalyticsEngineServiceName + "/RunAll"}
	_, err := recoveryInterceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		panic("index out of range")
	})
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal after panic, got %v", err)
	}
}
