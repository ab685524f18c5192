package router

import (
	"context"
	"net"
	"testing"

	"github.com/joshp123/gohome-herohealth/internal/core"
	"github.com/joshp123/gohome-herohealth/internal/oauth"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type echoPlugin struct{}

func (echoPlugin) ID() string { return "echo" }

func (echoPlugin) Manifest() core.Manifest {
	return core.Manifest{PluginID: "echo", DisplayName: "Echo", Version: "1.0.0", Services: []string{"test.Echo"}}
}

func (echoPlugin) AgentsMD() string                    { return "echo" }
func (echoPlugin) OAuthDeclaration() oauth.Declaration { return oauth.Declaration{} }
func (echoPlugin) Dashboards() []core.Dashboard        { return nil }
func (echoPlugin) Collectors() []prometheus.Collector  { return nil }
func (echoPlugin) Health() core.HealthStatus           { return core.HealthHealthy }
func (echoPlugin) HealthMessage() string               { return "" }

func (echoPlugin) RegisterGRPC(server *grpc.Server) {
	core.StructService{
		Name: "test.Echo",
		Methods: map[string]core.StructMethod{
			"Say": func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
				return core.NewStruct(map[string]any{"said": core.StringField(req, "text")})
			},
		},
	}.Register(server)
}

func TestRegisterPlugins(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterPlugins(srv, []core.Plugin{echoPlugin{}})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	resp, err := core.InvokeStruct(ctx, conn, core.RegistryServiceName, "ListPlugins", nil)
	if err != nil {
		t.Fatalf("ListPlugins: %v", err)
	}
	if plugins, _ := resp["plugins"].([]any); len(plugins) != 1 {
		t.Fatalf("unexpected plugins: %v", resp)
	}

	resp, err = core.InvokeStruct(ctx, conn, "test.Echo", "Say", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Say: %v", err)
	}
	if resp["said"] != "hi" {
		t.Fatalf("unexpected echo: %v", resp)
	}
}
