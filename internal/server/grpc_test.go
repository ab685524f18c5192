package server

import (
	"context"
	"testing"
	"time"

	"github.com/joshp123/gohome-herohealth/internal/core"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestGRPCServerServesAndStops(t *testing.T) {
	srv, err := NewGRPCServer("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewGRPCServer: %v", err)
	}
	core.NewRegistryService([]core.Plugin{newFakePlugin(core.HealthHealthy)}).Register(srv.Server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	conn, err := grpc.NewClient(srv.Listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	resp, err := core.InvokeStruct(callCtx, conn, core.RegistryServiceName, "ListPlugins", nil)
	if err != nil {
		t.Fatalf("ListPlugins: %v", err)
	}
	if plugins, _ := resp["plugins"].([]any); len(plugins) != 1 {
		t.Fatalf("unexpected response: %v", resp)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
