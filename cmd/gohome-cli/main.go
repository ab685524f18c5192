package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/kelseyhightower/envconfig"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joshp123/gohome-herohealth/internal/config"
	"github.com/joshp123/gohome-herohealth/internal/core"
)

// settings are read from GOHOME_* environment variables.
type settings struct {
	GRPCAddr string        `envconfig:"GRPC_ADDR"`
	Config   string        `envconfig:"CONFIG"`
	Timeout  time.Duration `envconfig:"CLI_TIMEOUT" default:"30s"`
}

func main() {
	args, jsonOutput := extractJSONFlag(os.Args[1:])
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	var env settings
	if err := envconfig.Process("gohome", &env); err != nil {
		fatal("environment", err)
	}

	addr := resolveAddr(env)
	ctx, cancel := context.WithTimeout(context.Background(), env.Timeout)
	defer cancel()

	conn, err := grpcurl.BlockingDial(ctx, "tcp", addr, insecure.NewCredentials())
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close()

	switch args[0] {
	case "plugins":
		pluginsCmd(ctx, conn, args[1:], jsonOutput)
	case "services":
		servicesCmd(ctx, conn, args[1:])
	case "methods":
		methodsCmd(ctx, conn, args[1:])
	case "call":
		callCmd(ctx, conn, args[1:])
	case "herohealth":
		herohealthCmd(ctx, conn, args[1:], jsonOutput)
	default:
		usage()
		os.Exit(2)
	}
}

func pluginsCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "list":
		resp, err := core.InvokeStruct(ctx, conn, core.RegistryServiceName, "ListPlugins", nil)
		if err != nil {
			fatal("list plugins", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"ID", "NAME", "VERSION", "STATUS"}}
		for _, plugin := range items(resp, "plugins") {
			rows = append(rows, []string{text(plugin, "plugin_id"), text(plugin, "display_name"), text(plugin, "version"), text(plugin, "status")})
		}
		out.table(rows)
	case "describe":
		if len(args) < 2 {
			fatal("describe", fmt.Errorf("missing plugin id"))
		}
		resp, err := core.InvokeStruct(ctx, conn, core.RegistryServiceName, "DescribePlugin", map[string]any{"plugin_id": args[1]})
		if err != nil {
			fatal("describe plugin", err)
		}
		if out.json {
			out.printJSON(resp)
			return
		}
		plugin, _ := resp["plugin"].(map[string]any)
		fmt.Printf("id: %s\n", text(plugin, "plugin_id"))
		fmt.Printf("name: %s\n", text(plugin, "display_name"))
		fmt.Printf("version: %s\n", text(plugin, "version"))
		fmt.Printf("status: %s\n", text(plugin, "status"))
		if msg := text(plugin, "health_message"); msg != "" {
			fmt.Printf("health: %s\n", msg)
		}
		fmt.Println("services:")
		services, _ := plugin["services"].([]any)
		for _, svc := range services {
			fmt.Printf("  - %v\n", svc)
		}
		fmt.Println("dashboards:")
		for _, dash := range items(plugin, "dashboards") {
			fmt.Printf("  - %s (%s)\n", text(dash, "name"), text(dash, "path"))
		}
		fmt.Println("agents_md:")
		fmt.Println(text(plugin, "agents_md"))
	default:
		usage()
		os.Exit(2)
	}
}

// extractJSONFlag removes --json from anywhere in args.
func extractJSONFlag(args []string) ([]string, bool) {
	out := make([]string, 0, len(args))
	found := false
	for _, arg := range args {
		if arg == "--json" || arg == "-json" {
			found = true
			continue
		}
		out = append(out, arg)
	}
	return out, found
}

func resolveAddr(env settings) string {
	if env.GRPCAddr != "" {
		return env.GRPCAddr
	}
	for _, path := range configSearchPaths(env.Config) {
		if addr := addrFromConfig(path); addr != "" {
			return addr
		}
	}
	return "gohome:9000"
}

func configSearchPaths(override string) []string {
	if override != "" {
		return []string{override}
	}
	paths := []string{config.DefaultPath}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "gohome", "config.yaml"))
	}
	return paths
}

func addrFromConfig(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	cfg, err := config.Load(path)
	if err != nil || cfg == nil {
		return ""
	}
	return dialAddr(cfg.Core.GRPCAddr)
}

// dialAddr turns a wildcard listen address into one a client can dial.
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, "0.0.0.0:") {
		return "127.0.0.1:" + strings.TrimPrefix(listen, "0.0.0.0:")
	}
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}

func usage() {
	fmt.Println("gohome-cli <command> [args] [--json]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  plugins list")
	fmt.Println("  plugins describe <plugin_id>")
	fmt.Println("  services [-v]")
	fmt.Println("  methods <service>")
	fmt.Println("  call <service/method> --data '{}' (or pipe JSON via stdin)")
	fmt.Println("       <plugin>/<method> is accepted as shorthand, e.g. herohealth/GetStatus")
	fmt.Println("  herohealth <status|slots|doses|entities|refresh|account>")
	fmt.Println("")
	fmt.Println("Environment: GOHOME_GRPC_ADDR, GOHOME_CONFIG, GOHOME_CLI_TIMEOUT")
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
