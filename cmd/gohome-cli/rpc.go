package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
)

// reflectionSource resolves descriptors from the hub's reflection service.
func reflectionSource(ctx context.Context, conn *grpc.ClientConn) grpcurl.DescriptorSource {
	return grpcurl.DescriptorSourceFromServer(ctx, grpcreflect.NewClientAuto(ctx, conn))
}

func servicesCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	flags := flag.NewFlagSet("services", flag.ExitOnError)
	verbose := flags.Bool("v", false, "Also list methods")
	_ = flags.Parse(args)

	source := reflectionSource(ctx, conn)
	services, err := grpcurl.ListServices(source)
	if err != nil {
		fatal("list services", err)
	}
	for _, service := range services {
		fmt.Println(service)
		if !*verbose {
			continue
		}
		methods, err := grpcurl.ListMethods(source, service)
		if err != nil {
			fatal("list methods", err)
		}
		for _, method := range methods {
			fmt.Printf("  %s\n", strings.TrimPrefix(method, service+"."))
		}
	}
}

func methodsCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	if len(args) < 1 {
		fatal("methods", fmt.Errorf("missing service name"))
	}
	source := reflectionSource(ctx, conn)
	service, err := resolveService(source, args[0])
	if err != nil {
		fatal("methods", err)
	}
	methods, err := grpcurl.ListMethods(source, service)
	if err != nil {
		fatal("list methods", err)
	}
	for _, method := range methods {
		fmt.Println(method)
	}
}

func callCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	flags := flag.NewFlagSet("call", flag.ExitOnError)
	data := flags.String("data", "", "JSON request body")
	_ = flags.Parse(args)
	if flags.NArg() < 1 {
		fatal("call", fmt.Errorf("missing method (service/method)"))
	}

	source := reflectionSource(ctx, conn)
	target := flags.Arg(0)
	if slash := strings.LastIndex(target, "/"); slash > 0 {
		service, err := resolveService(source, target[:slash])
		if err != nil {
			fatal("call", err)
		}
		target = service + "/" + target[slash+1:]
	}

	parser, formatter, err := grpcurl.RequestParserAndFormatter(grpcurl.FormatJSON, source, requestBody(*data), grpcurl.FormatOptions{EmitJSONDefaultFields: true})
	if err != nil {
		fatal("parse request", err)
	}
	handler := &grpcurl.DefaultEventHandler{Out: os.Stdout, Formatter: formatter}
	if err := grpcurl.InvokeRPC(ctx, source, conn, target, nil, handler, parser.Next); err != nil {
		fatal("invoke", err)
	}
	if handler.Status != nil && handler.Status.Err() != nil {
		fatal("call", handler.Status.Err())
	}
}

// resolveService accepts a full service name or a plugin id such as
// "herohealth", matched against gohome.plugins.<id>.* services.
func resolveService(source grpcurl.DescriptorSource, name string) (string, error) {
	services, err := grpcurl.ListServices(source)
	if err != nil {
		return "", err
	}
	prefix := "gohome.plugins." + name + "."
	var matches []string
	for _, service := range services {
		if service == name {
			return service, nil
		}
		if strings.HasPrefix(service, prefix) {
			matches = append(matches, service)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("service %q not found", name)
	default:
		return "", fmt.Errorf("plugin %q has several services: %s", name, strings.Join(matches, ", "))
	}
}

func requestBody(data string) io.Reader {
	switch {
	case data != "":
		return strings.NewReader(data)
	case stdinIsTerminal():
		return strings.NewReader("{}")
	default:
		return os.Stdin
	}
}

func stdinIsTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return true
	}
	return info.Mode()&os.ModeCharDevice != 0
}
