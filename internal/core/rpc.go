package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"
)

// StructMethod handles a unary RPC whose request and response are
// google.protobuf.Struct messages.
type StructMethod func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// StructService is a gRPC service described at runtime instead of through
// generated stubs. Every method takes and returns a Struct, so any gRPC
// client can call it with the well-known type.
type StructService struct {
	Name    string
	Methods map[string]StructMethod
}

// Register adds the service to the server and publishes its descriptor so
// server reflection (grpcurl) can describe and call it.
func (s StructService) Register(server *grpc.Server) {
	// Descriptor registration only feeds reflection; calls work without it.
	_ = s.publishDescriptor()
	server.RegisterService(s.Desc(), nil)
}

func (s StructService) methodNames() []string {
	names := make([]string, 0, len(s.Methods))
	for name := range s.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s StructService) filePath() string {
	return "gohome/runtime/" + strings.ReplaceAll(s.Name, ".", "/") + ".proto"
}

// publishDescriptor registers a synthetic .proto file declaring the service
// with Struct in and out, once per process.
func (s StructService) publishDescriptor() error {
	if _, err := protoregistry.GlobalFiles.FindFileByPath(s.filePath()); err == nil {
		return nil
	}

	pkg, name := "", s.Name
	if dot := strings.LastIndex(s.Name, "."); dot >= 0 {
		pkg, name = s.Name[:dot], s.Name[dot+1:]
	}
	service := &descriptorpb.ServiceDescriptorProto{Name: proto.String(name)}
	for _, method := range s.methodNames() {
		service.Method = append(service.Method, &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(method),
			InputType:  proto.String(".google.protobuf.Struct"),
			OutputType: proto.String(".google.protobuf.Struct"),
		})
	}
	file := &descriptorpb.FileDescriptorProto{
		Name:       proto.String(s.filePath()),
		Package:    proto.String(pkg),
		Syntax:     proto.String("proto3"),
		Dependency: []string{"google/protobuf/struct.proto"},
		Service:    []*descriptorpb.ServiceDescriptorProto{service},
	}

	fd, err := protodesc.NewFile(file, protoregistry.GlobalFiles)
	if err != nil {
		return fmt.Errorf("describe %s: %w", s.Name, err)
	}
	return protoregistry.GlobalFiles.RegisterFile(fd)
}

// ServiceDescriptor returns the published descriptor for a registered
// StructService, if any.
func ServiceDescriptor(name string) (protoreflect.ServiceDescriptor, bool) {
	desc, err := protoregistry.GlobalFiles.FindDescriptorByName(protoreflect.FullName(name))
	if err != nil {
		return nil, false
	}
	svc, ok := desc.(protoreflect.ServiceDescriptor)
	return svc, ok
}

// Desc builds the grpc.ServiceDesc with methods in name order.
func (s StructService) Desc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: s.Name,
		HandlerType: (*any)(nil),
		Metadata:    s.filePath(),
	}
	for _, name := range s.methodNames() {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    structHandler(s.Methods[name], "/"+s.Name+"/"+name),
		})
	}
	return desc
}

func structHandler(method StructMethod, fullMethod string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// InvokeStruct calls a StructService method and returns the decoded response.
func InvokeStruct(ctx context.Context, conn grpc.ClientConnInterface, service, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, "/"+service+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// NewStruct wraps structpb.NewStruct for handler responses.
func NewStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

// StringField reads an optional string field from a request.
func StringField(req *structpb.Struct, name string) string {
	if req == nil {
		return ""
	}
	value, ok := req.GetFields()[name]
	if !ok {
		return ""
	}
	return value.GetStringValue()
}

// BoolField reads an optional bool field from a request.
func BoolField(req *structpb.Struct, name string) bool {
	if req == nil {
		return false
	}
	value, ok := req.GetFields()[name]
	if !ok {
		return false
	}
	return value.GetBoolValue()
}
