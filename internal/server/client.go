package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Invoker calls a control method by name. *ControlService satisfies it
// in-process and *ControlClient over the wire.
type Invoker interface {
	Invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error)
}

var (
	_ Invoker = (*ControlService)(nil)
	_ Invoker = (*ControlClient)(nil)
)

// ControlClient talks to a remote ddt.v1.Control service.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func (c *ControlClient) Invoke(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}
