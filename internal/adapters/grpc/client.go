package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// LedgerClient calls tripledger.v1.Ledger over a client connection.
type LedgerClient struct {
	cc grpcpkg.ClientConnInterface
}

// NewLedgerClient constructs a client on cc.
func NewLedgerClient(cc grpcpkg.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

// Call invokes method with a request built from fields.
func (c *LedgerClient) Call(ctx context.Context, method string, fields map[string]any, opts ...grpcpkg.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// GetPaymentAttempt reads one attempt by idempotency key.
func (c *LedgerClient) GetPaymentAttempt(ctx context.Context, key string) (map[string]any, error) {
	return c.Call(ctx, MethodGetPaymentAttempt, map[string]any{"idempotencyKey": key})
}

// GetSagaStepsByCorrelation lists the steps recorded for a correlation id.
func (c *LedgerClient) GetSagaStepsByCorrelation(ctx context.Context, correlationID string) (map[string]any, error) {
	return c.Call(ctx, MethodGetSagaStepsByCorrelation, map[string]any{"correlationId": correlationID})
}

// GetResumePoint derives the state and next pipeline step of a transaction.
func (c *LedgerClient) GetResumePoint(ctx context.Context, transactionID string) (map[string]any, error) {
	return c.Call(ctx, MethodGetResumePoint, map[string]any{"transactionId": transactionID})
}
