package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tripledger.v1.Ledger"

// Method names exposed by the ledger service.
const (
	MethodRecordPaymentAttempt      = "RecordPaymentAttempt"
	MethodMarkPaymentCompleted      = "MarkPaymentCompleted"
	MethodRecordRefundAttempt       = "RecordRefundAttempt"
	MethodMarkRefundCompleted       = "MarkRefundCompleted"
	MethodMarkPaymentFailed         = "MarkPaymentFailed"
	MethodRecordSagaStep            = "RecordSagaStep"
	MethodRecordSagaStepOnce        = "RecordSagaStepOnce"
	MethodGetSagaStepsByCorrelation = "GetSagaStepsByCorrelation"
	MethodGetPaymentAttempt         = "GetPaymentAttempt"
	MethodGetResumePoint            = "GetResumePoint"
)

// LedgerServiceServer is the server API of tripledger.v1.Ledger. Requests and
// responses are google.protobuf.Struct documents.
type LedgerServiceServer interface {
	RecordPaymentAttempt(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkPaymentCompleted(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordRefundAttempt(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRefundCompleted(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkPaymentFailed(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordSagaStep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordSagaStepOnce(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSagaStepsByCorrelation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPaymentAttempt(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetResumePoint(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(LedgerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call unaryMethod) grpcpkg.MethodDesc {
	return grpcpkg.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(LedgerServiceServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpcpkg.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// FullMethod returns the gRPC path of a ledger method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Ledger_ServiceDesc describes tripledger.v1.Ledger for grpc.Server registration.
var Ledger_ServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		methodDesc(MethodRecordPaymentAttempt, LedgerServiceServer.RecordPaymentAttempt),
		methodDesc(MethodMarkPaymentCompleted, LedgerServiceServer.MarkPaymentCompleted),
		methodDesc(MethodRecordRefundAttempt, LedgerServiceServer.RecordRefundAttempt),
		methodDesc(MethodMarkRefundCompleted, LedgerServiceServer.MarkRefundCompleted),
		methodDesc(MethodMarkPaymentFailed, LedgerServiceServer.MarkPaymentFailed),
		methodDesc(MethodRecordSagaStep, LedgerServiceServer.RecordSagaStep),
		methodDesc(MethodRecordSagaStepOnce, LedgerServiceServer.RecordSagaStepOnce),
		methodDesc(MethodGetSagaStepsByCorrelation, LedgerServiceServer.GetSagaStepsByCorrelation),
		methodDesc(MethodGetPaymentAttempt, LedgerServiceServer.GetPaymentAttempt),
		methodDesc(MethodGetResumePoint, LedgerServiceServer.GetResumePoint),
	},
	Streams:  []grpcpkg.StreamDesc{},
	Metadata: "tripledger/v1/ledger.proto",
}

// RegisterLedgerServiceServer registers srv on s.
func RegisterLedgerServiceServer(s grpcpkg.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&Ledger_ServiceDesc, srv)
}
