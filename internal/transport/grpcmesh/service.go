package grpcmesh

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"

	"github.com/bnicolae/blobcr/internal/transport/rendezvous"
)

// window is the grpcmesh realization of transport.Window: the memory a
// remote Put writes into, local to the rank that opened it.
type window struct {
	mu  sync.Mutex
	buf []byte
}

func (w *window) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf
}

// Close drops the window's reference to its buffer, so any later Put
// aimed at it fails the bounds check instead of writing.
func (w *window) Close() error {
	w.mu.Lock()
	w.buf = nil
	w.mu.Unlock()
	return nil
}

// meshServer backs the Mesh gRPC service for one rank. Collectives
// (Barrier, the gather that AllReduce folds locally) are only ever
// driven through the rank 0 server, which plays coordinator for the
// whole run; every rank's server additionally answers Put calls aimed at
// its own locally opened window, which is genuinely peer-to-peer.
type meshServer struct {
	n int

	barrier *rendezvous.Phase

	gatherPhase *rendezvous.Phase
	gatherMu    sync.Mutex
	gatherIn    [][]byte

	winMu sync.Mutex
	win   *window
}

func newMeshServer(n int) *meshServer {
	return &meshServer{
		n:           n,
		barrier:     rendezvous.New(n),
		gatherPhase: rendezvous.New(n),
		gatherIn:    make([][]byte, n),
	}
}

func (s *meshServer) setWindow(w *window) {
	s.winMu.Lock()
	s.win = w
	s.winMu.Unlock()
}

// Collective handles a Barrier or gather round routed to this rank's
// coordinator server. The call blocks until all n ranks' requests have
// arrived, exactly as rendezvous.Phase blocks loopback's goroutines.
func (s *meshServer) Collective(ctx context.Context, in *rawFrame) (*rawFrame, error) {
	op, rank, local, err := decodeCollectiveRequest(in.data)
	if err != nil {
		return nil, err
	}
	if rank < 0 || rank >= s.n {
		return nil, fmt.Errorf("grpcmesh: rank %d out of range [0, %d)", rank, s.n)
	}

	switch op {
	case opBarrier:
		s.barrier.Rendezvous(func() {}, func() any { return nil })
		return &rawFrame{}, nil
	case opGather:
		result := s.gatherPhase.Rendezvous(
			func() {
				s.gatherMu.Lock()
				s.gatherIn[rank] = append([]byte(nil), local...)
				s.gatherMu.Unlock()
			},
			func() any {
				s.gatherMu.Lock()
				defer s.gatherMu.Unlock()
				out := make([][]byte, s.n)
				copy(out, s.gatherIn)
				return out
			},
		)
		return &rawFrame{data: encodeGathered(result.([][]byte))}, nil
	default:
		return nil, fmt.Errorf("grpcmesh: unknown collective op %d", op)
	}
}

// Put writes into this rank's currently open window.
func (s *meshServer) Put(ctx context.Context, in *rawFrame) (*rawFrame, error) {
	offset, payload, err := decodePutRequest(in.data)
	if err != nil {
		return nil, err
	}
	s.winMu.Lock()
	w := s.win
	s.winMu.Unlock()
	if w == nil {
		return nil, fmt.Errorf("grpcmesh: no open window on this rank")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset < 0 || offset+int64(len(payload)) > int64(len(w.buf)) {
		return nil, fmt.Errorf("grpcmesh: put out of bounds: offset=%d len=%d window=%d", offset, len(payload), len(w.buf))
	}
	copy(w.buf[offset:], payload)
	return &rawFrame{}, nil
}

func collectiveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rawFrame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*meshServer).Collective(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/blobcr.transport.Mesh/Collective"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*meshServer).Collective(ctx, req.(*rawFrame))
	}
	return interceptor(ctx, in, info, handler)
}

func putHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(rawFrame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*meshServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/blobcr.transport.Mesh/Put"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*meshServer).Put(ctx, req.(*rawFrame))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would generate for a two-method Mesh service, kept manual so the wire
// format can stay rawFrame instead of protobuf (see codec.go).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "blobcr.transport.Mesh",
	HandlerType: (*meshServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Collective", Handler: collectiveHandler},
		{MethodName: "Put", Handler: putHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/transport/grpcmesh/mesh.proto",
}
