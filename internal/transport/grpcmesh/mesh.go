// Package grpcmesh is the real multi-process transport.Transport: every
// rank runs both a gRPC server (answering Collective and Put calls) and a
// set of gRPC clients (one to the rank-0 coordinator for collectives, one
// per peer it has ever Put into). Messages carry a single opaque byte
// slice end to end via a hand-written codec (codec.go) instead of
// generated protobuf types, the same transparent-forwarding trick the
// reference module's grpc-proxy package uses so a service never has to
// know its own message schema.
package grpcmesh

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/bnicolae/blobcr/internal/transport"
)

// Config describes one rank's view of the mesh: its own rank, and the
// dial address of every rank including itself. Addresses[0] is always
// the collective coordinator.
type Config struct {
	Rank      int
	Addresses []string
}

// Mesh is a real multi-process transport.Transport over grpc.
type Mesh struct {
	cfg Config
	srv *meshServer

	grpcServer *grpc.Server
	listener   net.Listener

	coordConn *grpc.ClientConn

	mu    sync.Mutex
	conns map[int]*grpc.ClientConn

	win *window
}

var _ transport.Transport = (*Mesh)(nil)

// Dial starts this rank's server and connects to the coordinator
// (rank 0). Peer connections needed for Put are established lazily.
func Dial(cfg Config) (*Mesh, error) {
	n := len(cfg.Addresses)
	if cfg.Rank < 0 || cfg.Rank >= n {
		return nil, fmt.Errorf("grpcmesh: rank %d out of range [0, %d)", cfg.Rank, n)
	}

	lis, err := net.Listen("tcp", cfg.Addresses[cfg.Rank])
	if err != nil {
		return nil, fmt.Errorf("grpcmesh: listen %s: %w", cfg.Addresses[cfg.Rank], err)
	}

	srv := newMeshServer(n)
	gs := grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	gs.RegisterService(&serviceDesc, srv)
	go func() { _ = gs.Serve(lis) }()

	coordConn, err := dialPeer(cfg.Addresses[0])
	if err != nil {
		gs.Stop()
		_ = lis.Close()
		return nil, fmt.Errorf("grpcmesh: dial coordinator %s: %w", cfg.Addresses[0], err)
	}

	return &Mesh{
		cfg:        cfg,
		srv:        srv,
		grpcServer: gs,
		listener:   lis,
		coordConn:  coordConn,
		conns:      make(map[int]*grpc.ClientConn),
	}, nil
}

func dialPeer(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rawCodec{}.Name())),
	)
}

func (m *Mesh) peerConn(peer int) (*grpc.ClientConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[peer]; ok {
		return c, nil
	}
	c, err := dialPeer(m.cfg.Addresses[peer])
	if err != nil {
		return nil, fmt.Errorf("grpcmesh: dial peer %d (%s): %w", peer, m.cfg.Addresses[peer], err)
	}
	m.conns[peer] = c
	return c, nil
}

func (m *Mesh) Rank() int { return m.cfg.Rank }
func (m *Mesh) Size() int { return len(m.cfg.Addresses) }

func (m *Mesh) invokeCollective(ctx context.Context, op collectiveOp, local []byte) (*rawFrame, error) {
	req := &rawFrame{data: encodeCollectiveRequest(op, m.cfg.Rank, local)}
	reply := new(rawFrame)
	if err := m.coordConn.Invoke(ctx, "/blobcr.transport.Mesh/Collective", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (m *Mesh) Barrier(ctx context.Context) error {
	_, err := m.invokeCollective(ctx, opBarrier, nil)
	return err
}

func (m *Mesh) AllGather(ctx context.Context, local []byte) ([][]byte, error) {
	reply, err := m.invokeCollective(ctx, opGather, local)
	if err != nil {
		return nil, err
	}
	return decodeGathered(reply.data)
}

func (m *Mesh) AllReduce(ctx context.Context, local []byte, merge func(a, b []byte) []byte) ([]byte, error) {
	gathered, err := m.AllGather(ctx, local)
	if err != nil {
		return nil, err
	}
	acc := gathered[0]
	for i := 1; i < len(gathered); i++ {
		acc = merge(acc, gathered[i])
	}
	return acc, nil
}

func (m *Mesh) OpenWindow(ctx context.Context, buf []byte) (transport.Window, error) {
	w := &window{buf: buf}
	m.win = w
	m.srv.setWindow(w)
	return w, nil
}

func (m *Mesh) Put(ctx context.Context, peer int, offset int64, data []byte) error {
	if peer == m.cfg.Rank {
		if m.win == nil {
			return fmt.Errorf("grpcmesh: no open window on this rank")
		}
		m.win.mu.Lock()
		defer m.win.mu.Unlock()
		if offset < 0 || offset+int64(len(data)) > int64(len(m.win.buf)) {
			return fmt.Errorf("grpcmesh: put out of bounds: offset=%d len=%d window=%d", offset, len(data), len(m.win.buf))
		}
		copy(m.win.buf[offset:], data)
		return nil
	}

	conn, err := m.peerConn(peer)
	if err != nil {
		return err
	}
	req := &rawFrame{data: encodePutRequest(offset, data)}
	reply := new(rawFrame)
	return conn.Invoke(ctx, "/blobcr.transport.Mesh/Put", req, reply)
}

// Fence is a barrier: every Put is a synchronous unary RPC that has
// already completed by the time the caller's goroutine moves on, so once
// every rank reaches the barrier every issued Put has landed at its
// target.
func (m *Mesh) Fence(ctx context.Context) error {
	return m.Barrier(ctx)
}

func (m *Mesh) Close() error {
	m.mu.Lock()
	for _, c := range m.conns {
		_ = c.Close()
	}
	m.conns = nil
	m.mu.Unlock()

	if m.coordConn != nil {
		_ = m.coordConn.Close()
	}
	m.grpcServer.GracefulStop()
	return nil
}
