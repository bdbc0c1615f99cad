// Package grpccomm carries halo traffic between processes over gRPC. Every
// rank serves a single unary Deliver method; a send is one Deliver call to the
// destination rank, with source rank and tag in the request metadata.
package grpccomm

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/notargets/MeshLoop/halo"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName   = "meshloop.halo.Transport"
	deliverMethod = "/" + serviceName + "/Deliver"

	mdSource = "x-meshloop-src"
	mdTag    = "x-meshloop-tag"
)

type transportServer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var transportDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "meshloop/halo/transport.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transportServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(transportServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Comm is one rank of a gRPC backed group. It implements halo.Comm.
type Comm struct {
	rank  int
	inbox *halo.Mailboxes
	log   zerolog.Logger

	lis    net.Listener
	server *grpc.Server

	mu       sync.Mutex
	peers    []string
	conns    map[int]*grpc.ClientConn
	dialOpts []grpc.DialOption
}

var _ halo.Comm = (*Comm)(nil)

// Option configures a Comm
type Option func(*Comm)

// WithLogger sets the transport logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Comm) { c.log = l }
}

// WithDialOptions replaces the default insecure dial options
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Comm) { c.dialOpts = opts }
}

// Listen starts serving rank's inbox on addr. Use "127.0.0.1:0" for an
// ephemeral port and read it back with Addr.
func Listen(rank int, addr string, opts ...Option) (*Comm, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rank %d: listen on %s: %w", rank, addr, err)
	}
	c := &Comm{
		rank:  rank,
		inbox: halo.NewMailboxes(),
		log:   zerolog.Nop(),
		lis:   lis,
		conns: make(map[int]*grpc.ClientConn),
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		},
	}
	for _, o := range opts {
		o(c)
	}
	c.server = grpc.NewServer()
	c.server.RegisterService(&transportDesc, c)
	go func() {
		if err := c.server.Serve(lis); err != nil {
			c.log.Error().Err(err).Int("rank", rank).Msg("halo transport stopped")
		}
	}()
	return c, nil
}

// Addr is the address the rank is serving on
func (c *Comm) Addr() string { return c.lis.Addr().String() }

// Dial records the addresses of every rank, indexed by rank. Connections are
// created lazily on first send.
func (c *Comm) Dial(peers []string) error {
	if c.rank >= len(peers) {
		return fmt.Errorf("rank %d missing from %d peer addresses", c.rank, len(peers))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = append([]string(nil), peers...)
	return nil
}

func (c *Comm) Rank() int { return c.rank }

func (c *Comm) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// Deliver is the server side of a send
func (c *Comm) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing halo metadata")
	}
	src, err := mdInt(md, mdSource)
	if err != nil {
		return nil, err
	}
	tag, err := mdInt(md, mdTag)
	if err != nil {
		return nil, err
	}
	if err := c.inbox.Post(ctx, src, tag, in.GetValue()); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return &emptypb.Empty{}, nil
}

func mdInt(md metadata.MD, key string) (int, error) {
	vals := md.Get(key)
	if len(vals) != 1 {
		return 0, status.Errorf(codes.InvalidArgument, "expected one %s, got %d", key, len(vals))
	}
	v, err := strconv.Atoi(vals[0])
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
	}
	return v, nil
}

func (c *Comm) conn(dest int) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dest < 0 || dest >= len(c.peers) {
		return nil, fmt.Errorf("send to rank %d outside group of %d", dest, len(c.peers))
	}
	if cc, ok := c.conns[dest]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(c.peers[dest], c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("rank %d: connect to rank %d at %s: %w", c.rank, dest, c.peers[dest], err)
	}
	c.conns[dest] = cc
	return cc, nil
}

// Isend delivers payload to dest in the background. Once issued the delivery
// is not cancelled with ctx; only its values are carried to the call.
func (c *Comm) Isend(ctx context.Context, dest, tag int, payload []byte) halo.Request {
	ctx = context.WithoutCancel(ctx)
	r := &request{done: make(chan struct{})}
	if dest == c.rank {
		msg := append([]byte(nil), payload...)
		go func() {
			defer close(r.done)
			r.err = c.inbox.Post(ctx, c.rank, tag, msg)
		}()
		return r
	}
	cc, err := c.conn(dest)
	if err != nil {
		r.err = err
		close(r.done)
		return r
	}
	octx := metadata.AppendToOutgoingContext(ctx,
		mdSource, strconv.Itoa(c.rank),
		mdTag, strconv.Itoa(tag))
	go func() {
		defer close(r.done)
		if err := cc.Invoke(octx, deliverMethod, wrapperspb.Bytes(payload), new(emptypb.Empty)); err != nil {
			r.err = fmt.Errorf("rank %d: deliver tag %d to rank %d: %w", c.rank, tag, dest, err)
		}
	}()
	return r
}

// Irecv completes when a message from src with tag has been delivered
func (c *Comm) Irecv(ctx context.Context, src, tag int, buf []byte) halo.Request {
	return &recvRequest{inbox: c.inbox, src: src, tag: tag, buf: buf}
}

// Close stops the server and closes outgoing connections
func (c *Comm) Close() error {
	c.server.GracefulStop()
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for dest, cc := range c.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, dest)
	}
	return first
}

type request struct {
	done chan struct{}
	err  error
}

func (r *request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type recvRequest struct {
	inbox    *halo.Mailboxes
	src, tag int
	buf      []byte
	done     bool
}

func (r *recvRequest) Wait(ctx context.Context) error {
	if r.done {
		return nil
	}
	if err := r.inbox.Take(ctx, r.src, r.tag, r.buf); err != nil {
		return err
	}
	r.done = true
	return nil
}
