package halo

import (
	"context"
	"fmt"
	"sync"
)

// Request is an issued non-blocking transfer. Wait blocks until it completes;
// ctx bounds the wait, it does not cancel the transfer.
type Request interface {
	Wait(ctx context.Context) error
}

// Comm is the point to point transport between ranks. Receives are matched to
// sends by (source rank, tag).
type Comm interface {
	Rank() int
	Size() int
	// Isend issues a send of payload to dest. payload must not be modified
	// until the request completes.
	Isend(ctx context.Context, dest, tag int, payload []byte) Request
	// Irecv issues a receive from src into buf. buf is filled when Wait returns.
	Irecv(ctx context.Context, src, tag int, buf []byte) Request
}

// Mailboxes delivers tagged messages addressed to one rank. It is shared by the
// in-process transport and the gRPC server side.
type Mailboxes struct {
	mu    sync.Mutex
	boxes map[mailKey]chan []byte
}

type mailKey struct {
	src, tag int
}

// mailboxDepth is the number of messages a (src, tag) box holds before Post blocks
const mailboxDepth = 64

func NewMailboxes() *Mailboxes {
	return &Mailboxes{boxes: make(map[mailKey]chan []byte)}
}

func (mb *Mailboxes) box(src, tag int) chan []byte {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	k := mailKey{src, tag}
	ch, ok := mb.boxes[k]
	if !ok {
		ch = make(chan []byte, mailboxDepth)
		mb.boxes[k] = ch
	}
	return ch
}

// Post delivers msg from src under tag. The caller hands over ownership of msg.
func (mb *Mailboxes) Post(ctx context.Context, src, tag int, msg []byte) error {
	select {
	case mb.box(src, tag) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Take blocks until a message from src under tag arrives and copies it into buf
func (mb *Mailboxes) Take(ctx context.Context, src, tag int, buf []byte) error {
	select {
	case msg := <-mb.box(src, tag):
		if len(msg) != len(buf) {
			return fmt.Errorf("message from rank %d tag %d has %d bytes, expected %d",
				src, tag, len(msg), len(buf))
		}
		copy(buf, msg)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LocalComm is one rank of an in-process group
type LocalComm struct {
	rank  int
	group []*Mailboxes
}

// NewLocalGroup creates n ranks that exchange messages through in-memory mailboxes
func NewLocalGroup(n int) []*LocalComm {
	group := make([]*Mailboxes, n)
	for i := range group {
		group[i] = NewMailboxes()
	}
	comms := make([]*LocalComm, n)
	for i := range comms {
		comms[i] = &LocalComm{rank: i, group: group}
	}
	return comms
}

func (c *LocalComm) Rank() int { return c.rank }
func (c *LocalComm) Size() int { return len(c.group) }

// Isend copies payload, so the send is complete as soon as the copy is queued
func (c *LocalComm) Isend(ctx context.Context, dest, tag int, payload []byte) Request {
	if dest < 0 || dest >= len(c.group) {
		return doneRequest{fmt.Errorf("send to rank %d outside group of %d", dest, len(c.group))}
	}
	msg := append([]byte(nil), payload...)
	box := c.group[dest].box(c.rank, tag)
	select {
	case box <- msg:
		return doneRequest{}
	default:
	}
	// box is full, finish the delivery in the background
	r := &asyncRequest{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.err = c.group[dest].Post(context.Background(), c.rank, tag, msg)
	}()
	return r
}

func (c *LocalComm) Irecv(ctx context.Context, src, tag int, buf []byte) Request {
	if src < 0 || src >= len(c.group) {
		return doneRequest{fmt.Errorf("receive from rank %d outside group of %d", src, len(c.group))}
	}
	return &recvRequest{mb: c.group[c.rank], src: src, tag: tag, buf: buf}
}

type doneRequest struct{ err error }

func (r doneRequest) Wait(context.Context) error { return r.err }

type asyncRequest struct {
	done chan struct{}
	err  error
}

func (r *asyncRequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recvRequest is completed by the waiter, which copies the message into buf
type recvRequest struct {
	mb       *Mailboxes
	src, tag int
	buf      []byte
	done     bool
}

func (r *recvRequest) Wait(ctx context.Context) error {
	if r.done {
		return nil
	}
	if err := r.mb.Take(ctx, r.src, r.tag, r.buf); err != nil {
		return err
	}
	r.done = true
	return nil
}
