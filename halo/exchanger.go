package halo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/MeshLoop/partitions"
	"github.com/notargets/MeshLoop/plan"
	"github.com/rs/zerolog"
)

// Sublists of a set halo, also the low bit of a message tag
const (
	execList    = 0
	nonExecList = 1
)

// Tag is the message tag of one sublist of a dat's halo
func Tag(d dataset.DatID, sublist int) int { return int(d)*2 + sublist }

// Stats counts exchange traffic on one rank
type Stats struct {
	Exchanges     int
	Skipped       int // clean dats or non reading accesses
	BytesSent     int64
	BytesReceived int64
}

// Exchanger runs the halo protocol for every dat of one rank
type Exchanger struct {
	comm  Comm
	halos partitions.Halos
	log   zerolog.Logger

	mu       sync.Mutex
	inFlight map[dataset.DatID]*exchange
	stats    Stats
}

// exchange owns the send buffer and requests of one outstanding dat exchange
type exchange struct {
	dat     *dataset.Dat
	sendBuf *[]byte
	sends   []Request
	recvs   []Request
	recv    int64
}

var sendBuffers = sync.Pool{
	New: func() any { return new([]byte) },
}

func acquire(n int) *[]byte {
	b := sendBuffers.Get().(*[]byte)
	if cap(*b) < n {
		*b = make([]byte, n)
	}
	*b = (*b)[:n]
	return b
}

func release(b *[]byte) {
	if b != nil {
		sendBuffers.Put(b)
	}
}

// ExchangerOption configures an Exchanger
type ExchangerOption func(*Exchanger)

// WithLogger sets the exchanger logger
func WithLogger(l zerolog.Logger) ExchangerOption {
	return func(e *Exchanger) { e.log = l }
}

// NewExchanger creates the exchanger of comm's rank for the given halo lists
func NewExchanger(comm Comm, halos partitions.Halos, opts ...ExchangerOption) *Exchanger {
	e := &Exchanger{
		comm:     comm,
		halos:    halos,
		log:      zerolog.Nop(),
		inFlight: make(map[dataset.DatID]*exchange),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Exchanger) Comm() Comm { return e.comm }

func (e *Exchanger) rank() int {
	if e.comm == nil {
		return -1
	}
	return e.comm.Rank()
}

// Exchange issues the halo exchange of d for an argument accessed with acc.
// Nothing is issued unless the dat is dirty and acc is READ or RW. It returns
// whether transfers were issued.
func (e *Exchanger) Exchange(ctx context.Context, d *dataset.Dat, acc plan.Access) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[d.ID()]; ok {
		return false, dataset.Protocolf(e.rank(), d.Name(), "halo exchange already in flight")
	}
	if (acc != plan.Read && acc != plan.RW) || !d.Dirty() {
		e.stats.Skipped++
		return false, nil
	}
	set := d.Set()
	sh := e.halos.For(set.ID())
	if e.comm == nil || e.comm.Size() == 1 || sh == nil {
		// nothing to import on a single rank
		d.MarkClean()
		return false, nil
	}
	if err := e.check(d, sh); err != nil {
		return false, err
	}

	stride := d.Stride()
	exports := []*partitions.HaloList{sh.ExportExec, sh.ExportNonExec}
	imports := []*partitions.HaloList{sh.ImportExec, sh.ImportNonExec}
	regionStart := []int{set.Size(), set.ExecEnd()}

	buf := acquire((sh.ExportExec.Size + sh.ExportNonExec.Size) * stride)
	x := &exchange{dat: d, sendBuf: buf}
	src := d.Bytes()

	// pack both sublists, exec first
	pos := 0
	for _, hl := range exports {
		for _, l := range hl.List {
			copy((*buf)[pos:pos+stride], src[l*stride:(l+1)*stride])
			pos += stride
		}
	}

	pos = 0
	for sub, hl := range exports {
		for i, p := range hl.Ranks {
			n := hl.Sizes[i] * stride
			x.sends = append(x.sends, e.comm.Isend(ctx, p, Tag(d.ID(), sub), (*buf)[pos:pos+n]))
			pos += n
		}
	}
	for sub, hl := range imports {
		for i, p := range hl.Ranks {
			off := (regionStart[sub] + hl.Disps[i]) * stride
			n := hl.Sizes[i] * stride
			x.recvs = append(x.recvs, e.comm.Irecv(ctx, p, Tag(d.ID(), sub), src[off:off+n]))
			x.recv += int64(n)
		}
	}

	d.MarkClean()
	e.inFlight[d.ID()] = x
	e.stats.Exchanges++
	e.stats.BytesSent += int64(len(*buf))
	e.log.Debug().
		Int("rank", e.rank()).
		Str("dat", d.Name()).
		Int("bytes", len(*buf)).
		Int("requests", len(x.sends)+len(x.recvs)).
		Msg("halo exchange issued")
	return true, nil
}

// check verifies that the cached halo lists still describe the dat's set and
// that receives land in contiguous halo slots
func (e *Exchanger) check(d *dataset.Dat, sh *partitions.SetHalo) error {
	set := d.Set()
	if d.Stale() {
		return dataset.Consistencyf(e.rank(), d.Name(), "set %s was resized after the dat was declared", set.Name())
	}
	lists := []*partitions.HaloList{sh.ImportExec, sh.ImportNonExec, sh.ExportExec, sh.ExportNonExec}
	for _, hl := range lists {
		if hl.Set != set.ID() {
			return dataset.Consistencyf(e.rank(), d.Name(), "halo list belongs to set %d, dat is on set %s",
				hl.Set, set.Name())
		}
		if hl.Generation != set.Generation() {
			return dataset.Consistencyf(e.rank(), d.Name(), "halo list of set %s is stale (generation %d, set at %d)",
				set.Name(), hl.Generation, set.Generation())
		}
	}
	if sh.ImportExec.Size != set.ExecSize() || sh.ImportNonExec.Size != set.NonExecSize() {
		return dataset.Consistencyf(e.rank(), d.Name(), "import lists hold %d+%d elements, set %s has %d+%d halo slots",
			sh.ImportExec.Size, sh.ImportNonExec.Size, set.Name(), set.ExecSize(), set.NonExecSize())
	}
	for _, hl := range []*partitions.HaloList{sh.ImportExec, sh.ImportNonExec} {
		for i := range hl.Ranks {
			for j, slot := range hl.Partner(i) {
				if slot != hl.Disps[i]+j {
					return dataset.Consistencyf(e.rank(), d.Name(), "import from rank %d is not contiguous", hl.Ranks[i])
				}
			}
		}
	}
	for _, hl := range []*partitions.HaloList{sh.ExportExec, sh.ExportNonExec} {
		for _, l := range hl.List {
			if l < 0 || l >= set.Size() {
				return dataset.Consistencyf(e.rank(), d.Name(), "export of element %d outside owned range %d", l, set.Size())
			}
		}
	}
	return nil
}

// Pending reports whether d has an exchange in flight
func (e *Exchanger) Pending(d *dataset.Dat) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[d.ID()]
	return ok
}

// Wait completes the outstanding exchange of d, if any, and stages the new halo bytes
func (e *Exchanger) Wait(ctx context.Context, d *dataset.Dat) error {
	e.mu.Lock()
	x, ok := e.inFlight[d.ID()]
	delete(e.inFlight, d.ID())
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return e.complete(ctx, x)
}

// WaitAll completes every outstanding exchange in dat order
func (e *Exchanger) WaitAll(ctx context.Context) error {
	e.mu.Lock()
	pending := make([]*exchange, 0, len(e.inFlight))
	for _, x := range e.inFlight {
		pending = append(pending, x)
	}
	e.inFlight = make(map[dataset.DatID]*exchange)
	e.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].dat.ID() < pending[j].dat.ID() })
	var errs []error
	for _, x := range pending {
		if err := e.complete(ctx, x); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Exchanger) complete(ctx context.Context, x *exchange) error {
	var errs []error
	for _, r := range x.recvs {
		if err := r.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	sent := true
	for _, r := range x.sends {
		if err := r.Wait(ctx); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				sent = false
			}
		}
	}
	if sent {
		release(x.sendBuf)
	} else {
		// a send may still read the buffer, hand it back once all have finished
		go func(sends []Request, buf *[]byte) {
			for _, r := range sends {
				_ = r.Wait(context.Background())
			}
			release(buf)
		}(x.sends, x.sendBuf)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("rank %d: halo exchange of %s: %w", e.rank(), x.dat.Name(), err)
	}
	e.mu.Lock()
	e.stats.BytesReceived += x.recv
	e.mu.Unlock()

	set := x.dat.Set()
	stride := x.dat.Stride()
	if err := x.dat.Stage(set.Size()*stride, (set.Total()-set.Size())*stride); err != nil {
		return fmt.Errorf("rank %d: staging halo of %s: %w", e.rank(), x.dat.Name(), err)
	}
	return nil
}

func (e *Exchanger) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
