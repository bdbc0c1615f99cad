// Package device mirrors dat images in OCCA device memory. A Stager is
// attached to a dat once after the dat is built; the halo exchanger then
// re-stages the halo bytes after every completed exchange.
package device

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/notargets/MeshLoop/dataset"
	"github.com/notargets/gocca"
	"github.com/rs/zerolog"
)

// Backends are tried in order by Open
var Backends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// Open creates the first device that OCCA can provide
func Open() (*gocca.OCCADevice, error) {
	var last error
	for _, props := range Backends {
		dev, err := gocca.NewDevice(props)
		if err == nil {
			return dev, nil
		}
		last = err
	}
	return nil, fmt.Errorf("no OCCA device available: %w", last)
}

// Stager keeps one device buffer per dat. It implements dataset.Staging.
type Stager struct {
	dev *gocca.OCCADevice
	log zerolog.Logger

	mu     sync.Mutex
	mem    map[dataset.DatID]*gocca.OCCAMemory
	staged int64
}

var _ dataset.Staging = (*Stager)(nil)

type Option func(*Stager)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Stager) { s.log = l }
}

func NewStager(dev *gocca.OCCADevice, opts ...Option) *Stager {
	s := &Stager{
		dev: dev,
		log: zerolog.Nop(),
		mem: make(map[dataset.DatID]*gocca.OCCAMemory),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Upload copies length bytes of d's image starting at offset to the device.
// The first upload of a dat allocates its buffer from the whole image.
func (s *Stager) Upload(d *dataset.Dat, offset, length int) error {
	img := d.Bytes()
	if offset < 0 || length < 0 || offset+length > len(img) {
		return dataset.Consistencyf(-1, d.Name(), "staging range [%d, %d) outside %d bytes",
			offset, offset+length, len(img))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, ok := s.mem[d.ID()]
	if !ok {
		if len(img) == 0 {
			return nil
		}
		mem = s.dev.Malloc(int64(len(img)), unsafe.Pointer(&img[0]), nil)
		if mem == nil {
			return dataset.Resourcef(-1, d.Name(), "device allocation of %d bytes failed", len(img))
		}
		s.mem[d.ID()] = mem
		s.staged += int64(len(img))
		s.log.Debug().Str("dat", d.Name()).Int("bytes", len(img)).Msg("device buffer allocated")
		return nil
	}
	if length == 0 {
		return nil
	}
	mem.CopyFromWithOffset(unsafe.Pointer(&img[offset]), int64(length), int64(offset))
	s.staged += int64(length)
	return nil
}

// Download copies length bytes at offset of d's device buffer into dst
func (s *Stager) Download(d *dataset.Dat, dst []byte, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, ok := s.mem[d.ID()]
	if !ok {
		return dataset.Consistencyf(-1, d.Name(), "dat has no device buffer")
	}
	if len(dst) == 0 {
		return nil
	}
	if offset < 0 || offset+len(dst) > len(d.Bytes()) {
		return dataset.Consistencyf(-1, d.Name(), "download range [%d, %d) outside %d bytes",
			offset, offset+len(dst), len(d.Bytes()))
	}
	mem.CopyToWithOffset(unsafe.Pointer(&dst[0]), int64(len(dst)), int64(offset))
	return nil
}

// Memory is the device buffer of d, nil before its first upload
func (s *Stager) Memory(d *dataset.Dat) *gocca.OCCAMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem[d.ID()]
}

// Staged is the number of bytes copied to the device so far
func (s *Stager) Staged() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged
}

// Free releases every device buffer. The device itself belongs to the caller.
func (s *Stager) Free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, mem := range s.mem {
		mem.Free()
		delete(s.mem, id)
	}
}
