package dataset

import (
	"fmt"
)

// Staging mirrors a byte range of a Dat into another memory space (a device
// buffer). Upload is called at the post-build and post-exchange-wait sync points.
type Staging interface {
	Upload(d *Dat, offset, length int) error
}

// Dat is a per-element array over a Set. The byte image is contiguous with
// stride Dim*SizeOfType(Type) and covers every local element, halos included.
type Dat struct {
	id     DatID
	name   string
	set    *Set
	dim    int
	typ    DataType
	stride int

	data       []byte
	dirty      bool
	generation uint64 // set generation at declaration
	staging    Staging
}

// DeclareDat registers a typed Dat over set. values may be nil (zero filled),
// hold dim values per owned element, or dim values per local element.
func DeclareDat[T Numeric](r *Registry, set *Set, dim int, values []T, name string) (*Dat, error) {
	return r.DeclareDatBytes(set, dim, TypeOf[T](), AsBytes(values), name)
}

// DeclareDatBytes registers a Dat from a packed byte image
func (r *Registry) DeclareDatBytes(set *Set, dim int, dt DataType, data []byte, name string) (*Dat, error) {
	if set == nil || r.lookupSet(set) == nil {
		return nil, Consistencyf(r.Rank, name, "dat declared over a set not owned by this registry")
	}
	if dim <= 0 {
		return nil, Configurationf(r.Rank, name, "dim must be positive, got %d", dim)
	}
	if !dt.Valid() {
		return nil, Configurationf(r.Rank, name, "unsupported element type %d", int(dt))
	}
	stride := dim * SizeOfType(dt)
	img := AlignedBytes(set.Total() * stride)
	switch len(data) {
	case 0, set.Size() * stride, set.Total() * stride:
		copy(img, data)
	default:
		return nil, Consistencyf(r.Rank, name, "got %d bytes, want %d (owned) or %d (local) for set %s",
			len(data), set.Size()*stride, set.Total()*stride, set.name)
	}
	d := &Dat{
		id:         DatID(len(r.dats)),
		name:       name,
		set:        set,
		dim:        dim,
		typ:        dt,
		stride:     stride,
		data:       img,
		generation: set.generation,
	}
	r.dats = append(r.dats, d)
	return d, nil
}

func (d *Dat) ID() DatID { return d.id }
func (d *Dat) Name() string { return d.name }
func (d *Dat) Set() *Set { return d.set }
func (d *Dat) Dim() int { return d.dim }
func (d *Dat) Type() DataType { return d.typ }
func (d *Dat) Stride() int { return d.stride }

// Bytes is the full local byte image
func (d *Dat) Bytes() []byte { return d.data }

// ElementBytes is the byte image of element i
func (d *Dat) ElementBytes(i int) []byte {
	return d.data[i*d.stride : (i+1)*d.stride]
}

// Generation is the layout generation of the owning set when d was declared
func (d *Dat) Generation() uint64 { return d.generation }

// Stale reports whether the owning set was resized after d was declared
func (d *Dat) Stale() bool { return d.generation != d.set.generation }

// Dirty reports whether the halo region is out of date
func (d *Dat) Dirty() bool { return d.dirty }
func (d *Dat) MarkDirty() { d.dirty = true }
func (d *Dat) MarkClean() { d.dirty = false }

// AttachStaging binds a staging capability and performs the post-build sync of
// the whole image
func (d *Dat) AttachStaging(s Staging) error {
	d.staging = s
	if s == nil {
		return nil
	}
	if err := s.Upload(d, 0, len(d.data)); err != nil {
		return fmt.Errorf("initial staging of %s: %w", d.name, err)
	}
	return nil
}

// Staged reports whether a staging capability is attached
func (d *Dat) Staged() bool { return d.staging != nil }

// Stage uploads length bytes starting at offset through the attached staging
// capability. Without one it is a no-op.
func (d *Dat) Stage(offset, length int) error {
	if d.staging == nil || length == 0 {
		return nil
	}
	if offset < 0 || offset+length > len(d.data) {
		return Consistencyf(-1, d.name, "staging range [%d,%d) outside image of %d bytes",
			offset, offset+length, len(d.data))
	}
	return d.staging.Upload(d, offset, length)
}

// Values returns a typed view over the whole local image. It panics if T does
// not match the declared element type.
func Values[T Numeric](d *Dat) []T {
	if TypeOf[T]() != d.typ {
		panic(fmt.Sprintf("dat %s holds %s, requested %s", d.name, d.typ, TypeOf[T]()))
	}
	return AsSlice[T](d.data)
}

// Fetch copies the owned values of d out
func Fetch[T Numeric](d *Dat) ([]T, error) {
	if TypeOf[T]() != d.typ {
		return nil, Consistencyf(-1, d.name, "dat holds %s, requested %s", d.typ, TypeOf[T]())
	}
	vals := AsSlice[T](d.data[:d.set.size*d.stride])
	return append([]T(nil), vals...), nil
}
