// Package memory holds tensor memory descriptors and the host-visible buffers
// kernels read from and write to.
package memory

import (
	"errors"
	"fmt"
	"slices"

	"github.com/fxnlabs/lnorm/internal/dtype"
	"github.com/samber/lo"
)

// ErrUnsupportedFormat is returned when a descriptor's layout cannot be
// expressed as plain strides.
var ErrUnsupportedFormat = errors.New("unsupported memory format")

// ErrOverlappingLayout is returned when two logical elements share storage in
// a layout that is written to.
var ErrOverlappingLayout = errors.New("overlapping memory layout")

// Format tells how the strides of a descriptor are known.
type Format int

const (
	// FormatAny leaves the layout to the primitive.
	FormatAny Format = iota
	// FormatStrided carries explicit per-dimension strides.
	FormatStrided
	// FormatBlocked is an opaque blocked layout.
	FormatBlocked
)

func (f Format) String() string {
	switch f {
	case FormatAny:
		return "any"
	case FormatStrided:
		return "strided"
	case FormatBlocked:
		return "blocked"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Desc describes the logical shape and physical layout of a tensor.
// Strides are in elements.
type Desc struct {
	Dims     []int
	Strides  []int
	DataType dtype.DataType
	Format   Format
}

// NewDesc returns a descriptor whose layout is left to the primitive.
func NewDesc(dims []int, dt dtype.DataType) Desc {
	return Desc{Dims: slices.Clone(dims), DataType: dt, Format: FormatAny}
}

// NewStridedDesc returns a descriptor with an explicit layout.
func NewStridedDesc(dims, strides []int, dt dtype.DataType) Desc {
	return Desc{Dims: slices.Clone(dims), Strides: slices.Clone(strides), DataType: dt, Format: FormatStrided}
}

// NewDenseDesc returns a row-major descriptor.
func NewDenseDesc(dims []int, dt dtype.DataType) Desc {
	return NewStridedDesc(dims, DenseStrides(dims), dt)
}

// IsZero reports whether the descriptor was never filled in.
func (d Desc) IsZero() bool {
	return len(d.Dims) == 0 && d.DataType == dtype.Undef
}

func (d Desc) NDims() int { return len(d.Dims) }

// Nelems is the number of logical elements.
func (d Desc) Nelems() int {
	return lo.Reduce(d.Dims, func(n, dim, _ int) int { return n * dim }, 1)
}

// Clone returns a deep copy.
func (d Desc) Clone() Desc {
	d.Dims = slices.Clone(d.Dims)
	d.Strides = slices.Clone(d.Strides)
	return d
}

// SameShape reports whether both descriptors have identical dims.
func (d Desc) SameShape(o Desc) bool {
	return slices.Equal(d.Dims, o.Dims)
}

// Span is the number of elements the storage must hold, one past the
// largest reachable offset.
func (d Desc) Span() int {
	if d.Nelems() == 0 {
		return 0
	}
	span := 1
	for i, dim := range d.Dims {
		span += (dim - 1) * d.Strides[i]
	}
	return span
}

// Off returns the element offset of a logical index.
func (d Desc) Off(idx ...int) int {
	off := 0
	for i, v := range idx {
		off += v * d.Strides[i]
	}
	return off
}

// DenseStrides returns row-major strides for dims.
func DenseStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= max(dims[i], 1)
	}
	return strides
}

// SetDefaultFormat resolves FormatAny to a dense row-major layout and checks
// explicit strides.
func (d *Desc) SetDefaultFormat() error {
	switch d.Format {
	case FormatAny:
		d.Strides = DenseStrides(d.Dims)
		d.Format = FormatStrided
		return nil
	case FormatStrided:
		return d.checkStrides()
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, d.Format)
	}
}

// SetFormatLike resolves FormatAny to the layout of ref, which must already
// be resolved and of the same shape.
func (d *Desc) SetFormatLike(ref Desc) error {
	if d.Format != FormatAny {
		return d.SetDefaultFormat()
	}
	if ref.Format != FormatStrided || !d.SameShape(ref) {
		return d.SetDefaultFormat()
	}
	d.Strides = slices.Clone(ref.Strides)
	d.Format = FormatStrided
	return nil
}

func (d Desc) checkStrides() error {
	if len(d.Strides) != len(d.Dims) {
		return fmt.Errorf("%w: %d strides for %d dims", ErrUnsupportedFormat, len(d.Strides), len(d.Dims))
	}
	if lo.SomeBy(d.Strides, func(s int) bool { return s < 0 }) {
		return fmt.Errorf("%w: negative stride in %v", ErrUnsupportedFormat, d.Strides)
	}
	return nil
}

// CheckNonOverlapping fails with ErrOverlappingLayout when distinct logical
// indices of a resolved descriptor map to the same offset. Dims of size one
// never move the offset and are ignored.
func (d Desc) CheckNonOverlapping() error {
	if d.Nelems() == 0 {
		return nil
	}
	type axis struct{ dim, stride int }
	axes := make([]axis, 0, len(d.Dims))
	for i, dim := range d.Dims {
		if dim > 1 {
			axes = append(axes, axis{dim, d.Strides[i]})
		}
	}
	slices.SortFunc(axes, func(a, b axis) int { return a.stride - b.stride })
	next := 1
	for _, a := range axes {
		if a.stride < next {
			return fmt.Errorf("%w: strides %v for dims %v", ErrOverlappingLayout, d.Strides, d.Dims)
		}
		next = a.stride * a.dim
	}
	return nil
}

func (d Desc) String() string {
	return fmt.Sprintf("%s:%v:%s%v", d.DataType, d.Dims, d.Format, d.Strides)
}
