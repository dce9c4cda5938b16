package memory

import (
	"fmt"

	"github.com/fxnlabs/lnorm/internal/dtype"
)

// Buffer is a block of device-visible memory laid out according to a
// resolved descriptor.
type Buffer struct {
	desc Desc
	data []byte
}

// NewBuffer allocates zeroed storage for d. The descriptor must have a
// resolved layout.
func NewBuffer(d Desc) (*Buffer, error) {
	if d.Format != FormatStrided {
		return nil, fmt.Errorf("%w: buffer needs a resolved layout, got %s", ErrUnsupportedFormat, d.Format)
	}
	if err := d.checkStrides(); err != nil {
		return nil, err
	}
	if d.DataType.Size() == 0 {
		return nil, fmt.Errorf("buffer of %s elements", d.DataType)
	}
	return &Buffer{desc: d.Clone(), data: make([]byte, d.Span()*d.DataType.Size())}, nil
}

// Desc returns the buffer layout.
func (b *Buffer) Desc() Desc { return b.desc }

// Bytes exposes the raw storage.
func (b *Buffer) Bytes() []byte { return b.data }

// At loads the element stored at offset off.
func (b *Buffer) At(off int) float32 {
	return b.desc.DataType.Load(b.data, off)
}

// Set stores v at offset off.
func (b *Buffer) Set(off int, v float32) {
	b.desc.DataType.Store(b.data, off, v)
}

// Fill writes values given in logical row-major order.
func (b *Buffer) Fill(values []float32) error {
	if len(values) != b.desc.Nelems() {
		return fmt.Errorf("fill: got %d values for %d elements", len(values), b.desc.Nelems())
	}
	i := 0
	forEachIndex(b.desc.Dims, func(idx []int) {
		b.Set(b.desc.Off(idx...), values[i])
		i++
	})
	return nil
}

// Float32s reads the buffer back in logical row-major order.
func (b *Buffer) Float32s() []float32 {
	out := make([]float32, 0, b.desc.Nelems())
	forEachIndex(b.desc.Dims, func(idx []int) {
		out = append(out, b.At(b.desc.Off(idx...)))
	})
	return out
}

// DataType is shorthand for Desc().DataType.
func (b *Buffer) DataType() dtype.DataType { return b.desc.DataType }

func forEachIndex(dims []int, fn func(idx []int)) {
	for _, d := range dims {
		if d == 0 {
			return
		}
	}
	idx := make([]int, len(dims))
	for {
		fn(idx)
		i := len(dims) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < dims[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			return
		}
	}
}
