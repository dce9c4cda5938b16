// Package lnorm implements the reference layer normalization primitive:
// descriptors that validate a request and derive its configuration, and
// forward/backward primitives that compile, bind and launch the kernels.
package lnorm

import (
	"fmt"

	"github.com/fxnlabs/lnorm/internal/dtype"
	"github.com/fxnlabs/lnorm/internal/kernels"
	"github.com/fxnlabs/lnorm/internal/memory"
	"github.com/fxnlabs/lnorm/internal/primitive"
)

// ImplName identifies this implementation among other normalization ones.
const ImplName = "lnorm_ref:any"

// DefaultEpsilon is used when Desc.Epsilon is zero.
const DefaultEpsilon = 1e-5

// Flags select optional behaviour.
type Flags uint

const (
	// UseGlobalStats makes mean and variance inputs instead of computing
	// them per row.
	UseGlobalStats Flags = 1 << iota
	// UseScaleShift applies learned per-channel scale and shift.
	UseScaleShift
)

func (f Flags) Has(o Flags) bool { return f&o != 0 }

// Desc is a layer normalization request. Descriptors left zero are filled
// with defaults during validation: Stat gets src dims without the last one
// in f32, ScaleShift/DiffScaleShift get {2, C} in f32, Dst/DiffSrc/DiffDst
// follow the types of Src/DiffDst.
type Desc struct {
	PropKind primitive.PropKind

	Src memory.Desc
	// Dst is used by forward requests.
	Dst memory.Desc
	// DiffSrc and DiffDst are used by backward requests.
	DiffSrc memory.Desc
	DiffDst memory.Desc

	Stat           memory.Desc
	ScaleShift     memory.Desc
	DiffScaleShift memory.Desc

	Epsilon float32
	Flags   Flags
}

// resolved is a validated copy of Desc with every descriptor filled in and
// its layout assigned.
type resolved struct {
	Desc
}

// C is the size of the normalized (innermost) axis.
func (d *Desc) C() int { return d.Src.Dims[d.Src.NDims()-1] }

// withDefaults returns a copy with zero descriptors filled in. It fails with
// ErrInvalidArguments on inconsistent shapes.
func (d Desc) withDefaults() (resolved, error) {
	r := resolved{Desc: Desc{
		PropKind:       d.PropKind,
		Src:            d.Src.Clone(),
		Dst:            d.Dst.Clone(),
		DiffSrc:        d.DiffSrc.Clone(),
		DiffDst:        d.DiffDst.Clone(),
		Stat:           d.Stat.Clone(),
		ScaleShift:     d.ScaleShift.Clone(),
		DiffScaleShift: d.DiffScaleShift.Clone(),
		Epsilon:        d.Epsilon,
		Flags:          d.Flags,
	}}
	nd := r.Src.NDims()
	if nd < 2 || nd > kernels.MaxNDims {
		return r, fmt.Errorf("%w: source rank %d outside [2, %d]", primitive.ErrInvalidArguments, nd, kernels.MaxNDims)
	}
	for _, dim := range r.Src.Dims {
		if dim < 0 {
			return r, fmt.Errorf("%w: negative dimension in %v", primitive.ErrInvalidArguments, r.Src.Dims)
		}
	}
	if r.Epsilon < 0 {
		return r, fmt.Errorf("%w: negative epsilon %g", primitive.ErrInvalidArguments, r.Epsilon)
	}
	if r.Epsilon == 0 {
		r.Epsilon = DefaultEpsilon
	}

	fill := func(md *memory.Desc, dims []int, dt dtype.DataType) {
		if md.IsZero() {
			*md = memory.NewDesc(dims, dt)
		}
		if md.DataType == dtype.Undef {
			md.DataType = dt
		}
	}
	sameShape := func(name string, md memory.Desc) error {
		if !md.SameShape(r.Src) {
			return fmt.Errorf("%w: %s dims %v do not match source dims %v", primitive.ErrInvalidArguments, name, md.Dims, r.Src.Dims)
		}
		return nil
	}

	if r.PropKind.IsFwd() {
		fill(&r.Dst, r.Src.Dims, r.Src.DataType)
		if err := sameShape("destination", r.Dst); err != nil {
			return r, err
		}
	} else {
		fill(&r.DiffDst, r.Src.Dims, r.Src.DataType)
		fill(&r.DiffSrc, r.DiffDst.Dims, r.DiffDst.DataType)
		if err := sameShape("diff destination", r.DiffDst); err != nil {
			return r, err
		}
		if err := sameShape("diff source", r.DiffSrc); err != nil {
			return r, err
		}
	}

	statDims := r.Src.Dims[:nd-1]
	fill(&r.Stat, statDims, dtype.F32)
	if !r.Stat.SameShape(memory.Desc{Dims: statDims}) {
		return r, fmt.Errorf("%w: statistics dims %v, want %v", primitive.ErrInvalidArguments, r.Stat.Dims, statDims)
	}

	if r.Flags.Has(UseScaleShift) {
		ssDims := []int{2, r.C()}
		fill(&r.ScaleShift, ssDims, dtype.F32)
		if !r.ScaleShift.SameShape(memory.Desc{Dims: ssDims}) {
			return r, fmt.Errorf("%w: scale/shift dims %v, want %v", primitive.ErrInvalidArguments, r.ScaleShift.Dims, ssDims)
		}
		if r.PropKind.IsBwd() {
			fill(&r.DiffScaleShift, ssDims, dtype.F32)
			if !r.DiffScaleShift.SameShape(memory.Desc{Dims: ssDims}) {
				return r, fmt.Errorf("%w: diff scale/shift dims %v, want %v", primitive.ErrInvalidArguments, r.DiffScaleShift.Dims, ssDims)
			}
		}
	}
	return r, nil
}

type formatStep struct {
	name string
	md   *memory.Desc
	// ref is the layout to copy when md is FormatAny; nil means dense.
	ref *memory.Desc
	// output descriptors are written and must not alias themselves.
	output bool
}

// setDefaultFormats resolves every FormatAny descriptor: the source becomes
// dense, outputs and gradients follow the source layout. Fails with
// ErrUnimplemented on layouts the kernels cannot address, including outputs
// whose elements share storage.
func (r *resolved) setDefaultFormats() error {
	saveStats := r.PropKind == primitive.ForwardTraining && !r.Flags.Has(UseGlobalStats)
	steps := []formatStep{
		{"source", &r.Src, nil, false},
		{"statistics", &r.Stat, nil, saveStats},
	}
	if r.PropKind.IsFwd() {
		steps = append(steps, formatStep{"destination", &r.Dst, &r.Src, true})
	} else {
		steps = append(steps,
			formatStep{"diff destination", &r.DiffDst, &r.Src, false},
			formatStep{"diff source", &r.DiffSrc, &r.DiffDst, true})
	}
	if r.Flags.Has(UseScaleShift) {
		steps = append(steps, formatStep{"scale/shift", &r.ScaleShift, nil, false})
		if r.PropKind.IsBwd() {
			steps = append(steps, formatStep{"diff scale/shift", &r.DiffScaleShift, nil, true})
		}
	}

	for _, s := range steps {
		var err error
		if s.ref != nil {
			err = s.md.SetFormatLike(*s.ref)
		} else {
			err = s.md.SetDefaultFormat()
		}
		if err == nil && s.output {
			err = s.md.CheckNonOverlapping()
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", primitive.ErrUnimplemented, s.name, err)
		}
	}
	return nil
}
