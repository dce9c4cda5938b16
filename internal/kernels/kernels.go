// Package kernels contains the reference layer normalization programs. They
// are registered by name with a compute.Registry and specialised at compile
// time through the build context.
package kernels

import (
	"fmt"

	"github.com/fxnlabs/lnorm/internal/compute"
)

// Program names.
const (
	LnormFwd           = "ref_lnorm_fwd"
	LnormBwd           = "ref_lnorm_bwd"
	LnormBwdScaleShift = "ref_lnorm_bwd_scaleshift"
)

// MaxNDims is the highest tensor rank the programs can address.
const MaxNDims = 12

// Argument slots of ref_lnorm_fwd.
const (
	FwdArgSrc = iota
	FwdArgMean
	FwdArgVariance
	FwdArgDst
	FwdArgScaleShift
	FwdArgEps
)

// Argument slots of ref_lnorm_bwd.
const (
	BwdArgSrc = iota
	BwdArgMean
	BwdArgVariance
	BwdArgDiffDst
	BwdArgScaleShift
	BwdArgDiffSrc
	BwdArgEps
)

// Argument slots of ref_lnorm_bwd_scaleshift.
const (
	BwdSSArgSrc = iota
	BwdSSArgMean
	BwdSSArgVariance
	BwdSSArgDiffDst
	BwdSSArgDiffScaleShift
	BwdSSArgEps
)

var (
	dimMacros    [MaxNDims]string
	strideMacros = map[string]*[MaxNDims]string{}
)

// Tensors whose strides are passed as <PREFIX>_S<i>.
var stridePrefixes = []string{"SRC", "DST", "DIFF_SRC", "DIFF_DST", "STAT", "SS", "DIFF_SS"}

func init() {
	for i := range MaxNDims {
		dimMacros[i] = fmt.Sprintf("SRC_D%d", i)
	}
	for _, p := range stridePrefixes {
		var names [MaxNDims]string
		for i := range MaxNDims {
			names[i] = fmt.Sprintf("%s_S%d", p, i)
		}
		strideMacros[p] = &names
	}
}

// DimMacro names the build option holding dimension i of the source.
func DimMacro(i int) string { return dimMacros[i] }

// StrideMacro names the build option holding stride i of tensor prefix.
func StrideMacro(prefix string, i int) string { return strideMacros[prefix][i] }

// Register adds every normalization program to r.
func Register(r *compute.Registry) error {
	for name, p := range map[string]compute.Program{
		LnormFwd:           lnormFwd,
		LnormBwd:           lnormBwd,
		LnormBwdScaleShift: lnormBwdScaleShift,
	} {
		if err := r.Register(name, p); err != nil {
			return err
		}
	}
	return nil
}

// layout decodes the geometry macros of one build context.
type layout struct {
	k     *compute.KernelCtx
	ndims int
	c     int
	n     int
}

func newLayout(k *compute.KernelCtx) layout {
	return layout{k: k, ndims: int(k.Int("NDIMS")), c: int(k.Int("C")), n: int(k.Int("N"))}
}

// rowOff is the offset of the first element of row in tensor prefix. The
// last outer dimension varies fastest.
func (l layout) rowOff(prefix string, row int) int {
	strides := strideMacros[prefix]
	off := 0
	for i := l.ndims - 2; i >= 0; i-- {
		d := int(l.k.Int(dimMacros[i]))
		off += (row % d) * int(l.k.Int(strides[i]))
		row /= d
	}
	return off
}

// chanStride is the stride of the normalized axis in tensor prefix.
func (l layout) chanStride(prefix string) int {
	return int(l.k.Int(strideMacros[prefix][l.ndims-1]))
}

// ssOff is the offset of element (which, c) of a {2, C} scale/shift tensor.
func (l layout) ssOff(prefix string, which, c int) int {
	return which*int(l.k.Int(strideMacros[prefix][0])) + c*int(l.k.Int(strideMacros[prefix][1]))
}
