package lnorm

import (
	"slices"

	"github.com/fxnlabs/lnorm/internal/compute"
	"github.com/fxnlabs/lnorm/internal/dtype"
	"github.com/fxnlabs/lnorm/internal/kernels"
	"github.com/fxnlabs/lnorm/internal/memory"
)

// MemoryInfo is the part of a memory descriptor the kernels are built for.
type MemoryInfo struct {
	Dims     []int
	Strides  []int
	DataType dtype.DataType
}

func newMemoryInfo(md memory.Desc) MemoryInfo {
	return MemoryInfo{Dims: slices.Clone(md.Dims), Strides: slices.Clone(md.Strides), DataType: md.DataType}
}

// matches reports whether a buffer bound at execution time has the layout
// the kernels were built for.
func (mi MemoryInfo) matches(md memory.Desc) bool {
	return md.DataType == mi.DataType && slices.Equal(md.Dims, mi.Dims) && slices.Equal(md.Strides, mi.Strides)
}

// Conf is the runtime configuration derived from a validated descriptor.
// It never changes after the descriptor's Init succeeds.
type Conf struct {
	NDims int
	// NormAxis is the size of the normalized axis (C).
	NormAxis int
	// AcrossAxis is the number of rows (product of the outer dims).
	AcrossAxis int

	Src  MemoryInfo
	Stat MemoryInfo
	// Dst is set for forward configurations.
	Dst MemoryInfo
	// DiffSrc and DiffDst are set for backward configurations.
	DiffSrc MemoryInfo
	DiffDst MemoryInfo
	// ScaleShift is set when UseScaleShift; DiffScaleShift additionally
	// requires a backward configuration.
	ScaleShift     MemoryInfo
	DiffScaleShift MemoryInfo

	IsFwd          bool
	IsTraining     bool
	UseScaleShift  bool
	CalculateStats bool
	SaveStats      bool
	Epsilon        float32
}

// Empty reports whether the tensor has no elements, in which case execution
// is a no-op.
func (c *Conf) Empty() bool { return c.NormAxis == 0 || c.AcrossAxis == 0 }

// Dispatch runs one work-item per row, grouped within maxWorkGroupSize of
// the engine the launch goes to.
func (c *Conf) Dispatch(maxWorkGroupSize int) compute.NDRange {
	return compute.NewNDRange(c.AcrossAxis, maxWorkGroupSize)
}

// DispatchScaleShift runs one work-item per channel; backward only.
func (c *Conf) DispatchScaleShift(maxWorkGroupSize int) compute.NDRange {
	return compute.NewNDRange(c.NormAxis, maxWorkGroupSize)
}

func initConf(r *resolved) *Conf {
	nd := r.Src.NDims()
	across := 1
	for _, d := range r.Src.Dims[:nd-1] {
		across *= d
	}
	conf := &Conf{
		NDims:          nd,
		NormAxis:       r.C(),
		AcrossAxis:     across,
		Src:            newMemoryInfo(r.Src),
		Stat:           newMemoryInfo(r.Stat),
		IsFwd:          r.PropKind.IsFwd(),
		IsTraining:     r.PropKind.IsTraining(),
		UseScaleShift:  r.Flags.Has(UseScaleShift),
		CalculateStats: !r.Flags.Has(UseGlobalStats),
		Epsilon:        r.Epsilon,
	}
	if conf.UseScaleShift {
		conf.ScaleShift = newMemoryInfo(r.ScaleShift)
	}
	if conf.IsFwd {
		conf.Dst = newMemoryInfo(r.Dst)
		conf.SaveStats = conf.IsTraining && conf.CalculateStats
	} else {
		conf.DiffDst = newMemoryInfo(r.DiffDst)
		conf.DiffSrc = newMemoryInfo(r.DiffSrc)
		if conf.UseScaleShift {
			conf.DiffScaleShift = newMemoryInfo(r.DiffScaleShift)
		}
	}
	return conf
}

// initKernelCtx derives the build context. Only fields of conf are read, so
// equal configurations produce equal contexts.
func initKernelCtx(conf *Conf) *compute.KernelCtx {
	k := compute.NewKernelCtx()
	k.DefineInt("NDIMS", int64(conf.NDims))
	k.DefineInt("C", int64(conf.NormAxis))
	k.DefineInt("N", int64(conf.AcrossAxis))
	k.DefineBool("IS_FWD", conf.IsFwd)
	k.DefineBool("IS_BWD", !conf.IsFwd)
	k.DefineBool("IS_TRAINING", conf.IsTraining)
	k.DefineBool("CALCULATE_STATS", conf.CalculateStats)
	k.DefineBool("SAVE_STATS", conf.SaveStats)
	k.DefineBool("USE_SCALESHIFT", conf.UseScaleShift)

	for i, d := range conf.Src.Dims {
		k.DefineInt(kernels.DimMacro(i), int64(d))
	}
	defineMemory(k, "SRC", conf.Src)
	defineMemory(k, "STAT", conf.Stat)
	if conf.IsFwd {
		defineMemory(k, "DST", conf.Dst)
	} else {
		defineMemory(k, "DIFF_DST", conf.DiffDst)
		defineMemory(k, "DIFF_SRC", conf.DiffSrc)
	}
	if conf.UseScaleShift {
		defineMemory(k, "SS", conf.ScaleShift)
		k.DefineDataType("WEI_DT", conf.ScaleShift.DataType)
		if !conf.IsFwd {
			defineMemory(k, "DIFF_SS", conf.DiffScaleShift)
			k.DefineDataType("DIFF_WEI_DT", conf.DiffScaleShift.DataType)
		}
	}
	return k
}

func defineMemory(k *compute.KernelCtx, prefix string, mi MemoryInfo) {
	k.DefineDataType(prefix+"_DT", mi.DataType)
	for i, s := range mi.Strides {
		k.DefineInt(kernels.StrideMacro(prefix, i), int64(s))
	}
}
