package kernels

import (
	"math"

	"github.com/fxnlabs/lnorm/internal/compute"
)

func rsqrt(v float32) float32 {
	return float32(1 / math.Sqrt(float64(v)))
}

// lnormFwd normalizes one row per work-item.
func lnormFwd(wi compute.WorkItem, k *compute.KernelCtx, args *compute.ArgList) error {
	if err := args.Require(FwdArgSrc, FwdArgDst); err != nil {
		return err
	}
	calculateStats := k.Bool("CALCULATE_STATS")
	saveStats := k.Bool("SAVE_STATS")
	useScaleShift := k.Bool("USE_SCALESHIFT")
	if !calculateStats || saveStats {
		if err := args.Require(FwdArgMean, FwdArgVariance); err != nil {
			return err
		}
	}
	if useScaleShift {
		if err := args.Require(FwdArgScaleShift); err != nil {
			return err
		}
	}

	l := newLayout(k)
	row := wi.GlobalID
	src, dst := args.Buffer(FwdArgSrc), args.Buffer(FwdArgDst)
	srcOff, dstOff := l.rowOff("SRC", row), l.rowOff("DST", row)
	srcC, dstC := l.chanStride("SRC"), l.chanStride("DST")
	eps := args.Scalar(FwdArgEps)

	var mean, variance float32
	if calculateStats {
		var sum float32
		for c := range l.c {
			sum += src.At(srcOff + c*srcC)
		}
		mean = sum / float32(l.c)
		var sq float32
		for c := range l.c {
			d := src.At(srcOff+c*srcC) - mean
			sq += d * d
		}
		variance = sq / float32(l.c)
		if saveStats {
			statOff := l.rowOff("STAT", row)
			args.Buffer(FwdArgMean).Set(statOff, mean)
			args.Buffer(FwdArgVariance).Set(statOff, variance)
		}
	} else {
		statOff := l.rowOff("STAT", row)
		mean = args.Buffer(FwdArgMean).At(statOff)
		variance = args.Buffer(FwdArgVariance).At(statOff)
	}

	inv := rsqrt(variance + eps)
	ss := args.Buffer(FwdArgScaleShift)
	for c := range l.c {
		v := (src.At(srcOff+c*srcC) - mean) * inv
		if useScaleShift {
			v = ss.At(l.ssOff("SS", 0, c))*v + ss.At(l.ssOff("SS", 1, c))
		}
		dst.Set(dstOff+c*dstC, v)
	}
	return nil
}

// lnormBwd computes diff_src for one row per work-item.
func lnormBwd(wi compute.WorkItem, k *compute.KernelCtx, args *compute.ArgList) error {
	if err := args.Require(BwdArgSrc, BwdArgMean, BwdArgVariance, BwdArgDiffDst, BwdArgDiffSrc); err != nil {
		return err
	}
	useScaleShift := k.Bool("USE_SCALESHIFT")
	if useScaleShift {
		if err := args.Require(BwdArgScaleShift); err != nil {
			return err
		}
	}

	l := newLayout(k)
	row := wi.GlobalID
	src, dd, ds := args.Buffer(BwdArgSrc), args.Buffer(BwdArgDiffDst), args.Buffer(BwdArgDiffSrc)
	ss := args.Buffer(BwdArgScaleShift)
	srcOff, ddOff, dsOff := l.rowOff("SRC", row), l.rowOff("DIFF_DST", row), l.rowOff("DIFF_SRC", row)
	srcC, ddC, dsC := l.chanStride("SRC"), l.chanStride("DIFF_DST"), l.chanStride("DIFF_SRC")

	statOff := l.rowOff("STAT", row)
	mean := args.Buffer(BwdArgMean).At(statOff)
	inv := rsqrt(args.Buffer(BwdArgVariance).At(statOff) + args.Scalar(BwdArgEps))

	gamma := func(c int) float32 {
		if useScaleShift {
			return ss.At(l.ssOff("SS", 0, c))
		}
		return 1
	}

	calculateDiffStats := k.Bool("CALCULATE_STATS")
	var ddGamma, ddGammaX float32
	if calculateDiffStats {
		for c := range l.c {
			g := dd.At(ddOff+c*ddC) * gamma(c)
			ddGamma += g
			ddGammaX += g * (src.At(srcOff+c*srcC) - mean)
		}
		ddGammaX *= inv
	}

	cf := float32(l.c)
	for c := range l.c {
		v := dd.At(ddOff+c*ddC) * gamma(c)
		if calculateDiffStats {
			v -= ddGamma/cf + (src.At(srcOff+c*srcC)-mean)*ddGammaX*inv/cf
		}
		ds.Set(dsOff+c*dsC, v*inv)
	}
	return nil
}

// lnormBwdScaleShift reduces the scale and shift gradients of one channel
// per work-item over all rows.
func lnormBwdScaleShift(wi compute.WorkItem, k *compute.KernelCtx, args *compute.ArgList) error {
	if err := args.Require(BwdSSArgSrc, BwdSSArgMean, BwdSSArgVariance, BwdSSArgDiffDst, BwdSSArgDiffScaleShift); err != nil {
		return err
	}
	l := newLayout(k)
	c := wi.GlobalID
	src, dd := args.Buffer(BwdSSArgSrc), args.Buffer(BwdSSArgDiffDst)
	mean, variance := args.Buffer(BwdSSArgMean), args.Buffer(BwdSSArgVariance)
	srcC, ddC := l.chanStride("SRC"), l.chanStride("DIFF_DST")
	eps := args.Scalar(BwdSSArgEps)

	var diffGamma, diffBeta float32
	for row := range l.n {
		statOff := l.rowOff("STAT", row)
		inv := rsqrt(variance.At(statOff) + eps)
		g := dd.At(l.rowOff("DIFF_DST", row) + c*ddC)
		diffGamma += g * (src.At(l.rowOff("SRC", row)+c*srcC) - mean.At(statOff)) * inv
		diffBeta += g
	}

	dss := args.Buffer(BwdSSArgDiffScaleShift)
	dss.Set(l.ssOff("DIFF_SS", 0, c), diffGamma)
	dss.Set(l.ssOff("DIFF_SS", 1, c), diffBeta)
	return nil
}
