package primitive

// PostOp is an operation fused after the primitive's main computation.
type PostOp struct {
	Kind  string
	Alpha float32
	Beta  float32
}

// ScratchpadMode tells who owns temporary device memory.
type ScratchpadMode int

const (
	ScratchpadLibrary ScratchpadMode = iota
	ScratchpadUser
)

// Attr carries optional extensions to a primitive request. The zero value
// (or nil) requests none.
type Attr struct {
	PostOps        []PostOp
	OutputScales   []float32
	ScratchpadMode ScratchpadMode
}

// HasDefaultValues reports whether no extension was requested.
func (a *Attr) HasDefaultValues() bool {
	if a == nil {
		return true
	}
	return len(a.PostOps) == 0 && len(a.OutputScales) == 0 && a.ScratchpadMode == ScratchpadLibrary
}
