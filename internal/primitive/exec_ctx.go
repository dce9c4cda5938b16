package primitive

import (
	"fmt"

	"github.com/fxnlabs/lnorm/internal/compute"
	"github.com/fxnlabs/lnorm/internal/memory"
)

// Arg names a logical argument slot of a primitive.
type Arg int

const (
	ArgSrc Arg = iota
	ArgDst
	ArgMean
	ArgVariance
	ArgScaleShift
	ArgDiffSrc
	ArgDiffScaleShift
	ArgDiffDst
)

func (a Arg) String() string {
	switch a {
	case ArgSrc:
		return "source"
	case ArgDst:
		return "destination"
	case ArgMean:
		return "mean"
	case ArgVariance:
		return "variance"
	case ArgScaleShift:
		return "scale_shift_weights"
	case ArgDiffSrc:
		return "diff_source"
	case ArgDiffScaleShift:
		return "diff_scale_shift_weights"
	case ArgDiffDst:
		return "diff_destination"
	default:
		return fmt.Sprintf("arg(%d)", int(a))
	}
}

// ExecContext binds argument slots to buffers for one Execute call and
// carries the stream to submit to. It is owned by the caller.
type ExecContext struct {
	stream *compute.Stream
	mapper *ResourceMapper
	args   map[Arg]*memory.Buffer
}

// NewExecContext creates a context submitting to s and caching resources
// in m.
func NewExecContext(s *compute.Stream, m *ResourceMapper) *ExecContext {
	return &ExecContext{stream: s, mapper: m, args: make(map[Arg]*memory.Buffer)}
}

// SetArg binds a slot. Returns the context for chaining.
func (c *ExecContext) SetArg(a Arg, b *memory.Buffer) *ExecContext {
	c.args[a] = b
	return c
}

// Arg returns the buffer bound to a, or nil.
func (c *ExecContext) Arg(a Arg) *memory.Buffer { return c.args[a] }

// RequireArg returns the buffer bound to a or ErrInvalidArguments.
func (c *ExecContext) RequireArg(a Arg) (*memory.Buffer, error) {
	b := c.args[a]
	if b == nil {
		return nil, fmt.Errorf("%w: %s is not bound", ErrInvalidArguments, a)
	}
	return b, nil
}

func (c *ExecContext) Stream() *compute.Stream { return c.stream }

func (c *ExecContext) Engine() compute.Engine { return c.stream.Engine() }

func (c *ExecContext) Mapper() *ResourceMapper { return c.mapper }
