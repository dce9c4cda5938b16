package compute

import "fmt"

// NDRange is a one-dimensional launch geometry: Global work-items split into
// groups of Local.
type NDRange struct {
	Global int
	Local  int
}

// NewNDRange picks the largest group size that divides global and does not
// exceed maxLocal.
func NewNDRange(global, maxLocal int) NDRange {
	maxLocal = max(maxLocal, 1)
	if global <= 0 {
		return NDRange{Global: 0, Local: 1}
	}
	local := min(global, maxLocal)
	for global%local != 0 {
		local--
	}
	return NDRange{Global: global, Local: local}
}

// Groups is the number of work-groups.
func (r NDRange) Groups() int {
	if r.Local <= 0 {
		return 0
	}
	return r.Global / r.Local
}

func (r NDRange) validate(maxLocal int) error {
	if r.Global < 0 || r.Local <= 0 {
		return fmt.Errorf("%w: bad nd-range %v", ErrLaunch, r)
	}
	if r.Global%r.Local != 0 {
		return fmt.Errorf("%w: global %d not a multiple of local %d", ErrLaunch, r.Global, r.Local)
	}
	if maxLocal > 0 && r.Local > maxLocal {
		return fmt.Errorf("%w: local %d exceeds device limit %d", ErrLaunch, r.Local, maxLocal)
	}
	return nil
}

func (r NDRange) String() string {
	return fmt.Sprintf("gws=%d lws=%d", r.Global, r.Local)
}
