package primitive

import "fmt"

// PropKind is the propagation direction of a primitive.
type PropKind int

const (
	PropUndef PropKind = iota
	ForwardTraining
	ForwardInference
	Backward
)

func (p PropKind) IsFwd() bool { return p == ForwardTraining || p == ForwardInference }

func (p PropKind) IsBwd() bool { return p == Backward }

// IsTraining is true for passes whose results feed a later backward pass.
func (p PropKind) IsTraining() bool { return p == ForwardTraining || p == Backward }

func (p PropKind) String() string {
	switch p {
	case ForwardTraining:
		return "forward_training"
	case ForwardInference:
		return "forward_inference"
	case Backward:
		return "backward"
	default:
		return fmt.Sprintf("prop_kind(%d)", int(p))
	}
}
