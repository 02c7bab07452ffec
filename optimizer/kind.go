package optimizer

import "fmt"

// Kind is the closed set of optimizers the factory can build.
type Kind int

const (
	SGD Kind = iota
	SGDNesterov
	Adam
	AdamAMSGrad
	RMSProp
)

func (k Kind) String() string {
	switch k {
	case SGD:
		return "sgd"
	case SGDNesterov:
		return "nesterov"
	case Adam:
		return "adam"
	case AdamAMSGrad:
		return "amsgrad"
	case RMSProp:
		return "rmsprop"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// ParseKind maps a configuration selector to a Kind. Selectors match exactly,
// so "Nesterov" or " adam" are unknown. Unknown selectors map to SGD with
// momentum and fallback is reported true.
func ParseKind(selector string) (kind Kind, fallback bool) {
	switch selector {
	case "adam":
		return Adam, false
	case "amsgrad":
		return AdamAMSGrad, false
	case "rmsprop":
		return RMSProp, false
	case "sgd":
		return SGD, false
	case "nesterov":
		return SGDNesterov, false
	default:
		return SGD, true
	}
}
