package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Named pairs a parameter with its dotted state-dict key.
type Named[B tensor.Backend] struct {
	Name  string
	Param *nn.Parameter[B]
}

// Prefixed returns named with every key prefixed by prefix + ".".
func Prefixed[B tensor.Backend](prefix string, named []Named[B]) []Named[B] {
	out := make([]Named[B], len(named))
	for i, n := range named {
		out[i] = Named[B]{Name: prefix + "." + n.Name, Param: n.Param}
	}
	return out
}

// Params strips the names.
func Params[B tensor.Backend](named []Named[B]) []*nn.Parameter[B] {
	params := make([]*nn.Parameter[B], len(named))
	for i, n := range named {
		params[i] = n.Param
	}
	return params
}

// CountParams returns the total number of scalar parameters.
func CountParams[B tensor.Backend](params []*nn.Parameter[B]) int {
	total := 0
	for _, p := range params {
		total += p.Tensor().NumElements()
	}
	return total
}

// StateDict maps each name to the parameter's raw tensor.
func StateDict[B tensor.Backend](named []Named[B]) map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor, len(named))
	for _, n := range named {
		stateDict[n.Name] = n.Param.Tensor().Raw()
	}
	return stateDict
}

// LoadStateDict copies values from stateDict into the named parameters.
//
// Every parameter must be present with a matching shape and float32 dtype.
// Extra keys in stateDict are ignored.
func LoadStateDict[B tensor.Backend](named []Named[B], stateDict map[string]*tensor.RawTensor) error {
	for _, n := range named {
		raw, ok := stateDict[n.Name]
		if !ok {
			return fmt.Errorf("missing %s in state dict", n.Name)
		}

		expected := n.Param.Tensor().Shape()
		if !raw.Shape().Equal(expected) {
			return fmt.Errorf("%s shape mismatch: expected %v, got %v", n.Name, expected, raw.Shape())
		}
		if raw.DType() != tensor.Float32 {
			return fmt.Errorf("%s dtype mismatch: expected float32, got %v", n.Name, raw.DType())
		}

		copy(n.Param.Tensor().Data(), raw.AsFloat32())
	}
	return nil
}

// ConvNamed names the parameters of a born Conv2D ("weight", then "bias").
func ConvNamed[B tensor.Backend](conv *nn.Conv2D[B]) []Named[B] {
	params := conv.Parameters()
	named := []Named[B]{{Name: "weight", Param: params[0]}}
	if len(params) > 1 {
		named = append(named, Named[B]{Name: "bias", Param: params[1]})
	}
	return named
}

// NormNamed names LayerNorm gamma and beta with their PyTorch keys.
func NormNamed[B tensor.Backend](norm *nn.LayerNorm[B]) []Named[B] {
	return []Named[B]{
		{Name: "weight", Param: norm.Gamma},
		{Name: "bias", Param: norm.Beta},
	}
}
