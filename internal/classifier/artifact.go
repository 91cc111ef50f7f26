package classifier

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const artifactVersion = 1

// artifact is the msgpack envelope of a fitted model. Exactly one model field is set.
type artifact struct {
	Version int          `msgpack:"version"`
	Type    ModelType    `msgpack:"type"`
	Linear  *LinearModel `msgpack:"linear,omitempty"`
	MLP     *MLPModel    `msgpack:"mlp,omitempty"`
	Forest  *ForestModel `msgpack:"forest,omitempty"`
}

// MarshalModel encodes a fitted model.
func MarshalModel(m Model) ([]byte, error) {
	a := artifact{Version: artifactVersion, Type: m.Type()}
	switch v := m.(type) {
	case *LinearModel:
		a.Linear = v
	case *MLPModel:
		a.MLP = v
	case *ForestModel:
		a.Forest = v
	default:
		return nil, fmt.Errorf("cannot encode model of type %T", m)
	}
	return msgpack.Marshal(&a)
}

// UnmarshalModel decodes an artifact written by MarshalModel.
func UnmarshalModel(data []byte) (Model, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty model artifact")
	}
	var a artifact
	if err := msgpack.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", err)
	}
	if a.Version != artifactVersion {
		return nil, fmt.Errorf("unsupported artifact version %d", a.Version)
	}

	switch a.Type {
	case LogisticRegression, LinearSVM:
		if a.Linear != nil && len(a.Linear.Weights) > 0 {
			return a.Linear, nil
		}
	case MLP:
		if a.MLP != nil && len(a.MLP.Layers) > 0 {
			return a.MLP, nil
		}
	case RandomForest:
		if a.Forest != nil && len(a.Forest.Trees) > 0 {
			return a.Forest, nil
		}
	}
	return nil, fmt.Errorf("artifact for %q carries no model", a.Type)
}
