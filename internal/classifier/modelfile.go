package classifier

import (
	"encoding/json"
	"fmt"

	"riskgrid/internal/hyperparams"
	"riskgrid/internal/types"
)

// ModelFileVersion is the current model file format version.
const ModelFileVersion = 1

type modelFile struct {
	Version  int             `json:"version"`
	Family   string          `json:"family"`
	Params   hyperparams.Set `json:"params"`
	Width    int             `json:"width"`
	Constant *float64        `json:"constant,omitempty"`
	State    json.RawMessage `json:"state"`
}

// MarshalModel serializes a fitted classifier to its model file form.
func MarshalModel(c Classifier) ([]byte, error) {
	b, ok := c.(*binary)
	if !ok {
		return nil, fmt.Errorf("classifier: cannot persist %T", c)
	}
	if !b.fitted {
		return nil, ErrNotFitted
	}
	state, err := json.Marshal(b.impl.state())
	if err != nil {
		return nil, fmt.Errorf("classifier: encode %s state: %w", b.params.Family, err)
	}
	return json.Marshal(modelFile{
		Version:  ModelFileVersion,
		Family:   string(b.params.Family),
		Params:   b.params,
		Width:    b.width,
		Constant: b.constant,
		State:    state,
	})
}

// UnmarshalModel restores a fitted classifier from a model file.
func UnmarshalModel(data []byte) (Classifier, error) {
	var mf modelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, types.NewAppError(types.ErrCodeArtifactCorrupt, "model file is not valid JSON", err)
	}
	if mf.Version != ModelFileVersion {
		return nil, types.NewAppError(types.ErrCodeArtifactCorrupt,
			fmt.Sprintf("unsupported model file version %d", mf.Version), nil)
	}
	ctor, ok := constructors[mf.Params.Family]
	if !ok || mf.Width <= 0 {
		return nil, types.NewAppError(types.ErrCodeArtifactCorrupt,
			fmt.Sprintf("model file has unknown family %q", mf.Family), nil)
	}
	impl := ctor(mf.Params)
	if mf.Constant == nil {
		if err := json.Unmarshal(mf.State, impl.state()); err != nil {
			return nil, types.NewAppError(types.ErrCodeArtifactCorrupt, "model state is unreadable", err)
		}
	}
	return &binary{
		params:   mf.Params,
		impl:     impl,
		width:    mf.Width,
		fitted:   true,
		constant: mf.Constant,
	}, nil
}
