package config

import (
	"bytes"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/validation"
)

// LoadNode reads the node descriptor the agent registers with. Unknown
// fields are rejected.
func LoadNode(path string) (*types.Node, error) {
	node := &types.Node{}
	if err := decodeFile(path, node); err != nil {
		return nil, err
	}
	if err := validation.Struct(node); err != nil {
		return nil, errdefs.Configuration("invalid node descriptor %s: %w", path, err)
	}
	return node, nil
}

// LoadPod reads a pod manifest
func LoadPod(path string) (*types.PodTask, error) {
	pod := &types.PodTask{}
	if err := decodeFile(path, pod); err != nil {
		return nil, err
	}
	if err := validation.Struct(pod); err != nil {
		return nil, errdefs.Configuration("invalid pod manifest %s: %w", path, err)
	}
	return pod, nil
}

func decodeFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errdefs.Configuration("failed to read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return errdefs.Configuration("failed to parse %s: %w", path, err)
	}
	return nil
}
