package types

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ComposeSpec is a declarative multi-service deployment document. Services
// and networks keep their declaration order.
type ComposeSpec struct {
	Name     string                 `yaml:"name,omitempty"`
	Services Services               `yaml:"services"`
	Volumes  map[string]*VolumeSpec `yaml:"volumes,omitempty"`
	Configs  map[string]*FileSpec   `yaml:"configs,omitempty"`
	Networks Networks               `yaml:"networks,omitempty"`
	Secrets  map[string]*FileSpec   `yaml:"secrets,omitempty"`
}

// ServiceSpec describes one service of a compose project
type ServiceSpec struct {
	ContainerName string   `yaml:"container_name,omitempty"`
	Image         string   `yaml:"image" validate:"required"`
	Ports         []string `yaml:"ports,omitempty"`
	Networks      []string `yaml:"networks,omitempty"`
	Volumes       []string `yaml:"volumes,omitempty"`
	Command       []string `yaml:"command,omitempty"`
	Configs       []string `yaml:"configs,omitempty"`
	Secrets       []string `yaml:"secrets,omitempty"`
	DependsOn     []string `yaml:"depends_on,omitempty"`
}

// NetworkDriver selects how a network is realized
type NetworkDriver string

const (
	NetworkDriverBridge  NetworkDriver = "bridge"
	NetworkDriverOverlay NetworkDriver = "overlay"
	NetworkDriverHost    NetworkDriver = "host"
	NetworkDriverNone    NetworkDriver = "none"
)

// NetworkSpec describes a declared network
type NetworkSpec struct {
	Driver   NetworkDriver `yaml:"driver,omitempty" validate:"omitempty,oneof=bridge overlay host none"`
	External bool          `yaml:"external,omitempty"`
}

// VolumeSpec describes a declared named volume
type VolumeSpec struct {
	Driver   string            `yaml:"driver,omitempty" validate:"omitempty,oneof=local"`
	External bool              `yaml:"external,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
}

// FileSpec points a config or secret at a file on the host
type FileSpec struct {
	File string `yaml:"file" validate:"required"`
}

// NamedService pairs a service with its key in the document
type NamedService struct {
	Name    string
	Service *ServiceSpec
}

// Services is the ordered services section
type Services []NamedService

// Get returns the service with the given name
func (s Services) Get(name string) (*ServiceSpec, bool) {
	for _, ns := range s {
		if ns.Name == name {
			return ns.Service, true
		}
	}
	return nil, false
}

// Index returns the declaration position of a service, or -1
func (s Services) Index(name string) int {
	for i, ns := range s {
		if ns.Name == name {
			return i
		}
	}
	return -1
}

// UnmarshalYAML decodes a mapping strictly while keeping key order.
func (s *Services) UnmarshalYAML(node *yaml.Node) error {
	var out Services
	err := decodeOrdered(node, "services", func(name string, value *yaml.Node) error {
		svc := &ServiceSpec{}
		if err := decodeStrict(value, svc); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		out = append(out, NamedService{Name: name, Service: svc})
		return nil
	})
	if err != nil {
		return err
	}
	*s = out
	return nil
}

// MarshalYAML keeps declaration order when writing the section back.
func (s Services) MarshalYAML() (interface{}, error) {
	return encodeOrdered(len(s), func(i int) (string, interface{}) { return s[i].Name, s[i].Service })
}

// NamedNetwork pairs a network with its key in the document
type NamedNetwork struct {
	Name    string
	Network *NetworkSpec
}

// Networks is the ordered networks section
type Networks []NamedNetwork

// Get returns the network with the given name
func (n Networks) Get(name string) (*NetworkSpec, bool) {
	for _, nn := range n {
		if nn.Name == name {
			return nn.Network, true
		}
	}
	return nil, false
}

// UnmarshalYAML decodes a mapping strictly while keeping key order. A network
// declared with an empty value gets default settings.
func (n *Networks) UnmarshalYAML(node *yaml.Node) error {
	var out Networks
	err := decodeOrdered(node, "networks", func(name string, value *yaml.Node) error {
		spec := &NetworkSpec{}
		if err := decodeStrict(value, spec); err != nil {
			return fmt.Errorf("network %q: %w", name, err)
		}
		out = append(out, NamedNetwork{Name: name, Network: spec})
		return nil
	})
	if err != nil {
		return err
	}
	*n = out
	return nil
}

// MarshalYAML keeps declaration order when writing the section back.
func (n Networks) MarshalYAML() (interface{}, error) {
	return encodeOrdered(len(n), func(i int) (string, interface{}) { return n[i].Name, n[i].Network })
}

func decodeOrdered(node *yaml.Node, section string, fn func(key string, value *yaml.Node) error) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: %s must be a mapping", node.Line, section)
	}
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if key.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: %s keys must be strings", key.Line, section)
		}
		if seen[key.Value] {
			return fmt.Errorf("line %d: %s key %q already defined", key.Line, section, key.Value)
		}
		seen[key.Value] = true
		if err := fn(key.Value, node.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// decodeStrict re-encodes a node and decodes it with unknown fields rejected,
// since yaml.Node.Decode does not honor KnownFields.
func decodeStrict(node *yaml.Node, out interface{}) error {
	raw, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func encodeOrdered(n int, at func(int) (string, interface{})) (interface{}, error) {
	out := &yaml.Node{Kind: yaml.MappingNode}
	for i := 0; i < n; i++ {
		key, value := at(i)
		v := &yaml.Node{}
		if err := v.Encode(value); err != nil {
			return nil, err
		}
		out.Content = append(out.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, v)
	}
	return out, nil
}
