package protocol

import (
	"fmt"
	"maps"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/types"
)

// Wire layout (protobuf encoding, no generated code):
//
//	Envelope     { oneof: 1 RegisterNode | 2 Heartbeat | 3 CreatePod | 4 DeletePod | 5 Ack | 6 Error }
//	Node         { 1 api_version, 2 kind, 3 metadata, 4 spec, 5 status }
//	ObjectMeta   { 1 name, 2 namespace, 3 labels (repeated Pair), 4 annotations (repeated Pair) }
//	NodeSpec     { 1 pod_cidr, 2 unschedulable }
//	NodeStatus   { 1 addresses (repeated {1 type, 2 address}), 2 capacity, 3 allocatable }
//	PodTask      { 1 api_version, 2 kind, 3 metadata, 4 spec {1 node_name, 2 containers} }
//	Container    { 1 name, 2 image, 3 command, 4 args, 5 env {1 name, 2 value}, 6 ports, 7 working_dir }
//	Port         { 1 container_port, 2 host_port, 3 host_ip, 4 protocol }
//	Heartbeat    { 1 node_name }
//	DeletePod    { 1 name }
//	Error        { 1 message }
//	Pair         { 1 key, 2 value }
//
// Unknown fields inside nested messages are skipped so that either side can
// grow the documents without breaking the other.

// Encode serializes a message to its binary wire form.
func Encode(m *Message) ([]byte, error) {
	var body []byte
	switch m.Kind {
	case KindRegisterNode:
		if m.Node == nil {
			return nil, fmt.Errorf("RegisterNode without node")
		}
		body = appendNode(nil, m.Node)
	case KindHeartbeat:
		body = appendString(nil, 1, m.NodeName)
	case KindCreatePod:
		if m.Pod == nil {
			return nil, fmt.Errorf("CreatePod without pod")
		}
		body = appendPod(nil, m.Pod)
	case KindDeletePod:
		body = appendString(nil, 1, m.PodName)
	case KindAck:
	case KindError:
		body = appendString(nil, 1, m.Error)
	default:
		return nil, fmt.Errorf("unknown message kind %d", m.Kind)
	}

	b := protowire.AppendTag(nil, protowire.Number(m.Kind), protowire.BytesType)
	return protowire.AppendBytes(b, body), nil
}

// Decode parses one message. The envelope must carry exactly one known
// variant; anything else is a protocol error.
func Decode(b []byte) (*Message, error) {
	var msg *Message
	err := walk(b, func(f field) error {
		if msg != nil {
			return fmt.Errorf("envelope carries more than one message")
		}
		if f.num < protowire.Number(KindRegisterNode) || f.num > protowire.Number(KindError) {
			return fmt.Errorf("unknown message kind %d", f.num)
		}
		kind := Kind(f.num)
		body, err := f.message()
		if err != nil {
			return err
		}
		m, err := decodeBody(kind, body)
		if err != nil {
			return fmt.Errorf("%s: %w", kind, err)
		}
		msg = m
		return nil
	})
	if err != nil {
		return nil, errdefs.Protocol("failed to decode message: %w", err)
	}
	if msg == nil {
		return nil, errdefs.Protocol("failed to decode message: empty envelope")
	}
	return msg, nil
}

func decodeBody(kind Kind, body []byte) (*Message, error) {
	m := &Message{Kind: kind}
	var err error
	switch kind {
	case KindRegisterNode:
		m.Node = &types.Node{}
		err = decodeNode(body, m.Node)
	case KindHeartbeat:
		m.NodeName, err = decodeSingleString(body)
	case KindCreatePod:
		m.Pod = &types.PodTask{}
		err = decodePod(body, m.Pod)
	case KindDeletePod:
		m.PodName, err = decodeSingleString(body)
	case KindAck:
		err = walk(body, func(field) error { return nil })
	case KindError:
		m.Error, err = decodeSingleString(body)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeSingleString(b []byte) (string, error) {
	var s string
	err := walk(b, func(f field) error {
		if f.num == 1 {
			v, err := f.string()
			s = v
			return err
		}
		return nil
	})
	return s, err
}

// field is one decoded tag/value pair
type field struct {
	num   protowire.Number
	typ   protowire.Type
	bytes []byte
	value uint64
}

func (f field) message() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, fmt.Errorf("field %d: expected length-delimited value", f.num)
	}
	return f.bytes, nil
}

func (f field) string() (string, error) {
	b, err := f.message()
	return string(b), err
}

func (f field) varint() (uint64, error) {
	if f.typ != protowire.VarintType {
		return 0, fmt.Errorf("field %d: expected varint value", f.num)
	}
	return f.value, nil
}

// walk calls fn for every length-delimited or varint field of b. Fields of
// other wire types are skipped.
func walk(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.bytes = v
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.value = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendStrings(b []byte, num protowire.Number, ss []string) []byte {
	for _, s := range ss {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendPairs(b []byte, num protowire.Number, m map[string]string) []byte {
	for _, k := range slices.Sorted(maps.Keys(m)) {
		var pair []byte
		pair = appendString(pair, 1, k)
		pair = appendString(pair, 2, m[k])
		b = appendMessage(b, num, pair)
	}
	return b
}

func decodePair(b []byte, into *map[string]string) error {
	var k, v string
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			k, err = f.string()
		case 2:
			v, err = f.string()
		}
		return err
	})
	if err != nil {
		return err
	}
	if *into == nil {
		*into = make(map[string]string)
	}
	(*into)[k] = v
	return nil
}

func appendMeta(b []byte, m *types.ObjectMeta) []byte {
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.Namespace)
	b = appendPairs(b, 3, m.Labels)
	return appendPairs(b, 4, m.Annotations)
}

func decodeMeta(b []byte, m *types.ObjectMeta) error {
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			m.Name, err = f.string()
		case 2:
			m.Namespace, err = f.string()
		case 3, 4:
			var body []byte
			if body, err = f.message(); err != nil {
				return err
			}
			if f.num == 3 {
				return decodePair(body, &m.Labels)
			}
			return decodePair(body, &m.Annotations)
		}
		return err
	})
}

func appendNode(b []byte, n *types.Node) []byte {
	b = appendString(b, 1, n.APIVersion)
	b = appendString(b, 2, n.Kind)
	b = appendMessage(b, 3, appendMeta(nil, &n.Metadata))

	var spec []byte
	spec = appendString(spec, 1, n.Spec.PodCIDR)
	if n.Spec.Unschedulable {
		spec = appendVarint(spec, 2, 1)
	}
	b = appendMessage(b, 4, spec)

	var status []byte
	for _, a := range n.Status.Addresses {
		var addr []byte
		addr = appendString(addr, 1, string(a.Type))
		addr = appendString(addr, 2, a.Address)
		status = appendMessage(status, 1, addr)
	}
	status = appendPairs(status, 2, n.Status.Capacity)
	status = appendPairs(status, 3, n.Status.Allocatable)
	return appendMessage(b, 5, status)
}

func decodeNode(b []byte, n *types.Node) error {
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			n.APIVersion, err = f.string()
		case 2:
			n.Kind, err = f.string()
		case 3:
			var body []byte
			if body, err = f.message(); err == nil {
				err = decodeMeta(body, &n.Metadata)
			}
		case 4:
			var body []byte
			if body, err = f.message(); err == nil {
				err = decodeNodeSpec(body, &n.Spec)
			}
		case 5:
			var body []byte
			if body, err = f.message(); err == nil {
				err = decodeNodeStatus(body, &n.Status)
			}
		}
		return err
	})
}

func decodeNodeSpec(b []byte, s *types.NodeSpec) error {
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			s.PodCIDR, err = f.string()
		case 2:
			var v uint64
			v, err = f.varint()
			s.Unschedulable = v != 0
		}
		return err
	})
}

func decodeNodeStatus(b []byte, s *types.NodeStatus) error {
	return walk(b, func(f field) error {
		body, err := f.message()
		if err != nil {
			return err
		}
		switch f.num {
		case 1:
			var a types.NodeAddress
			err = walk(body, func(f field) error {
				var err error
				switch f.num {
				case 1:
					var t string
					t, err = f.string()
					a.Type = types.NodeAddressType(t)
				case 2:
					a.Address, err = f.string()
				}
				return err
			})
			s.Addresses = append(s.Addresses, a)
		case 2:
			err = decodePair(body, &s.Capacity)
		case 3:
			err = decodePair(body, &s.Allocatable)
		}
		return err
	})
}

func appendPod(b []byte, p *types.PodTask) []byte {
	b = appendString(b, 1, p.APIVersion)
	b = appendString(b, 2, p.Kind)
	b = appendMessage(b, 3, appendMeta(nil, &p.Metadata))

	var spec []byte
	spec = appendString(spec, 1, p.Spec.NodeName)
	for i := range p.Spec.Containers {
		spec = appendMessage(spec, 2, appendContainer(nil, &p.Spec.Containers[i]))
	}
	return appendMessage(b, 4, spec)
}

func decodePod(b []byte, p *types.PodTask) error {
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			p.APIVersion, err = f.string()
		case 2:
			p.Kind, err = f.string()
		case 3:
			var body []byte
			if body, err = f.message(); err == nil {
				err = decodeMeta(body, &p.Metadata)
			}
		case 4:
			var body []byte
			if body, err = f.message(); err == nil {
				err = decodePodSpec(body, &p.Spec)
			}
		}
		return err
	})
}

func decodePodSpec(b []byte, s *types.PodSpec) error {
	return walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			s.NodeName, err = f.string()
		case 2:
			var body []byte
			if body, err = f.message(); err != nil {
				return err
			}
			var c types.PodContainer
			if err = decodeContainer(body, &c); err == nil {
				s.Containers = append(s.Containers, c)
			}
		}
		return err
	})
}

func appendContainer(b []byte, c *types.PodContainer) []byte {
	b = appendString(b, 1, c.Name)
	b = appendString(b, 2, c.Image)
	b = appendStrings(b, 3, c.Command)
	b = appendStrings(b, 4, c.Args)
	for _, e := range c.Env {
		var env []byte
		env = appendString(env, 1, e.Name)
		env = appendString(env, 2, e.Value)
		b = appendMessage(b, 5, env)
	}
	for _, p := range c.Ports {
		var port []byte
		port = appendVarint(port, 1, uint64(p.ContainerPort))
		port = appendVarint(port, 2, uint64(p.HostPort))
		port = appendString(port, 3, p.HostIP)
		port = appendString(port, 4, p.Protocol)
		b = appendMessage(b, 6, port)
	}
	return appendString(b, 7, c.WorkingDir)
}

func decodeContainer(b []byte, c *types.PodContainer) error {
	return walk(b, func(f field) error {
		var err error
		var s string
		switch f.num {
		case 1:
			c.Name, err = f.string()
		case 2:
			c.Image, err = f.string()
		case 3:
			if s, err = f.string(); err == nil {
				c.Command = append(c.Command, s)
			}
		case 4:
			if s, err = f.string(); err == nil {
				c.Args = append(c.Args, s)
			}
		case 5:
			var body []byte
			if body, err = f.message(); err != nil {
				return err
			}
			var e types.EnvVar
			err = walk(body, func(f field) error {
				var err error
				switch f.num {
				case 1:
					e.Name, err = f.string()
				case 2:
					e.Value, err = f.string()
				}
				return err
			})
			c.Env = append(c.Env, e)
		case 6:
			var body []byte
			if body, err = f.message(); err != nil {
				return err
			}
			var p types.PortMapping
			if err = decodePort(body, &p); err == nil {
				c.Ports = append(c.Ports, p)
			}
		case 7:
			c.WorkingDir, err = f.string()
		}
		return err
	})
}

func decodePort(b []byte, p *types.PortMapping) error {
	return walk(b, func(f field) error {
		var err error
		var v uint64
		switch f.num {
		case 1, 2:
			if v, err = f.varint(); err != nil {
				return err
			}
			if v > 65535 {
				return fmt.Errorf("port %d out of range", v)
			}
			if f.num == 1 {
				p.ContainerPort = int(v)
			} else {
				p.HostPort = int(v)
			}
		case 3:
			p.HostIP, err = f.string()
		case 4:
			p.Protocol, err = f.string()
		}
		return err
	})
}
