package protocol

import (
	"fmt"

	"github.com/cuemby/hutch/pkg/types"
)

// Kind identifies the variant carried by a Message. The value doubles as the
// envelope field number on the wire.
type Kind uint8

const (
	KindRegisterNode Kind = 1
	KindHeartbeat    Kind = 2
	KindCreatePod    Kind = 3
	KindDeletePod    Kind = 4
	KindAck          Kind = 5
	KindError        Kind = 6
)

func (k Kind) String() string {
	switch k {
	case KindRegisterNode:
		return "RegisterNode"
	case KindHeartbeat:
		return "Heartbeat"
	case KindCreatePod:
		return "CreatePod"
	case KindDeletePod:
		return "DeletePod"
	case KindAck:
		return "Ack"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is one command or reply exchanged between agent and controller.
// Only the fields belonging to Kind are meaningful.
type Message struct {
	Kind Kind

	// RegisterNode
	Node *types.Node

	// Heartbeat
	NodeName string

	// CreatePod
	Pod *types.PodTask

	// DeletePod
	PodName string

	// Error
	Error string
}

func NewRegisterNode(node *types.Node) *Message {
	return &Message{Kind: KindRegisterNode, Node: node}
}

func NewHeartbeat(nodeName string) *Message {
	return &Message{Kind: KindHeartbeat, NodeName: nodeName}
}

func NewCreatePod(pod *types.PodTask) *Message {
	return &Message{Kind: KindCreatePod, Pod: pod}
}

func NewDeletePod(name string) *Message {
	return &Message{Kind: KindDeletePod, PodName: name}
}

func NewAck() *Message {
	return &Message{Kind: KindAck}
}

// NewError builds an Error reply with a formatted message
func NewError(format string, args ...interface{}) *Message {
	return &Message{Kind: KindError, Error: fmt.Sprintf(format, args...)}
}

func (m *Message) String() string {
	switch m.Kind {
	case KindRegisterNode:
		if m.Node != nil {
			return fmt.Sprintf("RegisterNode(%s)", m.Node.Name())
		}
	case KindHeartbeat:
		return fmt.Sprintf("Heartbeat(%s)", m.NodeName)
	case KindCreatePod:
		if m.Pod != nil {
			return fmt.Sprintf("CreatePod(%s)", m.Pod.Name())
		}
	case KindDeletePod:
		return fmt.Sprintf("DeletePod(%s)", m.PodName)
	case KindError:
		return fmt.Sprintf("Error(%s)", m.Error)
	}
	return m.Kind.String()
}
