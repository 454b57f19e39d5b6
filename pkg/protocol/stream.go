package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cuemby/hutch/pkg/errdefs"
)

// DefaultMaxMessageSize bounds how much a receiver reads from one stream.
const DefaultMaxMessageSize int64 = 64 << 10

// ErrMessageTooLarge is returned when a stream carries more than the
// configured maximum. The payload is dropped, never truncated and decoded.
var ErrMessageTooLarge = fmt.Errorf("%w: message too large", errdefs.ErrProtocol)

// StreamOpener opens outbound one-shot streams. Closing the returned writer
// finishes the stream.
type StreamOpener interface {
	OpenStream(ctx context.Context) (io.WriteCloser, error)
}

// StreamAcceptor accepts inbound one-shot streams.
type StreamAcceptor interface {
	AcceptStream(ctx context.Context) (io.ReadCloser, error)
}

// Send writes msg on a new stream and finishes it.
func Send(ctx context.Context, opener StreamOpener, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return errdefs.Protocol("failed to encode %s: %w", msg.Kind, err)
	}

	stream, err := opener.OpenStream(ctx)
	if err != nil {
		return errdefs.Transport("failed to open stream: %w", err)
	}
	if _, err := stream.Write(data); err != nil {
		stream.Close()
		return errdefs.Transport("failed to write %s: %w", msg.Kind, err)
	}
	if err := stream.Close(); err != nil {
		return errdefs.Transport("failed to finish stream: %w", err)
	}
	return nil
}

// Read consumes r to end of stream and decodes one message. At most max
// bytes are accepted; max <= 0 selects DefaultMaxMessageSize.
func Read(r io.Reader, max int64) (*Message, error) {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, errdefs.Transport("failed to read stream: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrMessageTooLarge, max)
	}
	return Decode(data)
}

// Receive accepts the next inbound stream and decodes it. Accept failures
// are transport errors; everything after that is reported by Read.
func Receive(ctx context.Context, acceptor StreamAcceptor, max int64) (*Message, error) {
	stream, err := acceptor.AcceptStream(ctx)
	if err != nil {
		return nil, errdefs.Transport("failed to accept stream: %w", err)
	}
	defer stream.Close()
	return Read(stream, max)
}

// IsDecodeError reports whether err came from a malformed or oversized
// payload rather than from the transport.
func IsDecodeError(err error) bool {
	return errors.Is(err, errdefs.ErrProtocol)
}
