/*
Package protocol defines the messages exchanged between a hutch node agent and
its controller, and how they travel over a transport session.

# Vocabulary

	Agent → Controller            Controller → Agent
	──────────────────            ──────────────────
	RegisterNode(Node)            CreatePod(PodTask)
	Heartbeat(nodeName)           DeletePod(name)
	Ack / Error(text)             Ack / Error(text)

Every message occupies exactly one unidirectional stream: the sender opens a
stream, writes the encoded message and finishes the stream; the receiver
accepts the stream and reads until end of stream. There is no length prefix.
Reads are bounded (DefaultMaxMessageSize unless configured otherwise) and an
oversized payload is reported as ErrMessageTooLarge instead of being cut short.

# Encoding

Messages use the protobuf wire format, written and parsed directly with
protowire. The envelope holds a single length-delimited field whose number is
the message Kind. Nested documents skip unknown fields, so new optional fields
can be added without coordinating releases.

# Usage

	if err := protocol.Send(ctx, sess, protocol.NewHeartbeat("node-1")); err != nil {
		logger.Warn().Err(err).Msg("Heartbeat failed")
	}

	stream, err := sess.AcceptStream(ctx)
	...
	msg, err := protocol.Read(stream, protocol.DefaultMaxMessageSize)
	if protocol.IsDecodeError(err) {
		// drop it, no reply
	}
*/
package protocol
