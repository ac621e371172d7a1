// Package transport implements C13: the inter-node wire protocol
// (spec.md §4.8/§6). Every message is a fixed header followed by a
// kind-dependent body; the header is serialised field-by-field with
// encoding/binary rather than cast from a struct, so its layout never
// depends on this process's alignment or padding rules.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Kind enumerates the message kinds spec.md §6 lists as the transport's
// superset. Encoded on the wire as a 4-byte little-endian value.
type Kind uint32

const (
	KindSearch Kind = iota + 1
	KindSearchReply
	KindInsertUpdate
	KindDelete
	KindSerialize
	KindGetInfo
	KindGetInfoReply
	KindCommit
	KindResetLog
	KindStatus
	KindLock
	KindLockAck
	KindLockReleased
	KindMoveToMe
	KindMoveAck
	KindMoveAbort
	KindMoveFinish
	KindMoveCleanup
	KindCopyToMe
	KindReadMetadata
	KindReadMetadataReply
	KindLoadBalancingReport
	KindLoadBalancingReply
	KindMergeNotification
	KindMergeAck
	KindSaveData
	KindSaveDataAck
	KindSaveMetadata
	KindSaveMetadataAck
	KindShutdown
	KindNewNodeReadMetadata
	KindNewNodeReadMetadataReply
	KindMMNotification
	KindNodeFailureNotification
	KindFeedback
	KindFeedbackReply
)

// Mask is the bitfield spec.md §4.8 says distinguishes a message's
// routing class: local vs. remote, discovery, data-plane request/
// reply, sharding, migration.
type Mask uint8

const (
	MaskLocal Mask = 1 << iota
	MaskRemote
	MaskDiscovery
	MaskDPRequest
	MaskDPReply
	MaskSharding
	MaskMigration
)

// headerSize is the 17 meaningful bytes spec.md §6 lists: kind(4) +
// mask(1) + size(4) + id(4) + reply(4). headerPadding pads the frame
// out to the documented 32-byte total.
const (
	headerSize    = 17
	headerPadding = 15
	frameSize     = headerSize + headerPadding
)

// Header is one frame's fixed-size envelope. A message id is assigned
// by the sender's own monotonic counter; ReplyTo names the request id
// a reply correlates with, or zero for a one-way message.
type Header struct {
	Kind    Kind
	Mask    Mask
	Size    uint32
	ID      uint32
	ReplyTo uint32
}

// encodeHeader serialises h into a fixed 32-byte frame header,
// field-by-field, so the wire layout never depends on struct padding
// or this process's byte order (spec.md §6: "never memcpy'd as a
// struct, to survive alignment differences").
func encodeHeader(h Header) []byte {
	buf := make([]byte, frameSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Kind))
	buf[4] = byte(h.Mask)
	binary.LittleEndian.PutUint32(buf[5:9], h.Size)
	binary.LittleEndian.PutUint32(buf[9:13], h.ID)
	binary.LittleEndian.PutUint32(buf[13:17], h.ReplyTo)
	// buf[17:32] left zero: the documented padding.
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if len(buf) != frameSize {
		return Header{}, fmt.Errorf("transport: header frame must be %d bytes, got %d", frameSize, len(buf))
	}
	return Header{
		Kind:    Kind(binary.LittleEndian.Uint32(buf[0:4])),
		Mask:    Mask(buf[4]),
		Size:    binary.LittleEndian.Uint32(buf[5:9]),
		ID:      binary.LittleEndian.Uint32(buf[9:13]),
		ReplyTo: binary.LittleEndian.Uint32(buf[13:17]),
	}, nil
}

// WriteFrame writes h and body to w as a single frame: the 32-byte
// header followed by h.Size bytes of body. Callers needing
// writability timeouts should wrap w in a net.Conn with a write
// deadline set beforehand (spec.md §5: "transport send suspends on
// socket writability, configurable timeout").
func WriteFrame(w io.Writer, h Header, body []byte) error {
	h.Size = uint32(len(body))
	if _, err := w.Write(encodeHeader(h)); err != nil {
		return fmt.Errorf("transport: failed to write frame header: %w", err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("transport: failed to write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r: a fixed header, then exactly
// header.Size bytes of body. One call frames exactly one message, the
// unit the per-connection event loop callback processes per spec.md
// §4.8.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	raw := make([]byte, frameSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, err
	}
	h, err := decodeHeader(raw)
	if err != nil {
		return Header{}, nil, err
	}
	body := make([]byte, h.Size)
	if h.Size > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Header{}, nil, fmt.Errorf("transport: failed to read frame body: %w", err)
		}
	}
	return h, body, nil
}
