package remote

import "errors"

var (
	ErrTooLarge     = errors.New("remote: message exceeds the maximum size")
	ErrMalformed    = errors.New("remote: malformed message header")
	ErrReleased     = errors.New("remote: message already released")
	ErrShortPayload = errors.New("remote: payload too short")
	ErrChecksum     = errors.New("remote: checksum mismatch")
)

// Byte layout of a message. Fields follow the natural alignment of the
// C structures used by peers, in little-endian order:
//
//	buffer header  {bufSize:u32, length:u32, offset:u32, bufType:i8, used:u32}
//	remote header  {target:u64, checksum:u32, source:u64, messageId:u32,
//	                result:u32, sequenceNr:u32}
//	payload        at offset
const (
	offBufSize  = 0
	offLength   = 4
	offOffset   = 8
	offBufType  = 12
	offUsed     = 16
	offTarget   = 24
	offChecksum = 32
	offSource   = 40
	offMsgID    = 48
	offResult   = 52
	offSequence = 56

	// HeaderSize is the offset of the payload.
	HeaderSize = 64

	// ChecksumStart is where the checksummed range starts. Buffer
	// management fields, the target and the checksum itself are excluded.
	ChecksumStart = offSource
)

const (
	// BlockSize is the allocation granularity of message buffers.
	BlockSize = 512

	// MaxMessageSize bounds any single allocation, header included.
	MaxMessageSize = 64 << 20
)

// BufferType tags the kind of buffer in the buffer header.
type BufferType int8

const (
	BufferTypeUnknown  BufferType = 0
	BufferTypeInternal BufferType = 1
	BufferTypeRemote   BufferType = 2
)

// Values written in the remote header when a buffer is initialised without
// copying the previous one.
const (
	TargetIgnore uint64 = 0
	SourceIgnore uint64 = 0
	MsgIgnore    uint32 = 0
	ResultIgnore uint32 = 0
	SeqIgnore    uint32 = 0xFFFFFFFF
)

// Header is the addressing part of the remote header.
type Header struct {
	Target    uint64
	Source    uint64
	MessageID uint32
	Result    uint32
	Sequence  uint32
}

func alignUp(size int) int {
	if size <= 0 {
		return BlockSize
	}
	return (size + BlockSize - 1) / BlockSize * BlockSize
}
