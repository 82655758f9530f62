package remote

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"
)

var le = binary.LittleEndian

// single-block buffers are by far the most common, recycle them.
var blockPool = sync.Pool{
	New: func() any {
		buf := make([]byte, BlockSize)
		return &buf
	},
}

// block is the shared allocation behind every handle of a message.
type block struct {
	refs atomic.Int32
	data []byte
}

func allocate(size int) []byte {
	if size == BlockSize {
		buf := *blockPool.Get().(*[]byte)
		clear(buf)
		return buf
	}
	return make([]byte, size)
}

func recycle(buf []byte) {
	if len(buf) == BlockSize && cap(buf) == BlockSize {
		blockPool.Put(&buf)
	}
}

// Message is a handle on a reference-counted, block-aligned buffer holding
// a remote header followed by a payload.
//
// Handles obtained with `Share` point to the same buffer, each of them MUST
// be released exactly once. The buffer is recycled when the last handle is
// released. The reference count is safe to use from any goroutine, but the
// content is not synchronised: a single holder should mutate it at a time.
//
// Slices returned by `Payload` or `Bytes` are views which are invalidated
// as soon as the buffer grows.
type Message struct {
	blk      *block
	released atomic.Bool
}

// NewMessage allocates an empty message able to hold `capacity` payload
// bytes, with every addressing field set to its ignore value.
func NewMessage(capacity int) (*Message, error) {
	if capacity < 0 || capacity > MaxMessageSize-HeaderSize {
		return nil, fmt.Errorf("%w: %d payload bytes requested", ErrTooLarge, capacity)
	}
	size := alignUp(HeaderSize + capacity)
	m := &Message{blk: &block{}}
	m.blk.refs.Store(1)
	m.blk.data = allocate(size)
	m.writeBufferHeader(size)
	m.resetRemoteHeader()
	return m, nil
}

// NewMessageFor allocates an empty message addressed with `h`.
func NewMessageFor(h Header, capacity int) (*Message, error) {
	m, err := NewMessage(capacity)
	if err != nil {
		return nil, err
	}
	m.SetHeader(h)
	return m, nil
}

// InitMessage wraps raw bytes received from a transport. The buffer
// header sizes must be consistent with the used bytes, the content is then
// copied into a freshly allocated buffer.
//
// The checksum is not verified, call `IsChecksumValid` before trusting
// the content.
func InitMessage(raw []byte) (*Message, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformed, len(raw))
	}
	if off := le.Uint32(raw[offOffset:]); off != HeaderSize {
		return nil, fmt.Errorf("%w: unexpected payload offset %d", ErrMalformed, off)
	}
	if bt := BufferType(raw[offBufType]); bt != BufferTypeRemote {
		return nil, fmt.Errorf("%w: unexpected buffer type %d", ErrMalformed, bt)
	}
	used := int(le.Uint32(raw[offUsed:]))
	if used > MaxMessageSize-HeaderSize {
		return nil, ErrTooLarge
	}
	if HeaderSize+used > len(raw) {
		return nil, fmt.Errorf("%w: header announces %d payload bytes, got %d", ErrMalformed, used, len(raw)-HeaderSize)
	}
	// the sender's buffer is block-aligned and holds the used bytes.
	bufSize := int(le.Uint32(raw[offBufSize:]))
	if bufSize%BlockSize != 0 || bufSize < HeaderSize+used || bufSize > MaxMessageSize {
		return nil, fmt.Errorf("%w: buffer size %d for %d payload bytes", ErrMalformed, bufSize, used)
	}
	if length := int(le.Uint32(raw[offLength:])); length != bufSize-HeaderSize {
		return nil, fmt.Errorf("%w: length %d does not match buffer size %d", ErrMalformed, length, bufSize)
	}

	size := alignUp(HeaderSize + used)
	m := &Message{blk: &block{}}
	m.blk.refs.Store(1)
	m.blk.data = allocate(size)
	copy(m.blk.data, raw[:HeaderSize+used])
	m.writeBufferHeader(size)
	return m, nil
}

func (m *Message) data() []byte {
	if m == nil || m.released.Load() {
		return nil
	}
	return m.blk.data
}

func (m *Message) writeBufferHeader(size int) {
	d := m.blk.data
	le.PutUint32(d[offBufSize:], uint32(size))
	le.PutUint32(d[offLength:], uint32(size-HeaderSize))
	le.PutUint32(d[offOffset:], HeaderSize)
	d[offBufType] = byte(BufferTypeRemote)
}

func (m *Message) resetRemoteHeader() {
	d := m.blk.data
	le.PutUint32(d[offUsed:], 0)
	le.PutUint64(d[offTarget:], TargetIgnore)
	le.PutUint32(d[offChecksum:], 0)
	le.PutUint64(d[offSource:], SourceIgnore)
	le.PutUint32(d[offMsgID:], MsgIgnore)
	le.PutUint32(d[offResult:], ResultIgnore)
	le.PutUint32(d[offSequence:], SeqIgnore)
}

// Share acquires a new handle on the same buffer.
func (m *Message) Share() *Message {
	if m.data() == nil {
		return nil
	}
	m.blk.refs.Add(1)
	return &Message{blk: m.blk}
}

// Release drops this handle. Releasing a handle twice is a no-op.
func (m *Message) Release() {
	if m == nil || !m.released.CompareAndSwap(false, true) {
		return
	}
	if m.blk.refs.Add(-1) == 0 {
		buf := m.blk.data
		m.blk.data = nil
		recycle(buf)
	}
}

// Refs returns how many live handles share the buffer.
func (m *Message) Refs() int {
	if m.data() == nil {
		return 0
	}
	return int(m.blk.refs.Load())
}

// Reserve re-initialises the buffer so that it can hold `capacity` payload
// bytes. When `keep` is set, the used payload and the remote header are
// carried over (the payload is truncated if it does not fit), otherwise
// every addressing field is reset to its ignore value.
//
// If the allocation is refused, the current buffer is left untouched.
func (m *Message) Reserve(capacity int, keep bool) error {
	old := m.data()
	if old == nil {
		return ErrReleased
	}
	if capacity < 0 || capacity > MaxMessageSize-HeaderSize {
		return fmt.Errorf("%w: %d payload bytes requested", ErrTooLarge, capacity)
	}

	size := alignUp(HeaderSize + capacity)
	buf := allocate(size)
	if keep {
		used := min(int(le.Uint32(old[offUsed:])), capacity)
		copy(buf, old[:HeaderSize+used])
		le.PutUint32(buf[offUsed:], uint32(used))
	}

	m.blk.data = buf
	m.writeBufferHeader(size)
	if !keep {
		m.resetRemoteHeader()
	}
	return nil
}

// Capacity is the number of payload bytes the buffer can hold without
// growing.
func (m *Message) Capacity() int {
	d := m.data()
	if d == nil {
		return 0
	}
	return len(d) - HeaderSize
}

// Used is the number of payload bytes.
func (m *Message) Used() int {
	d := m.data()
	if d == nil {
		return 0
	}
	return int(le.Uint32(d[offUsed:]))
}

func (m *Message) grow(n int) error {
	used := m.Used()
	if used+n <= m.Capacity() {
		return nil
	}
	return m.Reserve(used+n, true)
}

// Write appends p to the payload, growing the buffer to the next block
// multiple when needed.
func (m *Message) Write(p []byte) (int, error) {
	if m.data() == nil {
		return 0, ErrReleased
	}
	if err := m.grow(len(p)); err != nil {
		return 0, err
	}
	d := m.blk.data
	used := int(le.Uint32(d[offUsed:]))
	copy(d[HeaderSize+used:], p)
	le.PutUint32(d[offUsed:], uint32(used+len(p)))
	return len(p), nil
}

// Trim shrinks the payload to n bytes. It never reallocates.
func (m *Message) Trim(n int) {
	d := m.data()
	if d == nil || n < 0 {
		return
	}
	if n < int(le.Uint32(d[offUsed:])) {
		le.PutUint32(d[offUsed:], uint32(n))
	}
}

// Payload returns a view on the used payload.
func (m *Message) Payload() []byte {
	d := m.data()
	if d == nil {
		return nil
	}
	return d[HeaderSize : HeaderSize+int(le.Uint32(d[offUsed:]))]
}

// Bytes returns a view on the wire image: the header followed by the used
// payload.
func (m *Message) Bytes() []byte {
	d := m.data()
	if d == nil {
		return nil
	}
	return d[:HeaderSize+int(le.Uint32(d[offUsed:]))]
}

// Header returns the addressing fields.
func (m *Message) Header() Header {
	d := m.data()
	if d == nil {
		return Header{}
	}
	return Header{
		Target:    le.Uint64(d[offTarget:]),
		Source:    le.Uint64(d[offSource:]),
		MessageID: le.Uint32(d[offMsgID:]),
		Result:    le.Uint32(d[offResult:]),
		Sequence:  le.Uint32(d[offSequence:]),
	}
}

// SetHeader overwrites the addressing fields.
func (m *Message) SetHeader(h Header) {
	d := m.data()
	if d == nil {
		return
	}
	le.PutUint64(d[offTarget:], h.Target)
	le.PutUint64(d[offSource:], h.Source)
	le.PutUint32(d[offMsgID:], h.MessageID)
	le.PutUint32(d[offResult:], h.Result)
	le.PutUint32(d[offSequence:], h.Sequence)
}

func (m *Message) Target() uint64 { return m.Header().Target }

func (m *Message) Source() uint64 { return m.Header().Source }

func (m *Message) MessageID() uint32 { return m.Header().MessageID }

func (m *Message) Result() uint32 { return m.Header().Result }

func (m *Message) Sequence() uint32 { return m.Header().Sequence }

// Type returns the buffer type tag.
func (m *Message) Type() BufferType {
	d := m.data()
	if d == nil {
		return BufferTypeUnknown
	}
	return BufferType(d[offBufType])
}

// BufferSize is the size announced in the buffer header. It is only
// meaningful after `BufferCompletionFix`.
func (m *Message) BufferSize() int {
	d := m.data()
	if d == nil {
		return 0
	}
	return int(le.Uint32(d[offBufSize:]))
}

// Checksum returns the stored checksum.
func (m *Message) Checksum() uint32 {
	d := m.data()
	if d == nil {
		return 0
	}
	return le.Uint32(d[offChecksum:])
}

func (m *Message) computeChecksum() uint32 {
	d := m.blk.data
	used := int(le.Uint32(d[offUsed:]))
	return crc32.ChecksumIEEE(d[ChecksumStart : HeaderSize+used])
}

// BufferCompletionFix MUST be called once before handing the message to a
// transport. It sizes the buffer header after the used bytes and stores
// the checksum.
func (m *Message) BufferCompletionFix() {
	d := m.data()
	if d == nil {
		return
	}
	size := alignUp(HeaderSize + int(le.Uint32(d[offUsed:])))
	le.PutUint32(d[offBufSize:], uint32(size))
	le.PutUint32(d[offLength:], uint32(size-HeaderSize))
	le.PutUint32(d[offChecksum:], m.computeChecksum())
}

// IsChecksumValid recomputes the checksum and compares it with the stored
// one.
func (m *Message) IsChecksumValid() bool {
	d := m.data()
	if d == nil {
		return false
	}
	return le.Uint32(d[offChecksum:]) == m.computeChecksum()
}

// Clone returns an independent message with the same payload and message
// id, addressed from `source` to `target`, ready to be sent.
func (m *Message) Clone(source, target uint64) (*Message, error) {
	wire := m.Bytes()
	if wire == nil {
		return nil, ErrReleased
	}
	size := alignUp(len(wire))
	clone := &Message{blk: &block{}}
	clone.blk.refs.Store(1)
	clone.blk.data = allocate(size)
	copy(clone.blk.data, wire)
	clone.writeBufferHeader(size)
	le.PutUint64(clone.blk.data[offSource:], source)
	le.PutUint64(clone.blk.data[offTarget:], target)
	clone.BufferCompletionFix()
	return clone, nil
}

// Verify is `IsChecksumValid` returning an error suitable for wrapping.
func (m *Message) Verify() error {
	if m.data() == nil {
		return ErrReleased
	}
	if !m.IsChecksumValid() {
		return fmt.Errorf("%w: stored %#08x", ErrChecksum, m.Checksum())
	}
	return nil
}
