// Package framer implements the per-TCP-connection wire framing: a
// varint-prefixed read path and a non-blocking, bounded write path. It owns
// no socket lifecycle decisions beyond reading and writing bytes; the
// reactor decides what to do with a closed or errored Framer.
package framer

import (
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"netd/internal/pkg/buffer"
	"netd/internal/wire"
)

var (
	// ErrBufferOverflow is returned by Send when the encoded object does not
	// fit in the remaining free space of the write buffer. The caller must
	// treat this as fatal and close the connection.
	ErrBufferOverflow = errors.New("framer: write buffer overflow")
	// ErrFraming is returned by Decode when a length prefix exceeds the
	// configured object buffer size.
	ErrFraming = errors.New("framer: frame exceeds object buffer size")
)

// Framer owns one non-blocking stream socket's read and write buffers and
// implements the varint length-prefixed object framing described by the
// wire package.
type Framer struct {
	fd    int
	codec *wire.Codec

	objectBufferSize int

	// readBuf accumulates bytes read from the socket that have not yet been
	// assembled into a complete object. It starts with room for
	// objectBufferSize plus the longest possible varint prefix and grows when
	// more bytes than that arrive before they are decoded.
	readBuf []byte

	writeMu  sync.Mutex
	writeBuf []byte // queued, not-yet-written bytes
	writeCap int

	lastProtocolError error

	mu              sync.Mutex
	lastReadTime    time.Time
	lastWriteTime   time.Time
	keepAliveMillis int64
	timeoutMillis   int64

	// bytesRead/bytesWritten accumulate payload bytes moved across the
	// socket since the last Take* call, for metrics sampling.
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// New constructs a Framer over fd with the given buffer sizes, using codec
// to serialize and deserialize application objects.
func New(fd int, codec *wire.Codec, objectBufferSize, writeBufferSize int) *Framer {
	now := time.Now()
	return &Framer{
		fd:               fd,
		codec:            codec,
		objectBufferSize: objectBufferSize,
		readBuf:          make([]byte, 0, objectBufferSize+wire.MaxVarintLen),
		writeCap:         writeBufferSize,
		lastReadTime:     now,
		lastWriteTime:    now,
		keepAliveMillis:  8000,
		timeoutMillis:    12000,
	}
}

// SetTimers overrides the default keep-alive and timeout intervals.
func (f *Framer) SetTimers(keepAliveMillis, timeoutMillis int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAliveMillis = keepAliveMillis
	f.timeoutMillis = timeoutMillis
}

// NeedsKeepAlive reports whether a keep-alive filler should be sent: keep-alive
// is enabled, the connection has been quiet longer than the interval, and the
// write buffer is currently empty (nothing else is already in flight).
func (f *Framer) NeedsKeepAlive(now time.Time) bool {
	f.mu.Lock()
	interval := f.keepAliveMillis
	last := f.lastWriteTime
	f.mu.Unlock()
	if interval <= 0 {
		return false
	}
	if now.Sub(last) <= time.Duration(interval)*time.Millisecond {
		return false
	}
	return f.PendingWriteBytes() == 0
}

// IsTimedOut reports whether the connection has gone too long without a read.
func (f *Framer) IsTimedOut(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timeoutMillis <= 0 {
		return false
	}
	return now.Sub(f.lastReadTime).Milliseconds() > f.timeoutMillis
}

func (f *Framer) touchRead(now time.Time) {
	f.mu.Lock()
	f.lastReadTime = now
	f.mu.Unlock()
}

func (f *Framer) touchWrite(now time.Time) {
	f.mu.Lock()
	f.lastWriteTime = now
	f.mu.Unlock()
}

// Fd returns the underlying file descriptor, for reactor registration.
func (f *Framer) Fd() int { return f.fd }

// LastProtocolError returns the most recent deserialization failure, if any.
func (f *Framer) LastProtocolError() error { return f.lastProtocolError }

// ReadableOnce performs exactly one non-blocking read(2) call, appending
// whatever bytes were available to the internal read buffer. It returns
// io.EOF-equivalent via a bool: ok=false with err=nil means the socket would
// block (no more data right now); ok=false with non-nil err means the
// connection must be closed.
func (f *Framer) ReadableOnce() (ok bool, err error) {
	chunkPtr := buffer.TPool.Get().(*[]byte)
	defer buffer.TPool.Put(chunkPtr)
	chunk := *chunkPtr

	n, rerr := syscall.Read(f.fd, chunk)
	if n > 0 {
		f.readBuf = append(f.readBuf, chunk[:n]...)
		f.touchRead(time.Now())
		f.bytesRead.Add(uint64(n))
	}
	if rerr != nil {
		if rerr == syscall.EAGAIN || rerr == syscall.EWOULDBLOCK {
			return n > 0, nil
		}
		return false, rerr
	}
	if n == 0 {
		return false, errConnClosed
	}
	return true, nil
}

var errConnClosed = errors.New("framer: peer closed connection")

// Decode attempts to assemble and decode exactly one object from the
// current read buffer. It returns (nil, false, nil) when the buffer does
// not yet hold a complete frame ("no-object-yet"); the caller should wait
// for more readiness events. A non-nil error means the connection must be
// closed; for a deserialization failure the error is also recorded in
// LastProtocolError.
func (f *Framer) Decode() (obj any, ok bool, err error) {
	length, prefixLen, complete, verr := wire.DecodeVarint(f.readBuf)
	if verr != nil {
		return nil, false, ErrFraming
	}
	if !complete {
		return nil, false, nil
	}
	if int(length) > f.objectBufferSize {
		return nil, false, ErrFraming
	}
	total := prefixLen + int(length)
	if len(f.readBuf) < total {
		return nil, false, nil
	}

	payload := f.readBuf[prefixLen:total]
	obj, derr := f.codec.Deserialize(payload)
	// Slide the consumed bytes out regardless of decode success so a bad
	// frame does not wedge the stream forever on a retry.
	remaining := len(f.readBuf) - total
	copy(f.readBuf, f.readBuf[total:])
	f.readBuf = f.readBuf[:remaining]

	if derr != nil {
		f.lastProtocolError = derr
		return nil, false, derr
	}
	return obj, true, nil
}

// Send serializes obj, queues the framed bytes for the socket, and attempts
// an immediate non-blocking write if the write buffer was previously empty.
// It returns the number of payload bytes queued/written, or an error if the
// object does not fit in the remaining write buffer capacity.
func (f *Framer) Send(obj any) (int, error) {
	payload, err := f.codec.Serialize(obj)
	if err != nil {
		return 0, err
	}

	prefixLen := wire.VarintLen(uint32(len(payload)))
	frame := make([]byte, prefixLen+len(payload))
	wire.PutVarint(frame, uint32(len(payload)))
	copy(frame[prefixLen:], payload)

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if len(f.writeBuf)+len(frame) > f.writeCap {
		return 0, ErrBufferOverflow
	}
	wasEmpty := len(f.writeBuf) == 0
	f.writeBuf = append(f.writeBuf, frame...)

	if wasEmpty {
		if werr := f.drainLocked(); werr != nil {
			return 0, werr
		}
	}
	return len(payload), nil
}

// WriteOperation drains the write buffer to the socket on write-readiness.
// It returns true once the buffer has fully emptied (the caller should then
// deregister write interest).
func (f *Framer) WriteOperation() (drained bool, err error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	if derr := f.drainLocked(); derr != nil {
		return false, derr
	}
	return len(f.writeBuf) == 0, nil
}

// drainLocked performs non-blocking write(2) calls until the socket would
// block or the buffer empties. Caller must hold writeMu.
func (f *Framer) drainLocked() error {
	for len(f.writeBuf) > 0 {
		n, err := syscall.Write(f.fd, f.writeBuf)
		if n > 0 {
			f.writeBuf = f.writeBuf[n:]
			f.touchWrite(time.Now())
			f.bytesWritten.Add(uint64(n))
		}
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

// TakeBytesRead returns the payload bytes read since the last call and
// resets the counter, for periodic metrics sampling.
func (f *Framer) TakeBytesRead() uint64 { return f.bytesRead.Swap(0) }

// TakeBytesWritten returns the payload bytes written since the last call and
// resets the counter, for periodic metrics sampling.
func (f *Framer) TakeBytesWritten() uint64 { return f.bytesWritten.Swap(0) }

// PendingWriteBytes reports how many bytes are currently queued but not yet
// written, for isIdle calculations.
func (f *Framer) PendingWriteBytes() int {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return len(f.writeBuf)
}

// WriteCapacity returns the configured write buffer size.
func (f *Framer) WriteCapacity() int { return f.writeCap }

// IsIdle reports whether the fraction of the write buffer currently in use
// is below threshold.
func (f *Framer) IsIdle(threshold float64) bool {
	if f.writeCap == 0 {
		return true
	}
	used := f.PendingWriteBytes()
	return float64(used)/float64(f.writeCap) < threshold
}
