// Package bufwriter decouples measurement producers from the network.
// A bounded chain of byte chunks absorbs bursts; a single drain
// goroutine pushes the oldest chunk into an OutStream, reconnecting
// and retrying as needed. Under back-pressure the oldest measurement
// data is dropped; metadata never is.
package bufwriter

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmeasure/pointhouse/core/outstream"
)

const (
	minChunkSize    = 1 << 10
	defaultChainLen = 8

	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 4 * time.Second

	// CloseFlushDeadline bounds the final drain on Close; bytes still
	// queued after it are dropped.
	CloseFlushDeadline = 2 * time.Second

	debug = false
)

var (
	pushedBytes   int64
	droppedBytes  int64
	droppedChunks int64
)

// Writer is a bounded producer/consumer byte queue with a dedicated
// drain goroutine. Multiple producers may call Push concurrently; the
// chain structure is protected by one mutex and the two condition
// variables coordinate data-available and space-available.
type Writer struct {
	mu         sync.Mutex
	dataAvail  *sync.Cond
	spaceAvail *sync.Cond

	out outstream.OutStream

	head, tail *chunk
	freeList   *chunk
	nchunks    int
	chunkSize  int
	queueCap   int
	queued     int // undrained bytes, including any chunk held by the drain task

	meta []byte // metadata prologue, replayed on every fresh stream

	active    bool
	bufLocked bool
	stopCh    chan struct{}
	drainDone chan struct{}
}

// New creates a BufferedWriter draining into out and starts the drain
// goroutine. The writer owns out from here on. queueCapacity is in
// bytes; chainLen is the chunk-count ceiling the capacity is split
// into.
func New(out outstream.OutStream, queueCapacity int, chainLen int) *Writer {
	if chainLen <= 0 {
		chainLen = defaultChainLen
	}

	chunkSize := queueCapacity / chainLen
	if chunkSize < minChunkSize {
		chunkSize = minChunkSize
	}
	if queueCapacity < chunkSize {
		queueCapacity = chunkSize
	}

	w := &Writer{
		out:       out,
		chunkSize: chunkSize,
		queueCap:  queueCapacity,
		active:    true,
		stopCh:    make(chan struct{}),
		drainDone: make(chan struct{}),
	}
	w.dataAvail = sync.NewCond(&w.mu)
	w.spaceAvail = sync.NewCond(&w.mu)

	go w.drainLoop()

	return w
}

// Push appends measurement data, blocking until the queue has room.
// Returns the number of bytes accepted.
func (w *Writer) Push(data []byte) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	// a single push bigger than the whole queue is admitted once the
	// queue is empty rather than blocking forever
	need := len(data)
	if need > w.queueCap {
		need = w.queueCap
	}

	for w.active && w.queued+need > w.queueCap {
		w.spaceAvail.Wait()
	}
	if !w.active {
		return 0
	}

	n := w.writeLocked(data, false)
	atomic.AddInt64(&pushedBytes, int64(n))
	w.dataAvail.Signal()
	return n
}

// PushAsync appends measurement data without blocking. If the queue is
// full, the oldest undrained measurement chunks are discarded to make
// room; metadata chunks are never touched. Returns the number of bytes
// actually stored, possibly zero.
func (w *Writer) PushAsync(data []byte) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active {
		return 0
	}

	if w.queued+len(data) > w.queueCap {
		w.evictLocked(w.queued + len(data) - w.queueCap)
	}

	room := w.queueCap - w.queued
	if room <= 0 {
		atomic.AddInt64(&droppedBytes, int64(len(data)))
		return 0
	}
	if room < len(data) {
		atomic.AddInt64(&droppedBytes, int64(len(data)-room))
		data = data[:room]
	}

	n := w.writeLocked(data, false)
	atomic.AddInt64(&pushedBytes, int64(n))
	w.dataAvail.Signal()
	return n
}

// PushMeta appends header/schema bytes. They are recorded into the
// metadata prologue (replayed on every stream (re)open) and enqueued
// in-band. Metadata is exempt from back-pressure drops; when the chain
// is full the caller blocks instead.
func (w *Writer) PushMeta(data []byte) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	need := len(data)
	if need > w.queueCap {
		need = w.queueCap
	}

	for w.active && w.queued+need > w.queueCap {
		w.spaceAvail.Wait()
	}
	if !w.active {
		return 0
	}

	w.meta = append(w.meta, data...)

	n := w.writeLocked(data, true)
	atomic.AddInt64(&pushedBytes, int64(n))
	w.dataAvail.Signal()
	return n
}

// Close flushes pending bytes (bounded by CloseFlushDeadline), stops
// the drain goroutine and releases the stream.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	w.active = false
	w.mu.Unlock()

	w.dataAvail.Broadcast()
	w.spaceAvail.Broadcast()

	select {
	case <-w.drainDone:
	case <-time.After(CloseFlushDeadline):
		close(w.stopCh)
		<-w.drainDone
	}

	if err := w.out.Close(); err != nil {
		log.Printf("Could not close out stream: %s", err.Error())
	}
}

// writeLocked copies data into the chain head, allocating chunks as
// needed. Chunks are type-pure: metadata and measurement bytes never
// share one, so eviction can reclaim whole measurement chunks.
func (w *Writer) writeLocked(data []byte, meta bool) int {
	total := len(data)

	for len(data) > 0 {
		h := w.head
		if h == nil || h.meta != meta || h.room() == 0 {
			h = w.allocChunk(meta)
			w.appendHead(h)
		}

		n := h.room()
		if n > len(data) {
			n = len(data)
		}
		h.buf = append(h.buf, data[:n]...)
		data = data[n:]
		w.queued += n
	}

	return total
}

// evictLocked reclaims at least need bytes by discarding the oldest
// measurement chunks. Stops early when only metadata is left.
func (w *Writer) evictLocked(need int) {
	c := w.tail
	for need > 0 && c != nil {
		next := c.next
		if !c.meta {
			freed := c.unread()
			w.unlink(c)
			w.recycleChunk(c)
			need -= freed
			atomic.AddInt64(&droppedBytes, int64(freed))
			atomic.AddInt64(&droppedChunks, 1)
			if debug {
				log.Printf("Dropped %d bytes of measurement data (queue full)", freed)
			}
		}
		c = next
	}
}

func (w *Writer) drainLoop() {
	defer close(w.drainDone)

	backoff := initialBackoff

	for {
		w.mu.Lock()
		for w.tail == nil && w.active {
			w.dataAvail.Wait()
		}
		if w.tail == nil && !w.active {
			w.mu.Unlock()
			return
		}
		c := w.detachTail()
		sz := c.unread()
		header := w.meta
		w.mu.Unlock()

		w.drainChunk(c, header, &backoff)

		// every byte of the chunk has now either been delivered or
		// dropped, so its whole unread size leaves the queue
		w.mu.Lock()
		w.queued -= sz
		w.recycleChunk(c)
		w.mu.Unlock()
		w.spaceAvail.Broadcast()
	}
}

// drainChunk writes one chunk to the stream, retrying recoverable
// errors with capped exponential back-off. It returns once the chunk
// is delivered, abandoned on a permanent error, or interrupted by
// Close's deadline. The metadata prologue is passed as the stream
// header so a freshly (re)opened stream replays it first.
func (w *Writer) drainChunk(c *chunk, header []byte, backoff *time.Duration) {
	for c.unread() > 0 {
		n, err := w.out.Write(c.buf[c.rd:], header)
		c.rd += n

		if err == nil {
			*backoff = initialBackoff
			continue
		}

		if !outstream.IsRecoverable(err) {
			log.Printf("Dropping %d bytes: %s", c.unread(), err.Error())
			atomic.AddInt64(&droppedBytes, int64(c.unread()))
			c.rd = len(c.buf)
			return
		}

		if debug {
			log.Printf("Recoverable write error, retrying in %s: %s", *backoff, err.Error())
		}

		select {
		case <-time.After(*backoff):
		case <-w.stopCh:
			atomic.AddInt64(&droppedBytes, int64(c.unread()))
			c.rd = len(c.buf)
			return
		}

		*backoff *= 2
		if *backoff > maxBackoff {
			*backoff = maxBackoff
		}
	}
}

// GetWriteBuf gives the adjacent encoding layer raw access to the
// chain head so it can format records in place. With exclusive set,
// the writer lock is held until UnlockBuf.
func (w *Writer) GetWriteBuf(exclusive bool) *WriteBuf {
	if exclusive {
		w.mu.Lock()
		w.bufLocked = true
	}
	return &WriteBuf{w: w, exclusive: exclusive}
}

// UnlockBuf releases an exclusive write buffer and wakes the drain
// task so freshly formatted bytes get sent.
func (w *Writer) UnlockBuf() {
	if w.bufLocked {
		w.bufLocked = false
		w.dataAvail.Signal()
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.dataAvail.Signal()
	w.mu.Unlock()
}

// WriteBuf is raw append access to the head chunk.
type WriteBuf struct {
	w         *Writer
	exclusive bool
}

// Append copies data into the chain as measurement bytes, bypassing
// back-pressure; callers using it are expected to format whole records
// and then call UnlockBuf.
func (b *WriteBuf) Append(data []byte) int {
	if b.exclusive {
		return b.w.writeLocked(data, false)
	}

	b.w.mu.Lock()
	defer b.w.mu.Unlock()
	return b.w.writeLocked(data, false)
}

// AddStats fills stats keys describing the writer state.
func AddStats(m map[string]string) {
	m["BW_bytes_pushed"] = fmt.Sprint(atomic.LoadInt64(&pushedBytes))
	m["BW_bytes_dropped"] = fmt.Sprint(atomic.LoadInt64(&droppedBytes))
	m["BW_chunks_dropped"] = fmt.Sprint(atomic.LoadInt64(&droppedChunks))
}
