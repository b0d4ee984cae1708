package supervisor

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// boundedBuffer accumulates a child's stream up to a byte cap, recording the
// arrival time of every chunk for the progress timer. Bytes past the cap are
// read and discarded so the child never blocks on a full pipe.
type boundedBuffer struct {
	mu         sync.Mutex
	buf        []byte
	max        int
	truncated  bool
	lastOutput *atomic.Int64
}

func newBoundedBuffer(max int, lastOutput *atomic.Int64) *boundedBuffer {
	return &boundedBuffer{max: max, lastOutput: lastOutput}
}

func (b *boundedBuffer) consume(r io.Reader) {
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			b.lastOutput.Store(time.Now().UnixNano())
			b.append(chunk[:n])
		}
		if err != nil {
			return
		}
	}
}

func (b *boundedBuffer) append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - len(b.buf)
	if room <= 0 {
		b.truncated = true
		return
	}
	if len(p) > room {
		p = p[:room]
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
