package audio

import "time"

const (
	// DefaultMinChunk is the shortest chunk forwarded to a provider
	DefaultMinChunk = 50 * time.Millisecond
	// DefaultMaxChunk is the longest chunk forwarded to a provider
	DefaultMaxChunk = 1000 * time.Millisecond
)

// Chunker regroups arbitrarily sized client frames into provider-sized
// chunks of whole samples between a minimum and maximum duration.
// It is not safe for concurrent use; the bridge writer goroutine owns it.
type Chunker struct {
	format   Format
	minBytes int
	maxBytes int
	buf      []byte
}

// NewChunker creates a chunker for the given format and duration window
func NewChunker(format Format, minChunk, maxChunk time.Duration) *Chunker {
	if minChunk <= 0 {
		minChunk = DefaultMinChunk
	}
	if maxChunk < minChunk {
		maxChunk = minChunk
	}

	minBytes := format.BytesFor(minChunk)
	maxBytes := format.BytesFor(maxChunk)
	if minBytes < format.BytesPerSample() {
		minBytes = format.BytesPerSample()
	}
	if maxBytes < minBytes {
		maxBytes = minBytes
	}

	return &Chunker{
		format:   format,
		minBytes: minBytes,
		maxBytes: maxBytes,
		buf:      make([]byte, 0, maxBytes),
	}
}

// Push appends a frame and returns every chunk that is now ready.
// Returned slices are owned by the caller.
func (c *Chunker) Push(frame []byte) [][]byte {
	c.buf = append(c.buf, frame...)

	var out [][]byte
	for len(c.buf) >= c.minBytes {
		n := len(c.buf)
		if n > c.maxBytes {
			n = c.maxBytes
		}
		n -= n % c.format.BytesPerSample()
		if n == 0 {
			break
		}
		out = append(out, c.take(n))
	}
	return out
}

// Flush returns any buffered whole samples regardless of the minimum
func (c *Chunker) Flush() []byte {
	n := len(c.buf) - len(c.buf)%c.format.BytesPerSample()
	if n == 0 {
		return nil
	}
	return c.take(n)
}

// Buffered returns the number of bytes waiting for the next chunk
func (c *Chunker) Buffered() int {
	return len(c.buf)
}

func (c *Chunker) take(n int) []byte {
	chunk := make([]byte, n)
	copy(chunk, c.buf[:n])
	c.buf = append(c.buf[:0], c.buf[n:]...)
	return chunk
}
