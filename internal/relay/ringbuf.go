package relay

// ringBuffer keeps the last capacity bytes written to it, for replay to
// subscribers that attach after output has already been emitted.
type ringBuffer struct {
	buf   []byte
	start int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, capacity)}
}

// Write appends p, evicting the oldest bytes once capacity is exceeded.
func (r *ringBuffer) Write(p []byte) {
	if len(p) >= len(r.buf) {
		copy(r.buf, p[len(p)-len(r.buf):])
		r.start = 0
		r.size = len(r.buf)
		return
	}
	for _, b := range p {
		idx := (r.start + r.size) % len(r.buf)
		r.buf[idx] = b
		if r.size < len(r.buf) {
			r.size++
		} else {
			r.start = (r.start + 1) % len(r.buf)
		}
	}
}

// Bytes returns a copy of the buffered bytes in emission order.
func (r *ringBuffer) Bytes() []byte {
	out := make([]byte, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of buffered bytes.
func (r *ringBuffer) Len() int { return r.size }
