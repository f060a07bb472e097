package bufpool

import (
	"io"
	"sync"
)

// Pool hands out fixed-size copy buffers so large file reads do not
// allocate a fresh buffer per call.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufSize)
			},
		},
	}
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns a buffer obtained from Get. Undersized buffers are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

// Copy copies src to dst until EOF using a pooled buffer.
func (p *Pool) Copy(dst io.Writer, src io.Reader) error {
	buf := p.Get()
	defer p.Put(buf)
	_, err := io.CopyBuffer(dst, onlyReader{src}, buf)
	return err
}

// CopyN copies at most n bytes from src to dst using a pooled buffer.
// Reaching EOF before n bytes is not an error; the short count is returned.
func (p *Pool) CopyN(dst io.Writer, src io.Reader, n int64) (int64, error) {
	buf := p.Get()
	defer p.Put(buf)
	return io.CopyBuffer(dst, io.LimitReader(src, n), buf)
}

// onlyReader hides WriterTo on *os.File so the pooled buffer is always used.
type onlyReader struct {
	io.Reader
}
