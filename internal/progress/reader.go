package progress

import "io"

// Reader counts bytes read from an upload body into a Meter. Seeking is
// passed through so SDKs can rewind the body for signing or retries; a
// rewind is taken off the count.
type Reader struct {
	r     io.ReadSeeker
	meter *Meter
	pos   int64
}

// NewReader wraps r so that reads are recorded in meter.
func NewReader(r io.ReadSeeker, meter *Meter) *Reader {
	return &Reader{r: r, meter: meter}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.pos += int64(n)
	r.meter.Add(n)
	return n, err
}

func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.r.Seek(offset, whence)
	if err != nil {
		return pos, err
	}
	if pos < r.pos {
		r.meter.Rewind(r.pos - pos)
	}
	r.pos = pos
	return pos, nil
}
