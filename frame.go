package switchboard

// frame is one wire-level unit of the multiplexing protocol. For data frames,
// payload holds the frame's bytes and buf the pooled buffer backing it; for
// all other types payload and buf are nil and length carries the type's
// argument (window delta, ping id or go away code).
type frame struct {
	ftype    uint8
	flags    uint16
	streamID uint32
	length   uint32
	payload  []byte
	buf      []byte
}

// putHeader writes a frame header into dst, which must be at least headerSize
// bytes long.
func putHeader(dst []byte, ftype uint8, flags uint16, streamID uint32, length uint32) {
	dst[0] = protoVersion
	dst[1] = ftype
	binaryEncoding.PutUint16(dst[2:], flags)
	binaryEncoding.PutUint32(dst[4:], streamID)
	binaryEncoding.PutUint32(dst[8:], length)
}

// controlFrame encodes a payload-free frame into a fresh headerSize slice.
func controlFrame(ftype uint8, flags uint16, streamID uint32, length uint32) []byte {
	b := make([]byte, headerSize)
	putHeader(b, ftype, flags, streamID, length)
	return b
}

// frameDecoder incrementally decodes frames from a byte stream. It is
// resumable: decode may be fed arbitrary chunks, including partial headers
// and partial payloads, and buffers whatever is left over for the next call.
// A decoder is not safe for concurrent use; a session's receive loop is its
// only caller.
type frameDecoder struct {
	maxDataLen int
	pool       BufferPool

	hdr  [headerSize]byte
	hdrN int

	// current holds a data frame whose payload is still arriving
	current  *frame
	payloadN int
}

func newFrameDecoder(maxDataLen int, pool BufferPool) *frameDecoder {
	return &frameDecoder{maxDataLen: maxDataLen, pool: pool}
}

// decode consumes all of p, appending every completed frame to frames and
// returning the result. Incomplete trailing input is buffered, never an
// error. Errors indicate an untrustworthy byte boundary and are fatal to the
// session.
func (d *frameDecoder) decode(p []byte, frames []frame) ([]frame, error) {
	for len(p) > 0 {
		if d.current != nil {
			n := copy(d.current.payload[d.payloadN:], p)
			d.payloadN += n
			p = p[n:]
			if d.payloadN == int(d.current.length) {
				frames = append(frames, *d.current)
				d.current = nil
				d.payloadN = 0
			}
			continue
		}

		n := copy(d.hdr[d.hdrN:], p)
		d.hdrN += n
		p = p[n:]
		if d.hdrN < headerSize {
			return frames, nil
		}
		d.hdrN = 0

		f, err := d.parseHeader()
		if err != nil {
			return frames, err
		}
		if f.ftype == frameTypeData && f.length > 0 {
			buf := d.pool.getForFrame()
			f.buf = buf
			f.payload = buf[:f.length]
			d.current = &f
			d.payloadN = 0
			continue
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (d *frameDecoder) parseHeader() (frame, error) {
	if d.hdr[0] != protoVersion {
		return frame{}, ErrInvalidVersion
	}
	f := frame{
		ftype:    d.hdr[1],
		flags:    binaryEncoding.Uint16(d.hdr[2:]),
		streamID: binaryEncoding.Uint32(d.hdr[4:]),
		length:   binaryEncoding.Uint32(d.hdr[8:]),
	}
	if f.ftype > frameTypeGoAway {
		return frame{}, ErrInvalidFrameType
	}
	if f.ftype == frameTypeData && int(f.length) > d.maxDataLen {
		return frame{}, ErrFrameTooLarge
	}
	return f, nil
}

// release returns a data frame's pooled buffer, if any.
func (d *frameDecoder) release(f frame) {
	if f.buf != nil {
		d.pool.Put(f.buf)
	}
}
