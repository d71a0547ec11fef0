package switchboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func encodeDataFrame(flags uint16, streamID uint32, payload []byte) []byte {
	b := make([]byte, headerSize+len(payload))
	putHeader(b, frameTypeData, flags, streamID, uint32(len(payload)))
	copy(b[headerSize:], payload)
	return b
}

func testWire() []byte {
	var wire []byte
	wire = append(wire, encodeDataFrame(flagSYN, 1, []byte("hello"))...)
	wire = append(wire, controlFrame(frameTypeWindowUpdate, flagACK, 1, 32768)...)
	wire = append(wire, controlFrame(frameTypePing, flagSYN, controlStreamID, 42)...)
	wire = append(wire, controlFrame(frameTypeGoAway, 0, controlStreamID, goAwayNormal)...)
	return wire
}

func assertTestWireFrames(t *testing.T, d *frameDecoder, frames []frame) {
	if !assert.Len(t, frames, 4) {
		return
	}

	assert.EqualValues(t, frameTypeData, frames[0].ftype)
	assert.Equal(t, flagSYN, frames[0].flags)
	assert.EqualValues(t, 1, frames[0].streamID)
	assert.Equal(t, "hello", string(frames[0].payload))

	assert.EqualValues(t, frameTypeWindowUpdate, frames[1].ftype)
	assert.Equal(t, flagACK, frames[1].flags)
	assert.EqualValues(t, 32768, frames[1].length)
	assert.Nil(t, frames[1].payload)

	assert.EqualValues(t, frameTypePing, frames[2].ftype)
	assert.EqualValues(t, 42, frames[2].length)

	assert.EqualValues(t, frameTypeGoAway, frames[3].ftype)
	assert.EqualValues(t, goAwayNormal, frames[3].length)

	for _, f := range frames {
		d.release(f)
	}
}

func TestDecodeWholeFrames(t *testing.T) {
	d := newFrameDecoder(DefaultMaxDataLen, NewBufferPool(10, DefaultMaxDataLen))
	frames, err := d.decode(testWire(), nil)
	if !assert.NoError(t, err) {
		return
	}
	assertTestWireFrames(t, d, frames)
}

func TestDecodeByteAtATime(t *testing.T) {
	d := newFrameDecoder(DefaultMaxDataLen, NewBufferPool(10, DefaultMaxDataLen))
	var frames []frame
	var err error
	for _, b := range testWire() {
		frames, err = d.decode([]byte{b}, frames)
		if !assert.NoError(t, err) {
			return
		}
	}
	assertTestWireFrames(t, d, frames)
}

func TestDecodeUnevenChunks(t *testing.T) {
	d := newFrameDecoder(DefaultMaxDataLen, NewBufferPool(10, DefaultMaxDataLen))
	wire := testWire()
	var frames []frame
	var err error
	// chunk sizes chosen to split both headers and payloads
	sizes := []int{5, 13, 1, 7}
	for i := 0; len(wire) > 0; i++ {
		n := sizes[i%len(sizes)]
		if n > len(wire) {
			n = len(wire)
		}
		frames, err = d.decode(wire[:n], frames)
		if !assert.NoError(t, err) {
			return
		}
		wire = wire[n:]
	}
	assertTestWireFrames(t, d, frames)
}

func TestDecodeInvalidVersion(t *testing.T) {
	d := newFrameDecoder(DefaultMaxDataLen, NewBufferPool(10, DefaultMaxDataLen))
	wire := controlFrame(frameTypePing, 0, controlStreamID, 0)
	wire[0] = protoVersion + 1
	_, err := d.decode(wire, nil)
	assert.Equal(t, ErrInvalidVersion, err)
}

func TestDecodeInvalidFrameType(t *testing.T) {
	d := newFrameDecoder(DefaultMaxDataLen, NewBufferPool(10, DefaultMaxDataLen))
	wire := controlFrame(frameTypeGoAway+1, 0, controlStreamID, 0)
	_, err := d.decode(wire, nil)
	assert.Equal(t, ErrInvalidFrameType, err)
}

func TestDecodeOversizeData(t *testing.T) {
	maxDataLen := 64
	d := newFrameDecoder(maxDataLen, NewBufferPool(10, maxDataLen))
	wire := make([]byte, headerSize)
	putHeader(wire, frameTypeData, 0, 1, uint32(maxDataLen+1))
	_, err := d.decode(wire, nil)
	assert.Equal(t, ErrFrameTooLarge, err)
}

func TestDecodeFramesBeforeError(t *testing.T) {
	d := newFrameDecoder(DefaultMaxDataLen, NewBufferPool(10, DefaultMaxDataLen))
	wire := encodeDataFrame(0, 3, []byte("ok"))
	bad := controlFrame(frameTypePing, 0, controlStreamID, 0)
	bad[0] = protoVersion + 1
	wire = append(wire, bad...)

	frames, err := d.decode(wire, nil)
	assert.Equal(t, ErrInvalidVersion, err)
	if assert.Len(t, frames, 1) {
		assert.Equal(t, "ok", string(frames[0].payload))
		d.release(frames[0])
	}
}
