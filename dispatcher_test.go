package switchboard

import (
	"bytes"
	"strings"
	"testing"

	"github.com/multiformats/go-varint"
	"github.com/stretchr/testify/assert"
)

func TestProtocolIDCodec(t *testing.T) {
	var buf bytes.Buffer
	if !assert.NoError(t, writeProtocolID(&buf, echoProtocol)) {
		return
	}
	id, err := readProtocolID(&buf)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, echoProtocol, id)

	// a zero-length identifier is the refusal answer
	buf.Reset()
	if !assert.NoError(t, writeProtocolID(&buf, "")) {
		return
	}
	assert.Equal(t, []byte{0}, buf.Bytes())
	id, err = readProtocolID(&buf)
	if !assert.NoError(t, err) {
		return
	}
	assert.Equal(t, "", id)

	// an identifier over the limit is rejected before reading its body
	buf.Reset()
	buf.Write(varint.ToUvarint(uint64(maxProtocolIDLen + 1)))
	buf.WriteString(strings.Repeat("x", maxProtocolIDLen+1))
	_, err = readProtocolID(&buf)
	assert.Error(t, err)
}
