package wire_test

import (
	"bytes"
	"io"
	"math/rand"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/itchio/randsource"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/wire"
	"github.com/rdcsync/rdcsync/wtest"
	"github.com/stretchr/testify/assert"
)

const magic int32 = 0xfad0fad

type sample struct {
	Number int64  `protobuf:"varint,1,opt,name=number,proto3" json:"number,omitempty"`
	Data   []byte `protobuf:"bytes,2,opt,name=data,proto3" json:"data,omitempty"`
	Eof    bool   `protobuf:"varint,3,opt,name=eof,proto3" json:"eof,omitempty"`
}

func (m *sample) Reset()         { *m = sample{} }
func (m *sample) String() string { return proto.CompactTextString(m) }
func (*sample) ProtoMessage()    {}

func writeSampleMessages(t *testing.T, w *wire.WriteContext, count int) [][]byte {
	prng := &randsource.Reader{
		Source: rand.New(rand.NewSource(0xd00d627)),
	}
	wtest.Must(t, w.WriteMagic(magic))

	var payloads [][]byte
	for i := 0; i < count; i++ {
		data := make([]byte, 256+i*31)
		_, err := io.ReadFull(prng, data)
		wtest.Must(t, err)
		payloads = append(payloads, data)

		wtest.Must(t, w.WriteMessage(&sample{
			Data:   data,
			Number: int64(i),
		}))
	}

	wtest.Must(t, w.WriteMessage(&sample{Eof: true}))
	return payloads
}

func Test_RoundTrip(t *testing.T) {
	buf := new(bytes.Buffer)
	payloads := writeSampleMessages(t, wire.NewWriteContext(buf), 64)

	r := wire.NewReadContext(bytes.NewReader(buf.Bytes()))
	wtest.Must(t, r.ExpectMagic(magic))

	msg := &sample{}
	for i := 0; ; i++ {
		msg.Reset()
		wtest.Must(t, r.ReadMessage(msg))
		if msg.Eof {
			assert.Equal(t, len(payloads), i)
			break
		}
		assert.EqualValues(t, i, msg.Number)
		assert.Equal(t, payloads[i], msg.Data)
	}

	assert.Equal(t, io.EOF, r.ReadMessage(msg))
}

func Test_WrongMagic(t *testing.T) {
	buf := new(bytes.Buffer)
	w := wire.NewWriteContext(buf)
	wtest.Must(t, w.WriteMagic(magic+1))

	r := wire.NewReadContext(buf)
	err := r.ExpectMagic(magic)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, wire.ErrInvalidMagic))
}

func Test_Truncated(t *testing.T) {
	buf := new(bytes.Buffer)
	writeSampleMessages(t, wire.NewWriteContext(buf), 2)

	truncated := buf.Bytes()[:buf.Len()-3]
	r := wire.NewReadContext(bytes.NewReader(truncated))
	wtest.Must(t, r.ExpectMagic(magic))

	msg := &sample{}
	var err error
	for err == nil {
		err = r.ReadMessage(msg)
	}
	assert.NotEqual(t, io.EOF, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
