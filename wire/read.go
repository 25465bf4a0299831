package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

type ReadContext struct {
	reader io.Reader

	byteBuffer []byte
	msgBuf     []byte
	started    bool
}

func NewReadContext(reader io.Reader) *ReadContext {
	return &ReadContext{
		reader:     reader,
		byteBuffer: make([]byte, 1),
		msgBuf:     make([]byte, 32),
	}
}

func (r *ReadContext) ReadByte() (byte, error) {
	_, err := io.ReadFull(r.reader, r.byteBuffer)
	if err != nil {
		if r.started && err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	r.started = true

	return r.byteBuffer[0], nil
}

func (r *ReadContext) Reader() io.Reader {
	return r.reader
}

func (r *ReadContext) ExpectMagic(magic int32) error {
	var readMagic int32
	err := binary.Read(r.reader, Endianness, &readMagic)
	if err != nil {
		return errors.WithStack(err)
	}

	if magic != readMagic {
		return errors.Wrapf(ErrInvalidMagic, "expected magic %x, but read %x", magic, readMagic)
	}

	return nil
}

// ReadMessage reads the next message into msg. It returns io.EOF (unwrapped)
// only when the stream ends cleanly between two messages.
func (r *ReadContext) ReadMessage(msg proto.Message) error {
	r.started = false
	length, err := binary.ReadUvarint(r)
	if err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return errors.WithStack(err)
	}

	if length > MaxMessageSize {
		return errors.Wrapf(ErrMessageTooLarge, "length prefix %d", length)
	}

	if uint64(cap(r.msgBuf)) < length {
		r.msgBuf = make([]byte, length)
	}

	_, err = io.ReadFull(r.reader, r.msgBuf[:length])
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.WithStack(err)
	}

	err = proto.Unmarshal(r.msgBuf[:length], msg)
	if err != nil {
		return errors.WithStack(err)
	}

	if DebugWire {
		fmt.Printf(">> %s %+v\n", reflect.TypeOf(msg).Elem().Name(), msg)
	}

	return nil
}
