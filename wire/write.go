package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

type WriteContext struct {
	writer io.Writer
	lenBuf []byte
}

func NewWriteContext(writer io.Writer) *WriteContext {
	return &WriteContext{
		writer: writer,
		lenBuf: make([]byte, binary.MaxVarintLen64),
	}
}

func (w *WriteContext) Writer() io.Writer {
	return w.writer
}

// Close closes the underlying writer if it's an io.Closer
func (w *WriteContext) Close() error {
	if c, ok := w.writer.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

func (w *WriteContext) WriteMagic(magic int32) error {
	return errors.WithStack(binary.Write(w.writer, Endianness, magic))
}

func (w *WriteContext) WriteMessage(msg proto.Message) error {
	if DebugWire {
		fmt.Printf("<< %s %+v\n", reflect.TypeOf(msg).Elem().Name(), msg)
	}

	buf, err := proto.Marshal(msg)
	if err != nil {
		return errors.WithStack(err)
	}

	n := binary.PutUvarint(w.lenBuf, uint64(len(buf)))
	_, err = w.writer.Write(w.lenBuf[:n])
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = w.writer.Write(buf)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}
