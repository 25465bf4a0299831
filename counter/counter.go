// Package counter wraps readers and writers to keep track of how many
// bytes went through them.
package counter

import "io"

// CountCallback receives the running total after each read or write.
type CountCallback func(count int64)

type Reader struct {
	count  int64
	reader io.Reader

	onRead CountCallback
}

var _ io.Reader = (*Reader)(nil)

func NewReader(reader io.Reader) *Reader {
	return &Reader{reader: reader}
}

func NewReaderCallback(onRead CountCallback, reader io.Reader) *Reader {
	return &Reader{
		reader: reader,
		onRead: onRead,
	}
}

func (r *Reader) Count() int64 {
	return r.count
}

func (r *Reader) Read(buffer []byte) (n int, err error) {
	if r.reader == nil {
		n = len(buffer)
	} else {
		n, err = r.reader.Read(buffer)
	}

	r.count += int64(n)
	if r.onRead != nil {
		r.onRead(r.count)
	}
	return
}

type Writer struct {
	count  int64
	writer io.Writer

	onWrite CountCallback
}

var _ io.Writer = (*Writer)(nil)

// NewWriter returns a writer that counts bytes. A nil writer discards
// everything but still counts.
func NewWriter(writer io.Writer) *Writer {
	return &Writer{writer: writer}
}

func NewWriterCallback(onWrite CountCallback, writer io.Writer) *Writer {
	return &Writer{
		writer:  writer,
		onWrite: onWrite,
	}
}

func (w *Writer) Count() int64 {
	return w.count
}

func (w *Writer) Write(buffer []byte) (n int, err error) {
	if w.writer == nil {
		n = len(buffer)
	} else {
		n, err = w.writer.Write(buffer)
	}

	w.count += int64(n)
	if w.onWrite != nil {
		w.onWrite(w.count)
	}
	return
}
