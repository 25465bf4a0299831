package signature

import (
	"io"

	"github.com/itchio/go-brotli/dec"
	"github.com/itchio/go-brotli/enc"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/wire"
)

var ErrUnknownCompression = errors.New("unknown compression algorithm")

func CompressionDefault() *CompressionSettings {
	// brotli Q1 is fast and still shaves the varint-heavy framing; digests
	// themselves don't compress.
	return &CompressionSettings{
		Algorithm: CompressionAlgorithm_BROTLI,
		Quality:   1,
	}
}

func CompressionNone() *CompressionSettings {
	return &CompressionSettings{Algorithm: CompressionAlgorithm_NONE}
}

func CompressWire(ctx *wire.WriteContext, compression *CompressionSettings) (*wire.WriteContext, error) {
	if compression == nil {
		compression = CompressionDefault()
	}

	switch compression.Algorithm {
	case CompressionAlgorithm_NONE:
		return wire.NewWriteContext(nopCloser{ctx.Writer()}), nil
	case CompressionAlgorithm_BROTLI:
		brotliWriter := enc.NewBrotliWriter(ctx.Writer(), &enc.BrotliWriterOptions{
			Quality: int(compression.Quality),
		})
		return wire.NewWriteContext(brotliWriter), nil
	default:
		return nil, errors.Wrapf(ErrUnknownCompression, "algorithm %d", compression.Algorithm)
	}
}

func UncompressWire(ctx *wire.ReadContext, compression *CompressionSettings) (*wire.ReadContext, error) {
	if compression == nil {
		return ctx, nil
	}

	switch compression.Algorithm {
	case CompressionAlgorithm_NONE:
		return ctx, nil
	case CompressionAlgorithm_BROTLI:
		brotliReader := dec.NewBrotliReader(ctx.Reader())
		return wire.NewReadContext(brotliReader), nil
	default:
		return nil, errors.Wrapf(ErrUnknownCompression, "algorithm %d", compression.Algorithm)
	}
}

// TransportEncoding is the Content-Encoding of signature blobs sent
// compressed between peers.
const TransportEncoding = "br"

// CompressStream compresses everything written to the returned writer into
// w. Close flushes the compressor; it does not close w.
func CompressStream(w io.Writer, compression *CompressionSettings) (io.WriteCloser, error) {
	wctx, err := CompressWire(wire.NewWriteContext(w), compression)
	if err != nil {
		return nil, err
	}
	return streamWriter{wctx}, nil
}

// UncompressStream undoes CompressStream.
func UncompressStream(r io.Reader, compression *CompressionSettings) (io.Reader, error) {
	rctx, err := UncompressWire(wire.NewReadContext(r), compression)
	if err != nil {
		return nil, err
	}
	return rctx.Reader(), nil
}

type streamWriter struct {
	wctx *wire.WriteContext
}

func (sw streamWriter) Write(p []byte) (int, error) {
	return sw.wctx.Writer().Write(p)
}

func (sw streamWriter) Close() error {
	return errors.WithStack(sw.wctx.Close())
}

// nopCloser keeps the compressed context's Close from closing the
// destination, which belongs to the caller.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}
