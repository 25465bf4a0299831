package signature

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/chunker"
	"github.com/rdcsync/rdcsync/wire"
)

// BlockWriter writes one signature blob. Blocks must be written in order.
type BlockWriter struct {
	raw  *wire.WriteContext
	wctx *wire.WriteContext
	msg  BlockHash
}

func NewBlockWriter(w io.Writer, compression *CompressionSettings, dataLength int64) (*BlockWriter, error) {
	if compression == nil {
		compression = CompressionDefault()
	}

	raw := wire.NewWriteContext(w)
	err := raw.WriteMagic(SignatureMagic)
	if err != nil {
		return nil, err
	}

	err = raw.WriteMessage(&SignatureHeader{
		Compression: compression,
		DataLength:  dataLength,
	})
	if err != nil {
		return nil, err
	}

	wctx, err := CompressWire(raw, compression)
	if err != nil {
		return nil, err
	}

	return &BlockWriter{raw: raw, wctx: wctx}, nil
}

func (bw *BlockWriter) Write(block chunker.Block) error {
	bw.msg.Offset = block.Offset
	bw.msg.Length = block.Length
	bw.msg.Digest = block.Digest[:]
	return bw.wctx.WriteMessage(&bw.msg)
}

// Close flushes the compressor. It does not close the destination.
func (bw *BlockWriter) Close() error {
	return bw.wctx.Close()
}

// WriteBlocks serializes a whole block list.
func WriteBlocks(w io.Writer, blocks []chunker.Block, compression *CompressionSettings, dataLength int64) error {
	bw, err := NewBlockWriter(w, compression, dataLength)
	if err != nil {
		return err
	}

	for _, block := range blocks {
		err = bw.Write(block)
		if err != nil {
			return err
		}
	}
	return bw.Close()
}

// Signature is a parsed blob.
type Signature struct {
	DataLength int64
	Blocks     []chunker.Block
}

// ReadSignature parses a blob. Any structural problem (bad magic, truncated
// message, blocks that don't tile [0, DataLength)) is a *FormatError.
func ReadSignature(r io.Reader) (*Signature, error) {
	sig, err := readSignature(r)
	if err != nil {
		return nil, &FormatError{Err: err}
	}
	return sig, nil
}

func readSignature(r io.Reader) (*Signature, error) {
	rawWire := wire.NewReadContext(r)
	err := rawWire.ExpectMagic(SignatureMagic)
	if err != nil {
		return nil, err
	}

	header := &SignatureHeader{}
	err = rawWire.ReadMessage(header)
	if err != nil {
		if err == io.EOF {
			return nil, errors.WithStack(io.ErrUnexpectedEOF)
		}
		return nil, err
	}

	if header.DataLength < 0 {
		return nil, errors.Errorf("negative data length %d", header.DataLength)
	}

	sigWire, err := UncompressWire(rawWire, header.Compression)
	if err != nil {
		return nil, err
	}

	sig := &Signature{DataLength: header.DataLength}
	hash := &BlockHash{}
	offset := int64(0)

	for {
		hash.Reset()
		err = sigWire.ReadMessage(hash)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}

		if hash.Offset != offset {
			return nil, errors.Errorf("block %d starts at %d, expected %d", len(sig.Blocks), hash.Offset, offset)
		}
		if hash.Length <= 0 {
			return nil, errors.Errorf("block %d has invalid length %d", len(sig.Blocks), hash.Length)
		}
		if len(hash.Digest) != chunker.DigestSize {
			return nil, errors.Errorf("block %d has a %d-byte digest", len(sig.Blocks), len(hash.Digest))
		}

		block := chunker.Block{
			Offset: hash.Offset,
			Length: hash.Length,
		}
		copy(block.Digest[:], hash.Digest)
		sig.Blocks = append(sig.Blocks, block)
		offset += hash.Length
	}

	if offset != header.DataLength {
		return nil, errors.Errorf("blocks cover %d bytes, header says %d", offset, header.DataLength)
	}

	return sig, nil
}

// LoadSignature reads and parses a blob from a repository. A missing blob
// is ErrNotFound, a broken one a *FormatError naming it.
func LoadSignature(repo Repository, name string) (*Signature, error) {
	data, err := ReadAll(repo, name)
	if err != nil {
		return nil, err
	}

	sig, err := ReadSignature(bytes.NewReader(data))
	if err != nil {
		var fe *FormatError
		if errors.As(err, &fe) {
			fe.Name = name
		}
		return nil, err
	}
	return sig, nil
}
