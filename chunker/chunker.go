package chunker

import (
	"bufio"
	"io"

	"github.com/pkg/errors"
	"go4.org/rollsum"
)

const (
	DefaultMinSize   = 2 * 1024
	DefaultMaxSize   = 64 * 1024
	DefaultSplitBits = 13
)

// Chunker holds the boundary settings. The zero value is not usable, see
// New and NewLevel.
type Chunker struct {
	// MinSize is the minimum block size. Only the final block may be smaller.
	MinSize int
	// MaxSize forces a boundary when no natural one was found.
	MaxSize int
	// SplitBits is the number of trailing one bits of the rolling checksum
	// that mark a boundary. The average block size is 2^SplitBits.
	SplitBits uint
}

// New returns the chunker used for file contents (~8KiB average blocks).
func New() *Chunker {
	return &Chunker{
		MinSize:   DefaultMinSize,
		MaxSize:   DefaultMaxSize,
		SplitBits: DefaultSplitBits,
	}
}

// NewLevel returns the chunker used when hashing signature blobs, which
// are much smaller than the files they describe.
func NewLevel() *Chunker {
	return &Chunker{
		MinSize:   256,
		MaxSize:   16 * 1024,
		SplitBits: 11,
	}
}

func (c *Chunker) validate() error {
	if c.MinSize < 0 || c.MaxSize <= 0 || c.MinSize > c.MaxSize {
		return errors.Errorf("invalid chunk sizes: min %d, max %d", c.MinSize, c.MaxSize)
	}
	if c.SplitBits == 0 || c.SplitBits > 31 {
		return errors.Errorf("invalid split bits: %d", c.SplitBits)
	}
	return nil
}

// Split reads r to the end and calls fn for every block, in stream order.
// An empty stream produces no blocks.
func (c *Chunker) Split(r io.Reader, fn BlockWriter) error {
	err := c.validate()
	if err != nil {
		return err
	}

	mask := uint32(1)<<c.SplitBits - 1
	br := bufio.NewReaderSize(r, 64*1024)
	buf := make([]byte, 0, c.MaxSize)
	rs := rollsum.New()
	var offset int64

	emit := func() error {
		block := Block{
			Offset: offset,
			Length: int64(len(buf)),
			Digest: DigestOf(buf),
		}
		err := fn(block, buf)
		if err != nil {
			return err
		}
		offset += int64(len(buf))
		buf = buf[:0]
		rs = rollsum.New()
		return nil
	}

	for {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				break
			}
			return errors.WithStack(err)
		}

		buf = append(buf, b)
		rs.Roll(b)

		if len(buf) >= c.MaxSize || (len(buf) >= c.MinSize && rs.Digest()&mask == mask) {
			err = emit()
			if err != nil {
				return err
			}
		}
	}

	if len(buf) > 0 {
		return emit()
	}
	return nil
}

// Blocks is a convenience wrapper around Split that collects block
// descriptors only.
func (c *Chunker) Blocks(r io.Reader) ([]Block, error) {
	var blocks []Block
	err := c.Split(r, func(block Block, data []byte) error {
		blocks = append(blocks, block)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blocks, nil
}
