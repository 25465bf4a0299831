// Package chunker divides byte streams into content-defined blocks.
//
// Boundaries are found with a rolling checksum over a small window, so an
// insertion or deletion only changes the blocks around it: the blocks before
// and after keep their digests, and can be matched against an older copy of
// the same file.
package chunker

import (
	"encoding/hex"

	"github.com/minio/sha256-simd"
)

// DigestSize is the size of a block's strong hash.
const DigestSize = sha256.Size

// Digest is the strong hash of a block's content.
type Digest [DigestSize]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// DigestOf hashes data.
func DigestOf(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// Block describes one chunk of a stream.
type Block struct {
	Offset int64
	Length int64
	Digest Digest
}

// End returns the offset right after the block.
func (b Block) End() int64 {
	return b.Offset + b.Length
}

// BlockWriter receives each block along with its content. data is only
// valid for the duration of the call.
type BlockWriter func(block Block, data []byte) error
