// Package needlist computes and replays need lists: the instructions that
// rebuild a new version of a file from ranges of an older local copy (the
// seed) and ranges fetched from the new version (the source).
package needlist

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// BlockType says where the bytes of a need come from.
type BlockType int

const (
	// Source bytes come from the new version of the file.
	Source BlockType = iota
	// Seed bytes are copied from the local, older version.
	Seed
	// SeedMax marks the end of the valid types. Never emitted.
	SeedMax
)

// ErrInvalidNeed reports a need that can't be replayed.
var ErrInvalidNeed = errors.New("invalid need")

func (bt BlockType) String() string {
	switch bt {
	case Source:
		return "source"
	case Seed:
		return "seed"
	default:
		return fmt.Sprintf("BlockType(%d)", int(bt))
	}
}

func (bt BlockType) MarshalText() ([]byte, error) {
	if bt != Source && bt != Seed {
		return nil, errors.Wrapf(ErrInvalidNeed, "block type %d", int(bt))
	}
	return []byte(bt.String()), nil
}

func (bt *BlockType) UnmarshalText(text []byte) error {
	parsed, err := ParseBlockType(string(text))
	if err != nil {
		return err
	}
	*bt = parsed
	return nil
}

// ParseBlockType accepts "source" and "seed".
func ParseBlockType(s string) (BlockType, error) {
	switch s {
	case "source":
		return Source, nil
	case "seed":
		return Seed, nil
	default:
		return SeedMax, errors.Wrapf(ErrInvalidNeed, "unknown block type %q", s)
	}
}

// Need is one instruction. For Source needs FileOffset is an offset in the
// new file, for Seed needs an offset in the seed file. Needs are replayed in
// order, each one appending BlockLength bytes to the output.
type Need struct {
	BlockType   BlockType `json:"blockType"`
	FileOffset  uint64    `json:"fileOffset"`
	BlockLength uint64    `json:"blockLength"`
}

func (n Need) End() uint64 {
	return n.FileOffset + n.BlockLength
}

// inBounds reports whether the need's range fits in an int64 offset.
func (n Need) inBounds() bool {
	return n.FileOffset <= math.MaxInt64 && n.BlockLength <= math.MaxInt64-n.FileOffset
}

func (n Need) String() string {
	return fmt.Sprintf("%s[%d, %d)", n.BlockType, n.FileOffset, n.End())
}

// Needs is an ordered need list.
type Needs []Need

// TotalLength is the size of the file the list rebuilds.
func (ns Needs) TotalLength() uint64 {
	var total uint64
	for _, n := range ns {
		total += n.BlockLength
	}
	return total
}

func (ns Needs) SourceLength() uint64 {
	return ns.lengthOf(Source)
}

func (ns Needs) SeedLength() uint64 {
	return ns.lengthOf(Seed)
}

func (ns Needs) lengthOf(bt BlockType) uint64 {
	var total uint64
	for _, n := range ns {
		if n.BlockType == bt {
			total += n.BlockLength
		}
	}
	return total
}

// Validate checks that the list can be replayed: known block types, no
// empty needs, and Source needs lying where they land in the output.
func (ns Needs) Validate() error {
	var pos uint64
	for i, n := range ns {
		if n.BlockType != Source && n.BlockType != Seed {
			return errors.Wrapf(ErrInvalidNeed, "need %d: block type %d", i, int(n.BlockType))
		}
		if n.BlockLength == 0 {
			return errors.Wrapf(ErrInvalidNeed, "need %d: empty", i)
		}
		if !n.inBounds() {
			return errors.Wrapf(ErrInvalidNeed, "need %d: range %s out of bounds", i, n)
		}
		if n.BlockType == Source && n.FileOffset != pos {
			return errors.Wrapf(ErrInvalidNeed, "need %d: source offset %d, output is at %d", i, n.FileOffset, pos)
		}
		pos += n.BlockLength
	}
	return nil
}
