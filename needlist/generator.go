package needlist

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/chunker"
	"github.com/rdcsync/rdcsync/signature"
)

// Generate computes the need list rebuilding the file described by source
// from the file described by seed plus transferred bytes.
//
// When a source block's content appears several times in the seed, the
// copy starting where the previous match ended is used if there is one,
// the lowest offset otherwise.
func Generate(seed, source []chunker.Block) Needs {
	index := make(map[chunker.Digest][]int64, len(seed))
	for _, block := range seed {
		index[block.Digest] = append(index[block.Digest], block.Offset)
	}

	var needs Needs
	prevSeedEnd := int64(-1)

	for _, block := range source {
		offsets, ok := index[block.Digest]
		if !ok {
			needs = appendNeed(needs, Need{
				BlockType:   Source,
				FileOffset:  uint64(block.Offset),
				BlockLength: uint64(block.Length),
			})
			continue
		}

		chosen := offsets[0]
		for _, offset := range offsets {
			if offset == prevSeedEnd {
				chosen = offset
				break
			}
			if offset > prevSeedEnd && prevSeedEnd >= 0 {
				// offsets are ascending, no later one can match
				break
			}
		}

		needs = appendNeed(needs, Need{
			BlockType:   Seed,
			FileOffset:  uint64(chosen),
			BlockLength: uint64(block.Length),
		})
		prevSeedEnd = chosen + block.Length
	}

	return needs
}

// appendNeed coalesces n into the last need when they are contiguous.
func appendNeed(needs Needs, n Need) Needs {
	if len(needs) > 0 {
		last := &needs[len(needs)-1]
		if last.BlockType == n.BlockType && last.End() == n.FileOffset {
			last.BlockLength += n.BlockLength
			return needs
		}
	}
	return append(needs, n)
}

// Generator computes need lists from signatures kept in two repositories:
// Seed holds the local file's cascade, Source the (cached) remote one.
type Generator struct {
	Seed   signature.Repository
	Source signature.Repository
}

// CreateNeedsList compares the given signature blobs, normally the finest
// level of each side. Unparseable blobs give a *signature.FormatError.
func (g *Generator) CreateNeedsList(ctx context.Context, seedInfo, sourceInfo signature.Info) (Needs, error) {
	seedSig, err := signature.LoadSignature(g.Seed, seedInfo.Name)
	if err != nil {
		return nil, errors.Wrap(err, "loading seed signature")
	}

	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	sourceSig, err := signature.LoadSignature(g.Source, sourceInfo.Name)
	if err != nil {
		return nil, errors.Wrap(err, "loading source signature")
	}

	return Generate(seedSig.Blocks, sourceSig.Blocks), nil
}
