package signature

import (
	"bytes"
	"context"
	"io"

	"github.com/itchio/headway/state"
	"github.com/itchio/headway/united"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/chunker"
	"github.com/rdcsync/rdcsync/counter"
)

const (
	// DefaultCascadeThreshold: a level whose blob is smaller than this
	// doesn't get a coarser level on top of it.
	DefaultCascadeThreshold = 64 * 1024
	DefaultMaxLevels        = 4
)

// Generator computes signature cascades.
type Generator struct {
	Chunker      *chunker.Chunker
	LevelChunker *chunker.Chunker
	Compression  *CompressionSettings

	CascadeThreshold int64
	MaxLevels        int

	// optional
	Consumer *state.Consumer
}

func NewGenerator() *Generator {
	return &Generator{
		Chunker:          chunker.New(),
		LevelChunker:     chunker.NewLevel(),
		// coarser levels hash the bytes of finer blobs: a compressed blob
		// changes entirely after the first edit, so cascades stay uncompressed
		Compression:      CompressionNone(),
		CascadeThreshold: DefaultCascadeThreshold,
		MaxLevels:        DefaultMaxLevels,
	}
}

// GenerateSignatures reads r to the end and stores the cascade of fileName
// in repo, replacing any previous one. Either every level is stored, or
// the file ends up with no signatures at all.
func (g *Generator) GenerateSignatures(ctx context.Context, r io.Reader, fileName string, repo Repository) (infos []Info, err error) {
	consumer := g.Consumer
	if consumer == nil {
		consumer = &state.Consumer{}
	}

	err = repo.Clear(fileName)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			if clearErr := repo.Clear(fileName); clearErr != nil {
				consumer.Warnf("could not clear partial signatures of %s: %v", fileName, clearErr)
			}
			infos = nil
		}
	}()

	// finest first: the file itself
	cr := counter.NewReaderCallback(func(count int64) {
		consumer.ProgressLabel(united.FormatBytes(count))
	}, &ctxReader{ctx: ctx, r: r})

	blob, err := g.levelBlob(g.Chunker, cr)
	if err != nil {
		return nil, err
	}
	consumer.Debugf("%s: %s of signature for %s of data", fileName,
		united.FormatBytes(int64(len(blob))), united.FormatBytes(cr.Count()))

	blobs := [][]byte{blob}
	for int64(len(blob)) > g.CascadeThreshold && len(blobs) < g.MaxLevels {
		if err = ctx.Err(); err != nil {
			return nil, errors.WithStack(err)
		}

		blob, err = g.levelBlob(g.LevelChunker, bytes.NewReader(blob))
		if err != nil {
			return nil, err
		}
		blobs = append(blobs, blob)
	}

	// blobs is finest-first, levels are numbered coarsest-first
	for i := range blobs {
		level := i
		data := blobs[len(blobs)-1-i]
		name := InfoName(fileName, level)

		err = writeContent(repo, name, data)
		if err != nil {
			return nil, err
		}

		infos = append(infos, Info{
			Name:   name,
			Length: int64(len(data)),
			Level:  level,
		})
	}

	consumer.Debugf("%s: generated %d signature level(s)", fileName, len(infos))
	return infos, nil
}

func (g *Generator) levelBlob(c *chunker.Chunker, r io.Reader) ([]byte, error) {
	blocks, err := c.Blocks(r)
	if err != nil {
		return nil, err
	}

	dataLength := int64(0)
	if len(blocks) > 0 {
		dataLength = blocks[len(blocks)-1].End()
	}

	buf := new(bytes.Buffer)
	err = WriteBlocks(buf, blocks, g.Compression, dataLength)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeContent(repo Repository, name string, data []byte) error {
	w, err := repo.CreateContent(name)
	if err != nil {
		return err
	}

	_, err = w.Write(data)
	if err != nil {
		w.Close()
		return errors.WithStack(err)
	}

	return w.Close()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, errors.WithStack(err)
	}
	return cr.r.Read(p)
}
