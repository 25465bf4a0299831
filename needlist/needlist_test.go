package needlist

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"testing"

	"github.com/itchio/randsource"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/chunker"
	"github.com/rdcsync/rdcsync/partial"
	"github.com/rdcsync/rdcsync/signature"
	"github.com/rdcsync/rdcsync/wtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomData(seed int64, size int) []byte {
	prng := &randsource.Reader{Source: rand.New(rand.NewSource(seed))}
	data := make([]byte, size)
	_, _ = prng.Read(data)
	return data
}

func blocksOf(t *testing.T, data []byte) []chunker.Block {
	blocks, err := chunker.New().Blocks(bytes.NewReader(data))
	wtest.Must(t, err)
	return blocks
}

// bytesAccess serves ranges of an in-memory file.
type bytesAccess struct {
	data []byte
}

var _ partial.Access = (*bytesAccess)(nil)

func (ba *bytesAccess) CopyTo(ctx context.Context, w io.Writer, from, length int64) error {
	if from+length > int64(len(ba.data)) {
		return errors.Wrapf(partial.ErrShortCopy, "[%d, %d) of %d", from, from+length, len(ba.data))
	}
	_, err := w.Write(ba.data[from : from+length])
	return err
}

func rebuild(t *testing.T, needs Needs, seed, source []byte) []byte {
	p := &Parser{
		Source: &bytesAccess{data: source},
		Seed:   &bytesAccess{data: seed},
	}
	out := new(bytes.Buffer)
	wtest.Must(t, p.Parse(context.Background(), needs, out))
	assert.EqualValues(t, needs.SourceLength(), p.BytesTransferred())
	assert.EqualValues(t, needs.SeedLength(), p.BytesCopied())
	return out.Bytes()
}

func synth(specs ...string) []chunker.Block {
	var blocks []chunker.Block
	var offset int64
	for _, s := range specs {
		blocks = append(blocks, chunker.Block{
			Offset: offset,
			Length: 10,
			Digest: chunker.DigestOf([]byte(s)),
		})
		offset += 10
	}
	return blocks
}

func Test_Coverage(t *testing.T) {
	base := randomData(0x20, 1024*1024)

	insertion := append(append(append([]byte{}, base[:300000]...), randomData(0x21, 5000)...), base[300000:]...)
	deletion := append(append([]byte{}, base[:200000]...), base[260000:]...)
	duplicated := append(append([]byte{}, base...), base[100000:400000]...)
	reordered := append(append([]byte{}, base[500000:]...), base[:500000]...)

	scenarios := map[string][]byte{
		"insertion":  insertion,
		"deletion":   deletion,
		"duplicated": duplicated,
		"reordered":  reordered,
		"unrelated":  randomData(0x22, 700*1024),
		"truncated":  base[:1000],
	}

	seedBlocks := blocksOf(t, base)
	for name, source := range scenarios {
		t.Run(name, func(t *testing.T) {
			needs := Generate(seedBlocks, blocksOf(t, source))
			wtest.Must(t, needs.Validate())
			assert.EqualValues(t, len(source), needs.TotalLength())
			wtest.AssertSameBytes(t, source, rebuild(t, needs, base, source))
		})
	}
}

func Test_Identical(t *testing.T) {
	data := randomData(0x23, 10*1024*1024)
	blocks := blocksOf(t, data)

	needs := Generate(blocks, blocks)
	require.Len(t, needs, 1)
	assert.EqualValues(t, Need{BlockType: Seed, FileOffset: 0, BlockLength: uint64(len(data))}, needs[0])
}

func Test_NoSeed(t *testing.T) {
	data := randomData(0x24, 5*1024*1024)

	needs := Generate(nil, blocksOf(t, data))
	require.Len(t, needs, 1)
	assert.EqualValues(t, Need{BlockType: Source, FileOffset: 0, BlockLength: uint64(len(data))}, needs[0])
}

func Test_EmptySource(t *testing.T) {
	needs := Generate(blocksOf(t, randomData(0x25, 1024)), nil)
	assert.Empty(t, needs)
	assert.EqualValues(t, 0, needs.TotalLength())
}

func Test_Idempotent(t *testing.T) {
	seed := randomData(0x26, 600*1024)
	source := append(append([]byte{}, seed[:100000]...), randomData(0x27, 200*1024)...)
	needs := Generate(blocksOf(t, seed), blocksOf(t, source))

	first := rebuild(t, needs, seed, source)
	second := rebuild(t, needs, seed, source)
	assert.EqualValues(t, first, second)
}

func Test_Coalescing(t *testing.T) {
	needs := Generate(synth("A", "B", "C"), synth("A", "B"))
	assert.EqualValues(t, Needs{{BlockType: Seed, FileOffset: 0, BlockLength: 20}}, needs)

	// contiguous in the source but not in the seed
	needs = Generate(synth("A", "B", "C"), synth("A", "C"))
	assert.EqualValues(t, Needs{
		{BlockType: Seed, FileOffset: 0, BlockLength: 10},
		{BlockType: Seed, FileOffset: 20, BlockLength: 10},
	}, needs)

	needs = Generate(synth("A"), synth("X", "Y", "A", "Z"))
	assert.EqualValues(t, Needs{
		{BlockType: Source, FileOffset: 0, BlockLength: 20},
		{BlockType: Seed, FileOffset: 0, BlockLength: 10},
		{BlockType: Source, FileOffset: 30, BlockLength: 10},
	}, needs)
	wtest.Must(t, needs.Validate())
}

func Test_TieBreak(t *testing.T) {
	seed := synth("X", "Y", "X", "Z")

	// no previous match: lowest offset
	needs := Generate(seed, synth("X"))
	assert.EqualValues(t, Needs{{BlockType: Seed, FileOffset: 0, BlockLength: 10}}, needs)

	// the copy right after the previous match wins
	needs = Generate(seed, synth("Y", "X", "Z"))
	assert.EqualValues(t, Needs{{BlockType: Seed, FileOffset: 10, BlockLength: 30}}, needs)

	// previous match not followed by a copy: back to the lowest offset
	needs = Generate(seed, synth("Z", "X"))
	assert.EqualValues(t, Needs{
		{BlockType: Seed, FileOffset: 30, BlockLength: 10},
		{BlockType: Seed, FileOffset: 0, BlockLength: 10},
	}, needs)
}

func Test_OneBlockChanged(t *testing.T) {
	seed := randomData(0x28, 1024*1024)
	source := append([]byte{}, seed...)
	copy(source[500*1024:], randomData(0x29, 1024))

	needs := Generate(blocksOf(t, seed), blocksOf(t, source))
	require.Len(t, needs, 3)
	assert.EqualValues(t, Seed, needs[0].BlockType)
	assert.EqualValues(t, Source, needs[1].BlockType)
	assert.EqualValues(t, Seed, needs[2].BlockType)

	assert.EqualValues(t, 0, needs[0].FileOffset)
	assert.True(t, needs[1].FileOffset <= 500*1024)
	assert.True(t, needs[1].End() >= 501*1024)
	// only the blocks around the change travel
	assert.True(t, needs.SourceLength() < 3*chunker.DefaultMaxSize)
	assert.EqualValues(t, len(seed), needs[2].End())

	wtest.AssertSameBytes(t, source, rebuild(t, needs, seed, source))
}

func Test_ParserStopsOnFailure(t *testing.T) {
	seed := []byte("0123456789")
	needs := Needs{
		{BlockType: Seed, FileOffset: 0, BlockLength: 5},
		{BlockType: Seed, FileOffset: 8, BlockLength: 5},
		{BlockType: Source, FileOffset: 10, BlockLength: 5},
	}

	var visited []int
	p := &Parser{
		Seed:   &bytesAccess{data: seed},
		Source: &bytesAccess{data: []byte("abcdefghijklmnopq")},
		OnNeed: func(i int, n Need) { visited = append(visited, i) },
	}
	out := new(bytes.Buffer)
	err := p.Parse(context.Background(), needs, out)
	assert.True(t, errors.Is(err, partial.ErrShortCopy))
	assert.EqualValues(t, []int{0}, visited)
	assert.EqualValues(t, "01234", out.String())

	err = p.Parse(context.Background(), Needs{{BlockType: SeedMax, BlockLength: 1}}, out)
	assert.True(t, errors.Is(err, ErrInvalidNeed))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.Parse(ctx, needs, out)
	assert.Error(t, err)
}

func Test_NeedsOutOfBounds(t *testing.T) {
	huge := Needs{{BlockType: Source, FileOffset: 0, BlockLength: math.MaxInt64 + 10}}
	assert.True(t, errors.Is(huge.Validate(), ErrInvalidNeed))

	wrapping := Needs{
		{BlockType: Seed, FileOffset: math.MaxInt64 - 1, BlockLength: 5},
	}
	assert.True(t, errors.Is(wrapping.Validate(), ErrInvalidNeed))

	p := &Parser{
		Seed:   &bytesAccess{data: []byte("0123456789")},
		Source: &bytesAccess{data: []byte("abcdefghij")},
	}
	out := new(bytes.Buffer)
	err := p.Parse(context.Background(), huge, out)
	assert.True(t, errors.Is(err, ErrInvalidNeed))
	err = p.Parse(context.Background(), wrapping, out)
	assert.True(t, errors.Is(err, ErrInvalidNeed))
	assert.Equal(t, 0, out.Len())
	assert.EqualValues(t, 0, p.BytesTransferred())
	assert.EqualValues(t, 0, p.BytesCopied())
}

func Test_BlockTypeText(t *testing.T) {
	for _, bt := range []BlockType{Source, Seed} {
		text, err := bt.MarshalText()
		wtest.Must(t, err)

		var parsed BlockType
		wtest.Must(t, parsed.UnmarshalText(text))
		assert.EqualValues(t, bt, parsed)
	}

	_, err := SeedMax.MarshalText()
	assert.Error(t, err)
	_, err = ParseBlockType("other")
	assert.True(t, errors.Is(err, ErrInvalidNeed))
}

func Test_CreateNeedsList(t *testing.T) {
	seedRepo := signature.NewVolatileRepository()
	sourceRepo := signature.NewVolatileRepository()
	defer seedRepo.Dispose()
	defer sourceRepo.Dispose()

	seed := randomData(0x2a, 2*1024*1024)
	source := append(append([]byte{}, randomData(0x2b, 4096)...), seed...)

	ctx := context.Background()
	g := signature.NewGenerator()
	seedInfos, err := g.GenerateSignatures(ctx, bytes.NewReader(seed), "f", seedRepo)
	wtest.Must(t, err)
	sourceInfos, err := g.GenerateSignatures(ctx, bytes.NewReader(source), "f", sourceRepo)
	wtest.Must(t, err)

	ng := &Generator{Seed: seedRepo, Source: sourceRepo}
	needs, err := ng.CreateNeedsList(ctx, seedInfos[len(seedInfos)-1], sourceInfos[len(sourceInfos)-1])
	wtest.Must(t, err)
	assert.EqualValues(t, len(source), needs.TotalLength())
	assert.True(t, needs.SeedLength() > uint64(len(seed))/2)
	wtest.AssertSameBytes(t, source, rebuild(t, needs, seed, source))

	// broken seed signature
	w, err := seedRepo.CreateContent(seedInfos[len(seedInfos)-1].Name)
	wtest.Must(t, err)
	_, err = w.Write([]byte("garbage"))
	wtest.Must(t, err)
	wtest.Must(t, w.Close())

	_, err = ng.CreateNeedsList(ctx, seedInfos[len(seedInfos)-1], sourceInfos[len(sourceInfos)-1])
	assert.True(t, signature.IsFormatError(err))
}
