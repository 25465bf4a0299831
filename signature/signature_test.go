package signature

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"

	"github.com/itchio/randsource"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/chunker"
	"github.com/rdcsync/rdcsync/storage"
	"github.com/rdcsync/rdcsync/wtest"
	"github.com/stretchr/testify/assert"
)

func randomData(seed int64, size int) []byte {
	prng := &randsource.Reader{Source: rand.New(rand.NewSource(seed))}
	data := make([]byte, size)
	_, _ = prng.Read(data)
	return data
}

func Test_BlobRoundTrip(t *testing.T) {
	data := randomData(0x51, 300*1024)
	blocks, err := chunker.New().Blocks(bytes.NewReader(data))
	wtest.Must(t, err)

	for _, compression := range []*CompressionSettings{CompressionNone(), CompressionDefault()} {
		buf := new(bytes.Buffer)
		wtest.Must(t, WriteBlocks(buf, blocks, compression, int64(len(data))))

		sig, err := ReadSignature(bytes.NewReader(buf.Bytes()))
		wtest.Must(t, err)
		assert.EqualValues(t, len(data), sig.DataLength)
		assert.EqualValues(t, blocks, sig.Blocks)
	}
}

func Test_BlobEmpty(t *testing.T) {
	buf := new(bytes.Buffer)
	wtest.Must(t, WriteBlocks(buf, nil, nil, 0))

	sig, err := ReadSignature(bytes.NewReader(buf.Bytes()))
	wtest.Must(t, err)
	assert.EqualValues(t, 0, sig.DataLength)
	assert.Empty(t, sig.Blocks)
}

func Test_BlobMalformed(t *testing.T) {
	data := randomData(0x52, 100*1024)
	blocks, err := chunker.New().Blocks(bytes.NewReader(data))
	wtest.Must(t, err)

	buf := new(bytes.Buffer)
	wtest.Must(t, WriteBlocks(buf, blocks, CompressionNone(), int64(len(data))))
	blob := buf.Bytes()

	// garbage
	_, err = ReadSignature(bytes.NewReader([]byte("definitely not a signature")))
	assert.Error(t, err)
	assert.True(t, IsFormatError(err))

	// truncated in the middle of a message
	_, err = ReadSignature(bytes.NewReader(blob[:len(blob)-5]))
	assert.Error(t, err)
	assert.True(t, IsFormatError(err))

	// header lies about the data length
	buf.Reset()
	wtest.Must(t, WriteBlocks(buf, blocks, CompressionNone(), int64(len(data))+1))
	_, err = ReadSignature(bytes.NewReader(buf.Bytes()))
	assert.Error(t, err)
	assert.True(t, IsFormatError(err))

	// blocks with a gap
	holey := append([]chunker.Block{}, blocks...)
	holey[1].Offset++
	buf.Reset()
	wtest.Must(t, WriteBlocks(buf, holey, CompressionNone(), int64(len(data))))
	_, err = ReadSignature(bytes.NewReader(buf.Bytes()))
	assert.Error(t, err)
	assert.True(t, IsFormatError(err))
}

func Test_LoadSignatureNamesBlob(t *testing.T) {
	repo := NewVolatileRepository()
	w, err := repo.CreateContent("a.bin.0.sig")
	wtest.Must(t, err)
	_, err = w.Write([]byte{1, 2, 3})
	wtest.Must(t, err)
	wtest.Must(t, w.Close())

	_, err = LoadSignature(repo, "a.bin.0.sig")
	var fe *FormatError
	assert.True(t, errors.As(err, &fe))
	assert.EqualValues(t, "a.bin.0.sig", fe.Name)

	_, err = LoadSignature(repo, "b.bin.0.sig")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func Test_Names(t *testing.T) {
	name := InfoName("dir/file.0.txt", 2)
	assert.EqualValues(t, "dir/file.0.txt.2.sig", name)

	fileName, level, err := ParseName(name)
	wtest.Must(t, err)
	assert.EqualValues(t, "dir/file.0.txt", fileName)
	assert.EqualValues(t, 2, level)

	for _, bad := range []string{"file.txt", "file.x.sig", ".1.sig", "file.-1.sig"} {
		_, _, err := ParseName(bad)
		assert.Error(t, err, bad)
	}
}

func Test_CacheRepository(t *testing.T) {
	repo := NewVolatileRepository()

	_, err := repo.GetByFileName("some/file")
	assert.True(t, errors.Is(err, ErrNotFound))

	last, err := repo.GetLastUpdate("some/file")
	wtest.Must(t, err)
	assert.Nil(t, last)

	for level := 2; level >= 0; level-- {
		w, err := repo.CreateContent(InfoName("some/file", level))
		wtest.Must(t, err)
		_, err = w.Write(bytes.Repeat([]byte{byte(level)}, level+1))
		wtest.Must(t, err)
		wtest.Must(t, w.Close())
	}

	// a different file sharing the prefix
	w, err := repo.CreateContent(InfoName("some/file2", 0))
	wtest.Must(t, err)
	wtest.Must(t, w.Close())

	infos, err := repo.GetByFileName("some/file")
	wtest.Must(t, err)
	assert.Len(t, infos, 3)
	for i, info := range infos {
		assert.EqualValues(t, i, info.Level)
		assert.EqualValues(t, i+1, info.Length)
	}

	last, err = repo.GetLastUpdate("some/file")
	wtest.Must(t, err)
	assert.NotNil(t, last)

	data, err := ReadAll(repo, InfoName("some/file", 1))
	wtest.Must(t, err)
	assert.EqualValues(t, []byte{1, 1}, data)

	wtest.Must(t, repo.Clear("some/file"))
	_, err = repo.GetByFileName("some/file")
	assert.True(t, errors.Is(err, ErrNotFound))

	infos, err = repo.GetByFileName("some/file2")
	wtest.Must(t, err)
	assert.Len(t, infos, 1)

	wtest.Must(t, repo.Dispose())
}

func Test_CacheRepositoryOverwrite(t *testing.T) {
	repo := NewVolatileRepository()
	name := InfoName("f", 0)

	for _, content := range []string{"first version", "second"} {
		w, err := repo.CreateContent(name)
		wtest.Must(t, err)
		_, err = w.Write([]byte(content))
		wtest.Must(t, err)
		wtest.Must(t, w.Close())
	}

	data, err := ReadAll(repo, name)
	wtest.Must(t, err)
	assert.EqualValues(t, "second", string(data))
}

func Test_GeneratorSmallFile(t *testing.T) {
	repo := NewVolatileRepository()
	data := randomData(0x53, 40*1024)

	infos, err := NewGenerator().GenerateSignatures(context.Background(), bytes.NewReader(data), "small", repo)
	wtest.Must(t, err)
	assert.Len(t, infos, 1)
	assert.EqualValues(t, InfoName("small", 0), infos[0].Name)

	sig, err := LoadSignature(repo, infos[0].Name)
	wtest.Must(t, err)
	assert.EqualValues(t, len(data), sig.DataLength)
}

func Test_GeneratorCascade(t *testing.T) {
	repo := NewVolatileRepository()
	data := randomData(0x54, 32*1024*1024)

	g := NewGenerator()
	infos, err := g.GenerateSignatures(context.Background(), bytes.NewReader(data), "big", repo)
	wtest.Must(t, err)
	assert.True(t, len(infos) > 1, "expected more than one level, got %d", len(infos))
	assert.True(t, len(infos) <= g.MaxLevels)

	stored, err := repo.GetByFileName("big")
	wtest.Must(t, err)
	assert.EqualValues(t, infos, stored)

	for i, info := range infos {
		assert.EqualValues(t, i, info.Level)
	}

	// the finest level describes the file, every coarser one the blob
	// of the level just below it
	finest, err := LoadSignature(repo, infos[len(infos)-1].Name)
	wtest.Must(t, err)
	assert.EqualValues(t, len(data), finest.DataLength)

	for i := 0; i < len(infos)-1; i++ {
		sig, err := LoadSignature(repo, infos[i].Name)
		wtest.Must(t, err)
		assert.EqualValues(t, infos[i+1].Length, sig.DataLength)
	}

	// coarsest level is the only one allowed under the threshold
	assert.True(t, infos[0].Length <= g.CascadeThreshold || len(infos) == g.MaxLevels)
}

func Test_GeneratorDeterministic(t *testing.T) {
	data := randomData(0x55, 4*1024*1024)

	var blobs [][]byte
	for i := 0; i < 2; i++ {
		repo := NewVolatileRepository()
		infos, err := NewGenerator().GenerateSignatures(context.Background(), bytes.NewReader(data), "f", repo)
		wtest.Must(t, err)

		for _, info := range infos {
			blob, err := ReadAll(repo, info.Name)
			wtest.Must(t, err)
			if i == 0 {
				blobs = append(blobs, blob)
			} else {
				assert.EqualValues(t, blobs[info.Level], blob)
			}
		}
	}
}

func Test_GeneratorReplacesAndCancels(t *testing.T) {
	repo := NewVolatileRepository()
	g := NewGenerator()

	_, err := g.GenerateSignatures(context.Background(), bytes.NewReader(randomData(0x56, 8*1024*1024)), "f", repo)
	wtest.Must(t, err)

	// regenerating a smaller file drops the extra levels
	infos, err := g.GenerateSignatures(context.Background(), bytes.NewReader(randomData(0x57, 1024)), "f", repo)
	wtest.Must(t, err)
	stored, err := repo.GetByFileName("f")
	wtest.Must(t, err)
	assert.EqualValues(t, infos, stored)

	// a cancelled run leaves nothing behind
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.GenerateSignatures(ctx, bytes.NewReader(randomData(0x58, 1024*1024)), "f", repo)
	assert.Error(t, err)
	_, err = repo.GetByFileName("f")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func Test_StorageRepository(t *testing.T) {
	store, err := storage.OpenMemory(nil)
	wtest.Must(t, err)
	defer store.Close()

	repo := NewStorageRepository(store)
	data := randomData(0x59, 8*1024*1024)

	infos, err := NewGenerator().GenerateSignatures(context.Background(), bytes.NewReader(data), "dir/f", repo)
	wtest.Must(t, err)

	stored, err := repo.GetByFileName("dir/f")
	wtest.Must(t, err)
	assert.EqualValues(t, infos, stored)

	last, err := repo.GetLastUpdate("dir/f")
	wtest.Must(t, err)
	assert.NotNil(t, last)

	sig, err := LoadSignature(repo, infos[len(infos)-1].Name)
	wtest.Must(t, err)
	assert.EqualValues(t, len(data), sig.DataLength)

	wtest.Must(t, repo.Clear("dir/f"))
	_, err = repo.GetContentForReading(infos[0].Name)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func Test_CompressStream(t *testing.T) {
	data := bytes.Repeat([]byte("rdcsync "), 16*1024)

	for _, compression := range []*CompressionSettings{CompressionNone(), CompressionDefault()} {
		buf := new(bytes.Buffer)
		cw, err := CompressStream(buf, compression)
		wtest.Must(t, err)
		_, err = cw.Write(data)
		wtest.Must(t, err)
		wtest.Must(t, cw.Close())

		if compression.Algorithm == CompressionAlgorithm_BROTLI {
			assert.Less(t, buf.Len(), len(data)/10)
		} else {
			assert.EqualValues(t, data, buf.Bytes())
		}

		r, err := UncompressStream(bytes.NewReader(buf.Bytes()), compression)
		wtest.Must(t, err)
		decoded, err := io.ReadAll(r)
		wtest.Must(t, err)
		assert.EqualValues(t, data, decoded)
	}

	_, err := CompressStream(new(bytes.Buffer), &CompressionSettings{Algorithm: CompressionAlgorithm(42)})
	assert.True(t, errors.Is(err, ErrUnknownCompression))
}
