package signature

import (
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// CacheRepository keeps blobs as files under a root directory of an
// afero filesystem: a real directory for the on-disk cache, or a
// afero.MemMapFs for a volatile in-process one.
type CacheRepository struct {
	fs   afero.Fs
	root string
}

var _ Disposable = (*CacheRepository)(nil)

func NewCacheRepository(fs afero.Fs, root string) (*CacheRepository, error) {
	err := fs.MkdirAll(root, 0o755)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &CacheRepository{fs: fs, root: root}, nil
}

// NewVolatileRepository returns an in-memory repository.
func NewVolatileRepository() *CacheRepository {
	repo, err := NewCacheRepository(afero.NewMemMapFs(), "/signatures")
	if err != nil {
		// MkdirAll on a fresh MemMapFs doesn't fail
		panic(err)
	}
	return repo
}

// NewTempRepository creates a repository in a fresh temporary directory,
// which Dispose removes.
func NewTempRepository(fs afero.Fs, dir string) (*CacheRepository, error) {
	root, err := afero.TempDir(fs, dir, "signatures-")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &CacheRepository{fs: fs, root: root}, nil
}

func (cr *CacheRepository) Root() string {
	return cr.root
}

func (cr *CacheRepository) path(name string) string {
	return filepath.Join(cr.root, url.PathEscape(name))
}

func (cr *CacheRepository) GetContentForReading(name string) (io.ReadCloser, error) {
	f, err := cr.fs.Open(cr.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrNotFound, name)
		}
		return nil, errors.WithStack(err)
	}
	return f, nil
}

func (cr *CacheRepository) CreateContent(name string) (io.WriteCloser, error) {
	finalPath := cr.path(name)
	tempPath := finalPath + ".tmp-" + uuid.NewString()

	f, err := cr.fs.Create(tempPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &cacheWriter{
		File:      f,
		fs:        cr.fs,
		tempPath:  tempPath,
		finalPath: finalPath,
	}, nil
}

type cacheWriter struct {
	afero.File
	fs        afero.Fs
	tempPath  string
	finalPath string
	closed    bool
}

func (cw *cacheWriter) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true

	err := cw.File.Close()
	if err != nil {
		cw.fs.Remove(cw.tempPath)
		return errors.WithStack(err)
	}

	err = cw.fs.Remove(cw.finalPath)
	if err != nil && !os.IsNotExist(err) {
		cw.fs.Remove(cw.tempPath)
		return errors.WithStack(err)
	}

	err = cw.fs.Rename(cw.tempPath, cw.finalPath)
	if err != nil {
		cw.fs.Remove(cw.tempPath)
		return errors.WithStack(err)
	}
	return nil
}

type cacheEntry struct {
	info    Info
	modTime time.Time
}

func (cr *CacheRepository) list(fileName string) ([]cacheEntry, error) {
	infos, err := afero.ReadDir(cr.fs, cr.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	var entries []cacheEntry
	for _, fi := range infos {
		if fi.IsDir() || strings.Contains(fi.Name(), ".tmp-") {
			continue
		}

		name, err := url.PathUnescape(fi.Name())
		if err != nil {
			continue
		}

		sigFile, level, err := ParseName(name)
		if err != nil || sigFile != fileName {
			continue
		}

		entries = append(entries, cacheEntry{
			info: Info{
				Name:   name,
				Length: fi.Size(),
				Level:  level,
			},
			modTime: fi.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].info.Level < entries[j].info.Level
	})
	return entries, nil
}

func (cr *CacheRepository) GetByFileName(fileName string) ([]Info, error) {
	entries, err := cr.list(fileName)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.Wrap(ErrNotFound, fileName)
	}

	res := make([]Info, 0, len(entries))
	for _, e := range entries {
		res = append(res, e.info)
	}
	return res, nil
}

func (cr *CacheRepository) GetLastUpdate(fileName string) (*time.Time, error) {
	entries, err := cr.list(fileName)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	last := entries[0].modTime
	for _, e := range entries[1:] {
		if e.modTime.After(last) {
			last = e.modTime
		}
	}
	return &last, nil
}

func (cr *CacheRepository) Clear(fileName string) error {
	entries, err := cr.list(fileName)
	if err != nil {
		return err
	}

	for _, e := range entries {
		err = cr.fs.Remove(cr.path(e.info.Name))
		if err != nil && !os.IsNotExist(err) {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Dispose deletes the repository's directory and everything in it.
func (cr *CacheRepository) Dispose() error {
	return errors.WithStack(cr.fs.RemoveAll(cr.root))
}
