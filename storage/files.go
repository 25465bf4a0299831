package storage

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/chunker"
	"go.uber.org/zap"
)

// FileRecord is the stored description of a file.
type FileRecord struct {
	Name         string            `json:"name"`
	Length       int64             `json:"length"`
	Pages        []PageInformation `json:"pages"`
	Metadata     map[string]string `json:"metadata"`
	LastModified time.Time         `json:"lastModified"`
	Etag         string            `json:"etag"`
}

func copyMetadata(md map[string]string) map[string]string {
	res := make(map[string]string, len(md))
	for k, v := range md {
		res[k] = v
	}
	return res
}

func decodeRecord(value []byte) (*FileRecord, error) {
	rec := &FileRecord{}
	err := json.Unmarshal(value, rec)
	if err != nil {
		return nil, errors.Wrap(err, "decoding file record")
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	return rec, nil
}

// PutFile stores the content of r under name, replacing any existing file.
func (e *Engine) PutFile(ctx context.Context, name string, metadata map[string]string, r io.Reader) (*FileRecord, error) {
	err := validateName(name)
	if err != nil {
		return nil, err
	}

	var pages []PageInformation
	var length int64

	err = e.chunker.Split(r, func(block chunker.Block, data []byte) error {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}

		digest := block.Digest.String()
		err := e.stagePage(digest, data)
		if err != nil {
			return err
		}

		pages = append(pages, PageInformation{Digest: digest, Size: block.Length})
		length += block.Length
		return nil
	})
	if err != nil {
		e.unstage(pages)
		return nil, err
	}

	rec := &FileRecord{
		Name:         name,
		Length:       length,
		Pages:        pages,
		Metadata:     copyMetadata(metadata),
		LastModified: e.clock.Now().UTC(),
		Etag:         newEtag(),
	}

	err = e.Batch(func(tx *Tx) error {
		tx.putFile(rec)
		return nil
	})
	if err != nil {
		e.unstage(pages)
		return nil, err
	}

	e.logger.Debug("stored file",
		zap.String("name", name),
		zap.Int64("length", length),
		zap.Int("pages", len(pages)))
	return rec, nil
}

func (e *Engine) unstage(pages []PageInformation) {
	if len(pages) == 0 {
		return
	}
	if err := e.unstagePages(pages); err != nil {
		e.logger.Warn("could not release pages", zap.Int("pages", len(pages)), zap.Error(err))
	}
}

// FileWriter streams a new file into the store. The file only becomes
// visible once Close returns without error.
type FileWriter struct {
	pw   *io.PipeWriter
	done chan struct{}
	rec  *FileRecord
	err  error
}

// CreateFile returns a writer for a new version of name.
func (e *Engine) CreateFile(ctx context.Context, name string, metadata map[string]string) (*FileWriter, error) {
	err := validateName(name)
	if err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	fw := &FileWriter{
		pw:   pw,
		done: make(chan struct{}),
	}

	go func() {
		defer close(fw.done)
		fw.rec, fw.err = e.PutFile(ctx, name, metadata, pr)
		if fw.err != nil {
			pr.CloseWithError(fw.err)
		} else {
			pr.Close()
		}
	}()

	return fw, nil
}

func (fw *FileWriter) Write(p []byte) (int, error) {
	return fw.pw.Write(p)
}

// Close commits the file.
func (fw *FileWriter) Close() error {
	fw.pw.Close()
	<-fw.done
	return fw.err
}

// Abort discards everything written so far.
func (fw *FileWriter) Abort() {
	fw.pw.CloseWithError(errors.New("file writer aborted"))
	<-fw.done
}

// Record returns the committed record, once Close succeeded.
func (fw *FileWriter) Record() *FileRecord {
	return fw.rec
}

// Stat returns the record of name, or ErrNotFound.
func (e *Engine) Stat(name string) (*FileRecord, error) {
	value, err := e.get(fileKey(name))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, errors.Wrapf(ErrNotFound, "file %s", name)
	}
	return decodeRecord(value)
}

// Exists is Stat without the record.
func (e *Engine) Exists(name string) (bool, error) {
	_, err := e.Stat(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns the records whose name starts with prefix, sorted by name.
func (e *Engine) List(prefix string) ([]*FileRecord, error) {
	var res []*FileRecord
	err := e.scan(fileKey(prefix), func(key string, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil {
			return err
		}
		res = append(res, rec)
		return nil
	})
	return res, err
}

func (e *Engine) Delete(name string) error {
	return e.Batch(func(tx *Tx) error {
		tx.DeleteFile(name)
		return nil
	})
}

// Rename fails with ErrExists if newName is taken.
func (e *Engine) Rename(oldName, newName string) error {
	return e.Batch(func(tx *Tx) error {
		return tx.RenameFile(oldName, newName)
	})
}

// UpdateMetadata lets fn edit a copy of the file's metadata and stores the
// result. Returns ErrConcurrency if the record changed in the meantime.
func (e *Engine) UpdateMetadata(name string, fn func(md map[string]string) error) (*FileRecord, error) {
	var updated *FileRecord
	err := e.Batch(func(tx *Tx) error {
		rec, err := tx.Stat(name)
		if err != nil {
			return err
		}

		md := copyMetadata(rec.Metadata)
		err = fn(md)
		if err != nil {
			return err
		}

		updated = tx.SetMetadata(rec, md)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Stat reads a record as part of the transaction.
func (tx *Tx) Stat(name string) (*FileRecord, error) {
	value, err := tx.read(fileKey(name))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, errors.Wrapf(ErrNotFound, "file %s", name)
	}
	return decodeRecord(value)
}

// SetMetadata replaces the metadata of rec, which must have been read
// through tx.Stat. Returns the record as it will be committed.
func (tx *Tx) SetMetadata(rec *FileRecord, md map[string]string) *FileRecord {
	updated := *rec
	updated.Metadata = copyMetadata(md)
	updated.Etag = newEtag()

	tx.ops = append(tx.ops, func(st *commitState) error {
		return st.putJSON(fileKey(updated.Name), &updated)
	})
	return &updated
}

func (tx *Tx) putFile(rec *FileRecord) {
	tx.ops = append(tx.ops, func(st *commitState) error {
		key := fileKey(rec.Name)
		existing, err := st.get(key)
		if err != nil {
			return err
		}
		if existing != nil {
			old, err := decodeRecord(existing)
			if err != nil {
				return err
			}
			st.releasePages(old.Pages)
		}
		return st.putJSON(key, rec)
	})
}

// DeleteFile removes name. Deleting a missing file is not an error.
func (tx *Tx) DeleteFile(name string) {
	tx.ops = append(tx.ops, func(st *commitState) error {
		key := fileKey(name)
		existing, err := st.get(key)
		if err != nil {
			return err
		}
		if existing == nil {
			return nil
		}

		old, err := decodeRecord(existing)
		if err != nil {
			return err
		}
		st.releasePages(old.Pages)
		st.delete(key)
		return nil
	})
}

// RenameFile moves a record. Pages are left alone.
func (tx *Tx) RenameFile(oldName, newName string) error {
	err := validateName(newName)
	if err != nil {
		return err
	}

	tx.ops = append(tx.ops, func(st *commitState) error {
		value, err := st.get(fileKey(oldName))
		if err != nil {
			return err
		}
		if value == nil {
			return errors.Wrapf(ErrNotFound, "file %s", oldName)
		}

		taken, err := st.get(fileKey(newName))
		if err != nil {
			return err
		}
		if taken != nil {
			return errors.Wrapf(ErrExists, "file %s", newName)
		}

		rec, err := decodeRecord(value)
		if err != nil {
			return err
		}
		rec.Name = newName
		rec.Etag = newEtag()

		st.delete(fileKey(oldName))
		return st.putJSON(fileKey(newName), rec)
	})
	return nil
}

// PageRange is the part of a file's page list that covers a byte range.
type PageRange struct {
	Pages []PageInformation
	// Start is the offset of the range inside the first page.
	Start  int64
	Length int64
}

// PageRange maps [from, from+length) onto the record's pages.
func (rec *FileRecord) PageRange(from, length int64) (*PageRange, error) {
	if from < 0 || length < 0 || from+length > rec.Length {
		return nil, errors.Wrapf(ErrOutOfRange, "[%d, %d) of %s (%d bytes)", from, from+length, rec.Name, rec.Length)
	}

	pr := &PageRange{Length: length}
	if length == 0 {
		return pr, nil
	}

	end := from + length
	offset := int64(0)
	for _, p := range rec.Pages {
		pageEnd := offset + p.Size
		if pageEnd > from && offset < end {
			if len(pr.Pages) == 0 {
				pr.Start = from - offset
			}
			pr.Pages = append(pr.Pages, p)
		}
		if pageEnd >= end {
			break
		}
		offset = pageEnd
	}
	return pr, nil
}

// OpenRange returns a reader for length bytes of name starting at from.
func (e *Engine) OpenRange(name string, from, length int64) (io.ReadCloser, error) {
	rec, err := e.Stat(name)
	if err != nil {
		return nil, err
	}
	return e.OpenRecordRange(rec, from, length)
}

// OpenRecordRange is OpenRange for a record that was already looked up.
func (e *Engine) OpenRecordRange(rec *FileRecord, from, length int64) (io.ReadCloser, error) {
	pr, err := rec.PageRange(from, length)
	if err != nil {
		return nil, err
	}
	return &rangeReader{e: e, pr: pr, remaining: pr.Length}, nil
}

// OpenFile returns the record of name and a reader for its whole content.
func (e *Engine) OpenFile(name string) (*FileRecord, io.ReadCloser, error) {
	rec, err := e.Stat(name)
	if err != nil {
		return nil, nil, err
	}
	r, err := e.OpenRecordRange(rec, 0, rec.Length)
	if err != nil {
		return nil, nil, err
	}
	return rec, r, nil
}

type rangeReader struct {
	e         *Engine
	pr        *PageRange
	next      int
	cur       []byte
	remaining int64
}

func (rr *rangeReader) Read(p []byte) (int, error) {
	if rr.remaining == 0 {
		return 0, io.EOF
	}

	if len(rr.cur) == 0 {
		if rr.next >= len(rr.pr.Pages) {
			return 0, errors.WithStack(io.ErrUnexpectedEOF)
		}

		page, err := rr.e.readPage(rr.pr.Pages[rr.next])
		if err != nil {
			return 0, err
		}
		if rr.next == 0 {
			page = page[rr.pr.Start:]
		}
		rr.next++
		rr.cur = page
	}

	n := len(p)
	if int64(n) > rr.remaining {
		n = int(rr.remaining)
	}
	n = copy(p[:n], rr.cur)
	rr.cur = rr.cur[n:]
	rr.remaining -= int64(n)
	return n, nil
}

func (rr *rangeReader) Close() error {
	rr.cur = nil
	return nil
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
