package synchronization

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/storage"
	"github.com/rdcsync/rdcsync/versioning"
)

// Type is the kind of change a synchronization carried.
type Type string

const (
	ContentUpdate Type = "ContentUpdate"
)

// Mode is how the content got across.
type Mode string

const (
	// Delta: only the bytes missing from the destination were sent.
	Delta Mode = "Delta"
	// Full: the whole file was sent.
	Full Mode = "Full"
)

// Direction is which side of a synchronization this node played.
type Direction string

const (
	// Pull: we fetched the file from a peer.
	Pull Direction = "pull"
	// Push: we sent the file to a peer.
	Push Direction = "push"
	// Receive: a peer pushed the file to us.
	Receive Direction = "receive"
)

const reportPrefix = "SyncResult/"

// Report is the persisted outcome of one synchronization attempt. A failed
// attempt carries its error in Exception.
type Report struct {
	FileName        string    `json:"fileName"`
	Type            Type      `json:"type"`
	Mode            Mode      `json:"mode,omitempty"`
	Direction       Direction `json:"direction"`
	SourceServerURL string    `json:"sourceServerUrl,omitempty"`
	DestinationURL  string    `json:"destinationServerUrl,omitempty"`
	BytesTransfered int64     `json:"bytesTransfered"`
	BytesCopied     int64     `json:"bytesCopied"`
	NeedListLength  int       `json:"needListLength"`
	Exception       string    `json:"exception,omitempty"`
	// Conflict is set when the attempt stopped on a version conflict.
	Conflict *versioning.ConflictItem `json:"conflict,omitempty"`
	Started  time.Time                `json:"started"`
	Finished time.Time                `json:"finished"`
}

func (r *Report) Succeeded() bool {
	return r.Exception == ""
}

// Err turns a failed report received from a peer back into an error.
func (r *Report) Err() error {
	if r.Succeeded() {
		return nil
	}
	if r.Conflict != nil {
		return &ConflictError{Item: r.Conflict}
	}
	return errors.Errorf("synchronization of %s failed on peer: %s", r.FileName, r.Exception)
}

func reportKey(fileName string) string {
	return reportPrefix + fileName
}

// Reports reads and writes persisted reports.
type Reports struct {
	store *storage.Engine
}

func NewReports(store *storage.Engine) *Reports {
	return &Reports{store: store}
}

// Save replaces the last report of the file.
func (rs *Reports) Save(report *Report) error {
	_, err := rs.store.PutConfig(reportKey(report.FileName), report, storage.AnyEtag)
	return err
}

// Get returns the last report of fileName, or ErrNotFound.
func (rs *Reports) Get(fileName string) (*Report, error) {
	ce, err := rs.store.GetConfig(reportKey(fileName))
	if err != nil {
		return nil, err
	}

	report := &Report{}
	err = ce.Decode(report)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// List returns the last report of every file that has one.
func (rs *Reports) List() ([]*Report, error) {
	entries, err := rs.store.ListConfig(reportPrefix)
	if err != nil {
		return nil, err
	}

	res := make([]*Report, 0, len(entries))
	for _, ce := range entries {
		report := &Report{}
		err = ce.Decode(report)
		if err != nil {
			return nil, err
		}
		res = append(res, report)
	}
	return res, nil
}
