// Package synchronization moves a file between peers: it checks versions,
// exchanges signature manifests, computes the need list and rebuilds the
// file under a temporary name before swapping it in.
package synchronization

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/itchio/headway/state"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/bufpool"
	"github.com/rdcsync/rdcsync/ctxcopy"
	"github.com/rdcsync/rdcsync/metrics"
	"github.com/rdcsync/rdcsync/needlist"
	"github.com/rdcsync/rdcsync/notify"
	"github.com/rdcsync/rdcsync/partial"
	"github.com/rdcsync/rdcsync/peer"
	"github.com/rdcsync/rdcsync/rdc"
	"github.com/rdcsync/rdcsync/signature"
	"github.com/rdcsync/rdcsync/storage"
	"github.com/rdcsync/rdcsync/versioning"
	"go.uber.org/zap"
)

// TempSuffix is appended to a file's name while it is being rebuilt.
const TempSuffix = ".downloading"

func tempName(fileName string) string {
	return fileName + TempSuffix
}

// State is a step of one synchronization attempt.
type State int

const (
	Idle State = iota
	ConflictCheck
	ManifestExchange
	NeedListComputation
	Transfer
	Finalize
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ConflictCheck:
		return "ConflictCheck"
	case ManifestExchange:
		return "ManifestExchange"
	case NeedListComputation:
		return "NeedListComputation"
	case Transfer:
		return "Transfer"
	case Finalize:
		return "Finalize"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Params holds the collaborators of a Controller.
type Params struct {
	Store     *storage.Engine
	Local     *rdc.LocalManager
	Remotes   *rdc.Remotes
	Conflicts *versioning.Conflicts

	// ServerID and ServerURL identify this node to its peers.
	ServerID  string
	ServerURL string

	// Optional
	Publisher   notify.Publisher
	Pool        *bufpool.Pool
	Clock       clockwork.Clock
	LockTimeout time.Duration
	MaxTries    int
	Logger      *zap.Logger
	Consumer    *state.Consumer
}

func (params *Params) validate() error {
	return validation.ValidateStruct(params,
		validation.Field(&params.Store, validation.Required),
		validation.Field(&params.Local, validation.Required),
		validation.Field(&params.Remotes, validation.Required),
		validation.Field(&params.Conflicts, validation.Required),
		validation.Field(&params.ServerID, validation.Required),
		validation.Field(&params.LockTimeout, validation.Min(time.Duration(0))),
		validation.Field(&params.MaxTries, validation.Min(0)),
	)
}

// Controller runs synchronization attempts, at most one per file at a time.
type Controller struct {
	store     *storage.Engine
	local     *rdc.LocalManager
	remotes   *rdc.Remotes
	conflicts *versioning.Conflicts
	serverID  string
	serverURL string
	publisher notify.Publisher
	pool      *bufpool.Pool
	clock     clockwork.Clock
	maxTries  int
	logger    *zap.Logger
	consumer  *state.Consumer

	locker  *Locker
	reports *Reports
}

func NewController(params Params) (*Controller, error) {
	err := params.validate()
	if err != nil {
		return nil, errors.Wrap(err, "validating synchronization params")
	}

	c := &Controller{
		store:     params.Store,
		local:     params.Local,
		remotes:   params.Remotes,
		conflicts: params.Conflicts,
		serverID:  params.ServerID,
		serverURL: params.ServerURL,
		publisher: params.Publisher,
		pool:      params.Pool,
		clock:     params.Clock,
		maxTries:  params.MaxTries,
		logger:    params.Logger,
		consumer:  params.Consumer,
	}
	if c.publisher == nil {
		c.publisher = notify.Discard{}
	}
	if c.pool == nil {
		c.pool = bufpool.Default
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.consumer == nil {
		c.consumer = &state.Consumer{}
	}

	c.locker = NewLocker(c.store, c.clock, params.LockTimeout, c.serverID, c.consumer)
	c.reports = NewReports(c.store)
	return c, nil
}

func (c *Controller) Locker() *Locker {
	return c.locker
}

func (c *Controller) Reports() *Reports {
	return c.reports
}

func (c *Controller) retry() *RetryContext {
	return NewRetryContext(c.consumer, c.maxTries)
}

// attempt tracks one synchronization from start to report.
type attempt struct {
	report *Report
	state  State
	logger *zap.Logger
}

func (a *attempt) enter(s State) {
	a.logger.Debug("synchronization state",
		zap.Stringer("from", a.state),
		zap.Stringer("to", s))
	a.state = s
}

func (c *Controller) begin(fileName string, direction Direction) *attempt {
	return &attempt{
		report: &Report{
			FileName:  fileName,
			Type:      ContentUpdate,
			Direction: direction,
			Started:   c.clock.Now().UTC(),
		},
		state: Idle,
		logger: c.logger.With(
			zap.String("file", fileName),
			zap.String("direction", string(direction))),
	}
}

// start takes the file's lock. Nothing is reported when the lock is taken:
// the attempt holding it owns the report.
func (c *Controller) start(a *attempt) (*Lock, error) {
	lock, err := c.locker.Acquire(a.report.FileName)
	if err != nil {
		a.logger.Info("synchronization refused", zap.Error(err))
		return nil, err
	}

	c.publisher.Publish(notify.Event{
		Type:      notify.EventSynchronizationStarted,
		FileName:  a.report.FileName,
		ServerURL: a.peerURL(),
	})
	return lock, nil
}

func (a *attempt) peerURL() string {
	if a.report.Direction == Push {
		return a.report.DestinationURL
	}
	return a.report.SourceServerURL
}

func (c *Controller) finish(a *attempt, lock *Lock, err error) (*Report, error) {
	if err := lock.Release(); err != nil {
		a.logger.Warn("could not release lock", zap.Error(err))
	}
	if lost := lock.Lost(); lost != nil && err != nil {
		err = lost
	}

	r := a.report
	r.Finished = c.clock.Now().UTC()
	if err != nil {
		r.Exception = err.Error()
		a.logger.Warn("synchronization failed",
			zap.Stringer("state", a.state),
			zap.Error(err))
	} else {
		a.logger.Info("synchronization finished",
			zap.String("mode", string(r.Mode)),
			zap.Int64("transferred", r.BytesTransfered),
			zap.Int64("copied", r.BytesCopied),
			zap.Int("needs", r.NeedListLength),
			zap.Duration("duration", r.Finished.Sub(r.Started)))
	}
	a.state = Idle

	if saveErr := c.reports.Save(r); saveErr != nil {
		a.logger.Warn("could not save synchronization report", zap.Error(saveErr))
	}
	metrics.RecordSynchronization(string(r.Direction), r.BytesTransfered, r.BytesCopied, r.NeedListLength, err == nil)
	c.publisher.Publish(notify.Event{
		Type:      notify.EventSynchronizationFinished,
		FileName:  r.FileName,
		ServerURL: a.peerURL(),
		Data:      r,
	})
	return r, err
}

// Proceed pulls fileName from the peer at sourceURL.
func (c *Controller) Proceed(ctx context.Context, fileName, sourceURL string) (*Report, error) {
	a := c.begin(fileName, Pull)
	a.report.SourceServerURL = sourceURL
	a.report.DestinationURL = c.serverURL

	lock, err := c.start(a)
	if err != nil {
		return nil, err
	}
	return c.finish(a, lock, c.pull(lock.Hold(ctx), a))
}

// MultipartProceed applies a push received from a peer.
func (c *Controller) MultipartProceed(ctx context.Context, req *MultipartRequest) (*Report, error) {
	a := c.begin(req.FileName, Receive)
	a.report.SourceServerURL = req.SourceServerURL
	a.report.DestinationURL = c.serverURL

	lock, err := c.start(a)
	if err != nil {
		return nil, err
	}
	return c.finish(a, lock, c.receive(lock.Hold(ctx), a, req))
}

func (c *Controller) statLocal(fileName string) (*storage.FileRecord, error) {
	rec, err := c.store.Stat(fileName)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (c *Controller) checkCompatible(ctx context.Context, rm *rdc.RemoteManager) error {
	stats, err := rm.Stats(ctx)
	if err != nil {
		return err
	}
	return rdc.CheckCompatible(*stats)
}

// remoteMetadata returns nil when the peer has no such file.
func remoteMetadata(ctx context.Context, client *peer.Client, fileName string) (map[string]string, error) {
	md, err := client.Metadata(ctx, fileName)
	if err != nil {
		if errors.Is(err, peer.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return md, nil
}

// checkConflict stops the attempt when the incoming version conflicts with
// the local copy, recording the conflict first.
func (c *Controller) checkConflict(a *attempt, local *storage.FileRecord, incoming map[string]string, theirURL string) error {
	var localMD map[string]string
	if local != nil {
		localMD = local.Metadata
	}

	item, err := versioning.Check(localMD, incoming)
	if err != nil {
		return err
	}
	if item == nil {
		return nil
	}

	item.FileName = a.report.FileName
	item.TheirServerURL = theirURL
	err = c.retry().Do(func() error {
		return c.store.Batch(func(tx *storage.Tx) error {
			return c.conflicts.Save(tx, item)
		})
	})
	if err != nil {
		return errors.Wrap(err, "saving conflict")
	}

	metrics.RecordConflict(string(a.report.Direction))
	c.publisher.Publish(notify.Event{
		Type:      notify.EventConflictDetected,
		FileName:  item.FileName,
		ServerURL: theirURL,
		Data:      item,
	})
	a.report.Conflict = item
	return &ConflictError{Item: item}
}

// incomingMetadata is the metadata a synchronized file is stored with.
// Conflict bookkeeping stays local to each node.
func incomingMetadata(md map[string]string) map[string]string {
	res := make(map[string]string, len(md))
	for k, v := range md {
		res[k] = v
	}
	delete(res, versioning.ConflictKey)
	delete(res, versioning.ResolvedKey)
	return res
}

func (c *Controller) pull(ctx context.Context, a *attempt) error {
	fileName := a.report.FileName

	rm, err := c.remotes.Get(a.report.SourceServerURL)
	if err != nil {
		return err
	}
	err = c.checkCompatible(ctx, rm)
	if err != nil {
		return err
	}

	a.enter(ConflictCheck)
	remoteMD, err := remoteMetadata(ctx, rm.Client(), fileName)
	if err != nil {
		return err
	}
	if remoteMD == nil {
		return errors.Wrapf(ErrNotFound, "%s on %s", fileName, rm.Client().BaseURL())
	}

	local, err := c.statLocal(fileName)
	if err != nil {
		return err
	}
	err = c.checkConflict(a, local, remoteMD, a.report.SourceServerURL)
	if err != nil {
		return err
	}

	var needs needlist.Needs
	if local != nil {
		a.enter(ManifestExchange)
		needs, err = c.pullNeeds(ctx, a, rm)
		if err != nil {
			return err
		}
	}

	a.enter(Transfer)
	fw, err := c.store.CreateFile(ctx, tempName(fileName), incomingMetadata(remoteMD))
	if err != nil {
		return err
	}

	if needs == nil {
		a.report.Mode = Full
		err = c.download(ctx, a, rm.Client(), fw)
	} else {
		a.report.Mode = Delta
		err = c.rebuild(ctx, a, rm.Client(), needs, fw)
	}
	if err != nil {
		fw.Abort()
		return err
	}

	err = fw.Close()
	if err != nil {
		return err
	}

	a.enter(Finalize)
	return c.finalize(a)
}

// pullNeeds computes what to fetch from the peer. A nil need list means the
// whole file should be downloaded.
func (c *Controller) pullNeeds(ctx context.Context, a *attempt, rm *rdc.RemoteManager) (needlist.Needs, error) {
	fileName := a.report.FileName

	localManifest, err := c.local.GetSignatureManifest(ctx, fileName)
	if err != nil {
		return nil, err
	}
	remoteManifest, err := rm.SynchronizeSignatures(ctx, fileName)
	if err != nil {
		if signature.IsFormatError(err) {
			a.logger.Warn("peer sent bad signatures, downloading whole file", zap.Error(err))
			return nil, nil
		}
		return nil, err
	}

	a.enter(NeedListComputation)
	gen := &needlist.Generator{
		Seed:   c.local.Repository(),
		Source: rm.Cache(),
	}
	needs, err := c.computeNeeds(ctx, a, gen, localManifest, remoteManifest)
	if err != nil {
		if signature.IsFormatError(err) {
			a.logger.Warn("could not compute need list, downloading whole file", zap.Error(err))
			c.invalidate(a, rm)
			return nil, nil
		}
		return nil, err
	}
	return needs, nil
}

// computeNeeds compares the finest levels of both manifests. Needs that
// don't rebuild a file of the expected length are reported as a
// FormatError. A nil result means no block matched.
func (c *Controller) computeNeeds(ctx context.Context, a *attempt, gen *needlist.Generator, seed, source *signature.Manifest) (needlist.Needs, error) {
	seedInfo, ok := seed.Finest()
	if !ok {
		return nil, nil
	}
	sourceInfo, ok := source.Finest()
	if !ok {
		return nil, nil
	}

	needs, err := gen.CreateNeedsList(ctx, seedInfo, sourceInfo)
	if err != nil {
		return nil, err
	}

	err = needs.Validate()
	if err == nil && int64(needs.TotalLength()) != source.FileLength {
		err = errors.Errorf("need list covers %d bytes, file has %d", needs.TotalLength(), source.FileLength)
	}
	if err != nil {
		return nil, &signature.FormatError{Name: sourceInfo.Name, Err: err}
	}

	a.logger.Debug("computed need list",
		zap.Int("needs", len(needs)),
		zap.Uint64("source", needs.SourceLength()),
		zap.Uint64("seed", needs.SeedLength()))

	if needs.SeedLength() == 0 {
		return nil, nil
	}
	return needs, nil
}

// invalidate drops both sides' signatures of the file so the next attempt
// starts over.
func (c *Controller) invalidate(a *attempt, rm *rdc.RemoteManager) {
	fileName := a.report.FileName
	if err := c.local.Invalidate(fileName); err != nil {
		a.logger.Warn("could not clear local signatures", zap.Error(err))
	}
	if err := rm.Cache().Clear(fileName); err != nil {
		a.logger.Warn("could not clear cached peer signatures", zap.Error(err))
	}
}

func (c *Controller) download(ctx context.Context, a *attempt, client *peer.Client, w io.Writer) error {
	rc, length, err := client.OpenFile(ctx, a.report.FileName)
	if err != nil {
		return err
	}
	defer rc.Close()

	buf := c.pool.Get()
	defer c.pool.Put(buf)

	n, err := ctxcopy.DoBuffer(ctx, w, rc, buf.B)
	a.report.BytesTransfered = n
	if err != nil {
		return errors.Wrap(err, "downloading file")
	}
	if length >= 0 && n != length {
		return errors.Wrapf(partial.ErrShortCopy, "downloaded %d of %d bytes", n, length)
	}
	if n > 0 {
		a.report.NeedListLength = 1
	}
	return nil
}

func (c *Controller) rebuild(ctx context.Context, a *attempt, client *peer.Client, needs needlist.Needs, w io.Writer) error {
	seed, err := partial.NewLocal(c.store, a.report.FileName, c.pool)
	if err != nil {
		return err
	}

	parser := &needlist.Parser{
		Source: partial.NewRemote(client, a.report.FileName, c.pool),
		Seed:   seed,
	}
	a.report.NeedListLength = len(needs)
	err = parser.Parse(ctx, needs, w)
	a.report.BytesTransfered = parser.BytesTransferred()
	a.report.BytesCopied = parser.BytesCopied()
	return err
}

func (c *Controller) receive(ctx context.Context, a *attempt, req *MultipartRequest) error {
	fileName := a.report.FileName

	a.enter(ConflictCheck)
	local, err := c.statLocal(fileName)
	if err != nil {
		return err
	}
	err = c.checkConflict(a, local, req.Metadata, req.SourceServerURL)
	if err != nil {
		return err
	}

	a.enter(Transfer)
	fw, err := c.store.CreateFile(ctx, tempName(fileName), incomingMetadata(req.Metadata))
	if err != nil {
		return err
	}

	err = c.receiveParts(ctx, a, local != nil, req, fw)
	if err != nil {
		fw.Abort()
		return err
	}

	err = fw.Close()
	if err != nil {
		return err
	}

	a.enter(Finalize)
	return c.finalize(a)
}

// receiveParts replays the parts of a push, one need each, into w.
func (c *Controller) receiveParts(ctx context.Context, a *attempt, hasSeed bool, req *MultipartRequest, w io.Writer) error {
	parser := &needlist.Parser{}
	if hasSeed {
		seed, err := partial.NewLocal(c.store, a.report.FileName, c.pool)
		if err != nil {
			return err
		}
		parser.Seed = seed
	}

	defer func() {
		a.report.BytesTransfered = parser.BytesTransferred()
		a.report.BytesCopied = parser.BytesCopied()
	}()

	a.report.Mode = Full
	var position uint64
	for {
		part, err := req.Reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(ErrMalformedRequest, "reading part: %v", err)
		}

		n, err := c.receivePart(ctx, parser, part, position, w)
		part.Close()
		if err != nil {
			return err
		}

		if n.BlockType == needlist.Seed {
			a.report.Mode = Delta
		}
		a.report.NeedListLength++
		position += n.BlockLength
	}
}

func (c *Controller) receivePart(ctx context.Context, parser *needlist.Parser, part *multipart.Part, position uint64, w io.Writer) (needlist.Need, error) {
	n, err := ParseNeedPart(part)
	if err != nil {
		return n, err
	}

	if n.BlockType == needlist.Source {
		if n.FileOffset != position {
			return n, errors.Wrapf(ErrMalformedRequest, "source part %s, expected it at %d", formatRange(n), position)
		}
		parser.Source = partial.NewStream(part, int64(n.FileOffset), c.pool)
	}

	err = parser.Parse(ctx, needlist.Needs{n}, w)
	if err != nil {
		return n, err
	}

	if n.BlockType == needlist.Source {
		// a source part holds exactly its range
		var extra [1]byte
		if m, _ := part.Read(extra[:]); m > 0 {
			return n, errors.Wrapf(ErrMalformedRequest, "source part %s is too long", formatRange(n))
		}
	}
	return n, nil
}

// finalize swaps the rebuilt file in and forgets any conflict it settles.
func (c *Controller) finalize(a *attempt) error {
	fileName := a.report.FileName
	err := c.retry().Do(func() error {
		return c.store.Batch(func(tx *storage.Tx) error {
			tx.DeleteFile(fileName)
			err := tx.RenameFile(tempName(fileName), fileName)
			if err != nil {
				return err
			}
			tx.DeleteConfig(versioning.ConflictKeyFor(fileName))
			return nil
		})
	})
	if err != nil {
		if delErr := c.store.Delete(tempName(fileName)); delErr != nil {
			a.logger.Warn("could not remove temporary file", zap.Error(delErr))
		}
		return errors.Wrap(err, "replacing file")
	}

	if err := c.local.Invalidate(fileName); err != nil {
		a.logger.Warn("could not clear stale signatures", zap.Error(err))
	}
	c.publisher.Publish(notify.Event{
		Type:      notify.EventFileChanged,
		FileName:  fileName,
		ServerURL: a.peerURL(),
	})
	return nil
}
