package synchronization

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/needlist"
	"github.com/rdcsync/rdcsync/partial"
	"github.com/rdcsync/rdcsync/peer"
	"github.com/rdcsync/rdcsync/rdc"
	"github.com/rdcsync/rdcsync/signature"
	"github.com/rdcsync/rdcsync/versioning"
	"go.uber.org/zap"
)

// Push sends fileName to the peer at destinationURL in one multipart
// request. Only the bytes the peer lacks are sent. The returned report is
// ours, filled in from the peer's answer.
func (c *Controller) Push(ctx context.Context, fileName, destinationURL string) (*Report, error) {
	a := c.begin(fileName, Push)
	a.report.SourceServerURL = c.serverURL
	a.report.DestinationURL = destinationURL

	lock, err := c.start(a)
	if err != nil {
		return nil, err
	}
	return c.finish(a, lock, c.push(lock.Hold(ctx), a))
}

func (c *Controller) push(ctx context.Context, a *attempt) error {
	fileName := a.report.FileName

	src, err := partial.NewLocal(c.store, fileName, c.pool)
	if err != nil {
		return err
	}
	local := src.Record()

	rm, err := c.remotes.Get(a.report.DestinationURL)
	if err != nil {
		return err
	}
	err = c.checkCompatible(ctx, rm)
	if err != nil {
		return err
	}

	// the destination checks again: this only saves a useless transfer
	a.enter(ConflictCheck)
	remoteMD, err := remoteMetadata(ctx, rm.Client(), fileName)
	if err != nil {
		return err
	}
	item, err := versioning.Check(remoteMD, local.Metadata)
	if err != nil {
		return err
	}
	if item != nil {
		return c.reportConflict(ctx, a, rm.Client(), item)
	}

	var needs needlist.Needs
	if remoteMD != nil {
		a.enter(ManifestExchange)
		needs, err = c.pushNeeds(ctx, a, rm)
		if err != nil {
			return err
		}
	}
	if needs == nil {
		a.report.Mode = Full
		if local.Length > 0 {
			needs = needlist.Needs{{
				BlockType:   needlist.Source,
				FileOffset:  0,
				BlockLength: uint64(local.Length),
			}}
		}
	} else {
		a.report.Mode = Delta
	}

	a.enter(Transfer)
	peerReport, err := c.send(ctx, rm.Client(), src, needs)
	if err != nil {
		return err
	}

	a.enter(Finalize)
	a.report.NeedListLength = len(needs)
	a.report.BytesTransfered = int64(needs.SourceLength())
	a.report.BytesCopied = int64(needs.SeedLength())
	if peerReport.Conflict != nil {
		a.report.Conflict = peerReport.Conflict
	}
	return peerReport.Err()
}

// reportConflict tells the destination about a conflict we found, so it is
// listed there until someone resolves it.
func (c *Controller) reportConflict(ctx context.Context, a *attempt, client *peer.Client, item *versioning.ConflictItem) error {
	// item was computed from the destination's point of view
	item.FileName = a.report.FileName
	item.TheirServerURL = c.serverURL
	a.report.Conflict = item

	query := url.Values{
		"fileName":        []string{item.FileName},
		"remoteVersion":   []string{strconv.FormatInt(item.Theirs.Version, 10)},
		"remoteServerId":  []string{item.Theirs.ServerID},
		"remoteServerUrl": []string{c.serverURL},
	}
	err := client.Send(ctx, "applying conflict", http.MethodPatch,
		client.URL(query, "synchronization", "ApplyConflict"), nil, nil, nil)
	if err != nil {
		a.logger.Warn("could not report conflict to destination", zap.Error(err))
	}
	return &ConflictError{Item: item}
}

// pushNeeds computes which parts of our copy the destination lacks. A nil
// need list means the whole file should be sent.
func (c *Controller) pushNeeds(ctx context.Context, a *attempt, rm *rdc.RemoteManager) (needlist.Needs, error) {
	fileName := a.report.FileName

	localManifest, err := c.local.GetSignatureManifest(ctx, fileName)
	if err != nil {
		return nil, err
	}
	remoteManifest, err := rm.SynchronizeSignatures(ctx, fileName)
	if err != nil {
		if signature.IsFormatError(err) {
			a.logger.Warn("peer sent bad signatures, sending whole file", zap.Error(err))
			return nil, nil
		}
		return nil, err
	}

	a.enter(NeedListComputation)
	gen := &needlist.Generator{
		Seed:   rm.Cache(),
		Source: c.local.Repository(),
	}
	needs, err := c.computeNeeds(ctx, a, gen, remoteManifest, localManifest)
	if err != nil {
		if signature.IsFormatError(err) {
			a.logger.Warn("could not compute need list, sending whole file", zap.Error(err))
			c.invalidate(a, rm)
			return nil, nil
		}
		return nil, err
	}
	return needs, nil
}

// send streams needs as a multipart request and returns the peer's report.
func (c *Controller) send(ctx context.Context, client *peer.Client, src *partial.Local, needs needlist.Needs) (*Report, error) {
	rec := src.Record()
	pr, pw := io.Pipe()
	mw, err := NewMultipartWriter(pw)
	if err != nil {
		return nil, err
	}

	header, err := Header(rec.Name, c.serverID, c.serverURL, rec.Metadata, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(writeParts(ctx, mw, src, needs))
	}()

	peerReport := &Report{}
	err = client.Send(ctx, "pushing file", http.MethodPost,
		client.URL(nil, "synchronization", "MultipartProceed"), header, pr, peerReport)
	// unblocks the writer if the peer stopped reading early
	pr.Close()
	<-done
	if err != nil {
		return nil, err
	}
	return peerReport, nil
}

func writeParts(ctx context.Context, mw *multipart.Writer, src partial.Access, needs needlist.Needs) error {
	for _, n := range needs {
		w, err := CreateNeedPart(mw, n)
		if err != nil {
			return err
		}

		if n.BlockType == needlist.Source {
			err = src.CopyTo(ctx, w, int64(n.FileOffset), int64(n.BlockLength))
			if err != nil {
				return errors.Wrapf(err, "sending %s", n)
			}
		}
	}
	return errors.WithStack(mw.Close())
}
