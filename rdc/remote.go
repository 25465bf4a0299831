package rdc

import (
	"context"
	"io"
	"net/url"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/metrics"
	"github.com/rdcsync/rdcsync/peer"
	"github.com/rdcsync/rdcsync/signature"
	"go.uber.org/zap"
)

// RemoteManager mirrors a peer's signatures into a local repository,
// downloading only the levels that changed.
type RemoteManager struct {
	client *peer.Client
	cache  signature.Repository
	logger *zap.Logger
}

func NewRemoteManager(client *peer.Client, cache signature.Repository, logger *zap.Logger) *RemoteManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteManager{client: client, cache: cache, logger: logger}
}

func (rm *RemoteManager) Client() *peer.Client {
	return rm.client
}

// Cache is the repository remote signatures are mirrored to.
func (rm *RemoteManager) Cache() signature.Repository {
	return rm.cache
}

// Stats returns the protocol versions the peer advertises.
func (rm *RemoteManager) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := rm.client.GetJSON(ctx, "fetching stats", rm.client.URL(url.Values{}, "rdc", "stats"), stats)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// SynchronizeSignatures fetches the peer's manifest of fileName and brings
// the cache up to date with it. A cached level is reused when it has the
// expected length and was stored after the peer last regenerated.
func (rm *RemoteManager) SynchronizeSignatures(ctx context.Context, fileName string) (*signature.Manifest, error) {
	m, err := rm.client.Manifest(ctx, fileName)
	if err != nil {
		return nil, err
	}

	err = m.Validate()
	if err != nil {
		return nil, &signature.FormatError{Name: fileName, Err: err}
	}

	cached, err := rm.cache.GetByFileName(fileName)
	if err != nil && !errors.Is(err, signature.ErrNotFound) {
		return nil, err
	}
	cacheUpdate, err := rm.cache.GetLastUpdate(fileName)
	if err != nil {
		return nil, err
	}

	if len(cached) != len(m.Signatures) {
		// a different cascade shape: nothing to reuse
		if len(cached) > 0 {
			err = rm.cache.Clear(fileName)
			if err != nil {
				return nil, err
			}
		}
		cached = nil
	}

	fresh := cacheUpdate != nil && !cacheUpdate.Before(m.LastUpdate)
	fetched := 0
	for i, info := range m.Signatures {
		if fresh && cached != nil && cached[i] == info {
			metrics.RecordSignatureLevel(true)
			continue
		}

		err = rm.fetchLevel(ctx, fileName, info)
		if err != nil {
			// don't leave a cascade mixing old and new levels
			if clearErr := rm.cache.Clear(fileName); clearErr != nil {
				rm.logger.Warn("could not clear signature cache", zap.String("file", fileName), zap.Error(clearErr))
			}
			return nil, err
		}
		metrics.RecordSignatureLevel(false)
		fetched++
	}

	rm.logger.Debug("synchronized remote signatures",
		zap.String("peer", rm.client.BaseURL()),
		zap.String("file", fileName),
		zap.Int("levels", len(m.Signatures)),
		zap.Int("fetched", fetched))
	return m, nil
}

func (rm *RemoteManager) fetchLevel(ctx context.Context, fileName string, info signature.Info) error {
	body, err := rm.client.Signature(ctx, fileName, info.Level)
	if err != nil {
		return err
	}
	defer body.Close()

	w, err := rm.cache.CreateContent(info.Name)
	if err != nil {
		return err
	}

	// body yields the decoded blob whatever the transfer encoding, so n is
	// comparable with the manifest
	n, err := io.Copy(w, body)
	if err != nil {
		w.Close()
		return &peer.TransportError{Op: "fetching signature", URL: info.Name, Err: err}
	}
	if n != info.Length {
		w.Close()
		return &signature.FormatError{Name: info.Name, Err: errors.Errorf("got %d bytes, manifest says %d", n, info.Length)}
	}

	return w.Close()
}
