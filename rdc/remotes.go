package rdc

import (
	"net/url"
	"path/filepath"
	"sync"

	"github.com/rdcsync/rdcsync/peer"
	"github.com/rdcsync/rdcsync/signature"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Remotes hands out one RemoteManager per peer, each mirroring into its own
// cache directory under root.
type Remotes struct {
	fs     afero.Fs
	root   string
	opts   []peer.ClientOpt
	logger *zap.Logger

	mu       sync.Mutex
	managers map[string]*RemoteManager
}

func NewRemotes(fs afero.Fs, root string, logger *zap.Logger, opts ...peer.ClientOpt) *Remotes {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remotes{
		fs:       fs,
		root:     root,
		opts:     opts,
		logger:   logger,
		managers: make(map[string]*RemoteManager),
	}
}

// NewVolatileRemotes keeps remote signatures in memory only.
func NewVolatileRemotes(logger *zap.Logger, opts ...peer.ClientOpt) *Remotes {
	return NewRemotes(afero.NewMemMapFs(), "/remote-signatures", logger, opts...)
}

// Get returns the manager for the server at baseURL.
func (r *Remotes) Get(baseURL string) (*RemoteManager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rm, ok := r.managers[baseURL]; ok {
		return rm, nil
	}

	logger := r.logger.With(zap.String("peer", baseURL))
	client, err := peer.NewClient(baseURL, append([]peer.ClientOpt{peer.WithLogger(logger)}, r.opts...)...)
	if err != nil {
		return nil, err
	}

	cache, err := signature.NewCacheRepository(r.fs, filepath.Join(r.root, url.PathEscape(baseURL)))
	if err != nil {
		return nil, err
	}

	rm := NewRemoteManager(client, cache, logger)
	r.managers[baseURL] = rm
	return rm, nil
}

// Dispose deletes every peer cache.
func (r *Remotes) Dispose() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.managers = make(map[string]*RemoteManager)
	return r.fs.RemoveAll(r.root)
}
