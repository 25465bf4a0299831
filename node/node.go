// Package node wires the components of one rdcsync process together and
// tears them down in reverse order.
package node

import (
	"bytes"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/itchio/screw"
	"github.com/jonboulle/clockwork"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/bufpool"
	"github.com/rdcsync/rdcsync/config"
	"github.com/rdcsync/rdcsync/logging"
	"github.com/rdcsync/rdcsync/notify"
	"github.com/rdcsync/rdcsync/peer"
	"github.com/rdcsync/rdcsync/rdc"
	"github.com/rdcsync/rdcsync/server"
	"github.com/rdcsync/rdcsync/signature"
	"github.com/rdcsync/rdcsync/storage"
	"github.com/rdcsync/rdcsync/synchronization"
	"github.com/rdcsync/rdcsync/versioning"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	lockFileName     = "rdcsync.lock"
	serverIDFileName = "server-id"
	dbDirName        = "db"
	remotesDirName   = "remote-signatures"
)

var ErrLocked = errors.New("data directory is used by another process")

// Node owns every long-lived component of the process.
type Node struct {
	Config   config.Config
	ServerID string
	Logger   *zap.Logger

	Store       *storage.Engine
	Local       *rdc.LocalManager
	Remotes     *rdc.Remotes
	Conflicts   *versioning.Conflicts
	Broadcaster *notify.Broadcaster
	Controller  *synchronization.Controller
	Server      *server.Server

	fileLock *flock.Flock
	closers  []func() error
}

// Options are for tests.
type Options struct {
	Clock      clockwork.Clock
	HTTPClient *http.Client
}

// New opens the data directory and builds the node. On error, whatever was
// opened is closed again.
func New(cfg config.Config, logger *zap.Logger, opts *Options) (_ *Node, err error) {
	if opts == nil {
		opts = &Options{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	n := &Node{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	err = screw.MkdirAll(cfg.DataDir, 0o755)
	if err != nil {
		return nil, errors.Wrapf(err, "creating data dir %s", cfg.DataDir)
	}

	err = n.lock()
	if err != nil {
		return nil, err
	}

	n.ServerID, err = loadServerID(cfg)
	if err != nil {
		return nil, err
	}
	n.Logger = logger.With(zap.String("server_id", n.ServerID))

	n.Store, err = storage.Open(filepath.Join(cfg.DataDir, dbDirName), &storage.Options{
		PageCacheSize: cfg.PageCacheSize,
		Clock:         opts.Clock,
		Logger:        n.Logger.Named("storage"),
	})
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, n.Store.Close)

	generator := signature.NewGenerator()
	generator.Consumer = logging.Consumer(n.Logger.Named("signatures"))
	n.Local = rdc.NewLocalManager(n.Store, signature.NewStorageRepository(n.Store), generator, n.Logger.Named("rdc"))

	peerOpts := []peer.ClientOpt{peer.WithRetries(cfg.PeerRetries, cfg.PeerRetryDelay)}
	if opts.HTTPClient != nil {
		peerOpts = append(peerOpts, peer.WithHTTPClient(opts.HTTPClient))
	} else {
		peerOpts = append(peerOpts, peer.WithHTTPClient(&http.Client{Timeout: cfg.PeerTimeout}))
	}

	remotesLogger := n.Logger.Named("peers")
	if cfg.SignatureCache == config.CacheMemory {
		n.Remotes = rdc.NewVolatileRemotes(remotesLogger, peerOpts...)
		n.closers = append(n.closers, n.Remotes.Dispose)
	} else {
		n.Remotes = rdc.NewRemotes(afero.NewOsFs(), filepath.Join(cfg.DataDir, remotesDirName), remotesLogger, peerOpts...)
	}

	n.Conflicts = versioning.NewConflicts(n.Store)
	n.Broadcaster = notify.NewBroadcaster()

	n.Controller, err = synchronization.NewController(synchronization.Params{
		Store:       n.Store,
		Local:       n.Local,
		Remotes:     n.Remotes,
		Conflicts:   n.Conflicts,
		ServerID:    n.ServerID,
		ServerURL:   cfg.ServerURL,
		Publisher:   n.Broadcaster,
		Pool:        bufpool.Default,
		Clock:       opts.Clock,
		LockTimeout: cfg.LockTimeout,
		MaxTries:    cfg.MaxTries,
		Logger:      n.Logger.Named("sync"),
		Consumer:    logging.Consumer(n.Logger.Named("sync")),
	})
	if err != nil {
		return nil, err
	}

	n.Server, err = server.New(server.Params{
		Store:       n.Store,
		Local:       n.Local,
		Controller:  n.Controller,
		Conflicts:   n.Conflicts,
		Broadcaster: n.Broadcaster,
		ServerID:    n.ServerID,
		Logger:      n.Logger.Named("http"),
	})
	if err != nil {
		return nil, err
	}
	n.closers = append(n.closers, func() error {
		n.Server.Close()
		return nil
	})

	return n, nil
}

func (n *Node) lock() error {
	fl := flock.New(filepath.Join(n.Config.DataDir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return errors.Wrapf(err, "flock %s", fl.Path())
	}
	if !locked {
		return errors.Wrapf(ErrLocked, "locking file %s", fl.Path())
	}
	n.fileLock = fl
	return nil
}

// loadServerID returns the configured id, or the one stored in the data
// dir, creating it on first start.
func loadServerID(cfg config.Config) (string, error) {
	if cfg.ServerID != "" {
		return cfg.ServerID, nil
	}

	path := filepath.Join(cfg.DataDir, serverIDFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", errors.WithStack(err)
	}

	id := uuid.NewString()
	err = atomic.WriteFile(path, bytes.NewReader([]byte(id+"\n")))
	if err != nil {
		return "", errors.Wrapf(err, "writing %s", path)
	}
	return id, nil
}

// Close releases everything in reverse order of acquisition. Safe to call
// on a partially built node.
func (n *Node) Close() error {
	var first error
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	n.closers = nil

	if n.fileLock != nil {
		if err := n.fileLock.Unlock(); err != nil {
			n.Logger.Error("failed to unlock data dir", zap.String("path", n.fileLock.Path()), zap.Error(err))
		}
		n.fileLock = nil
	}
	return first
}
