package rdc

import (
	"context"
	"time"

	"github.com/itchio/headway/united"
	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/metrics"
	"github.com/rdcsync/rdcsync/signature"
	"github.com/rdcsync/rdcsync/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// LocalManager hands out manifests of files held by the local store,
// regenerating signatures when the file changed since they were computed.
type LocalManager struct {
	store     *storage.Engine
	repo      signature.Repository
	generator *signature.Generator
	logger    *zap.Logger

	generations singleflight.Group
}

func NewLocalManager(store *storage.Engine, repo signature.Repository, generator *signature.Generator, logger *zap.Logger) *LocalManager {
	if generator == nil {
		generator = signature.NewGenerator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalManager{
		store:     store,
		repo:      repo,
		generator: generator,
		logger:    logger,
	}
}

func (lm *LocalManager) Repository() signature.Repository {
	return lm.repo
}

// GetSignatureManifest returns the manifest of fileName, or storage's
// ErrNotFound. Concurrent calls for one file share a single generation.
// Cancelling ctx abandons the wait, not the shared generation: it keeps
// running for the other callers and its result is stored for later ones.
func (lm *LocalManager) GetSignatureManifest(ctx context.Context, fileName string) (*signature.Manifest, error) {
	genCtx := context.WithoutCancel(ctx)
	ch := lm.generations.DoChan(fileName, func() (interface{}, error) {
		return lm.manifest(genCtx, fileName)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
	if res.Err != nil {
		return nil, res.Err
	}
	// each caller gets its own copy
	m := *res.Val.(*signature.Manifest)
	m.Signatures = append([]signature.Info(nil), m.Signatures...)
	return &m, nil
}

func (lm *LocalManager) manifest(ctx context.Context, fileName string) (*signature.Manifest, error) {
	rec, err := lm.store.Stat(fileName)
	if err != nil {
		return nil, err
	}

	lastUpdate, err := lm.repo.GetLastUpdate(fileName)
	if err != nil {
		return nil, err
	}

	var infos []signature.Info
	if lastUpdate != nil && !rec.LastModified.After(*lastUpdate) {
		infos, err = lm.repo.GetByFileName(fileName)
		if err != nil && !errors.Is(err, signature.ErrNotFound) {
			return nil, err
		}
	}

	if len(infos) == 0 {
		infos, err = lm.generate(ctx, rec)
		if err != nil {
			return nil, err
		}

		lastUpdate, err = lm.repo.GetLastUpdate(fileName)
		if err != nil {
			return nil, err
		}
	}

	m := &signature.Manifest{
		FileName:   fileName,
		FileLength: rec.Length,
		Signatures: infos,
	}
	if lastUpdate != nil {
		m.LastUpdate = lastUpdate.UTC()
	}
	return m, nil
}

func (lm *LocalManager) generate(ctx context.Context, rec *storage.FileRecord) ([]signature.Info, error) {
	r, err := lm.store.OpenRecordRange(rec, 0, rec.Length)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	start := time.Now()
	infos, err := lm.generator.GenerateSignatures(ctx, r, rec.Name, lm.repo)
	if err != nil {
		return nil, errors.Wrapf(err, "generating signatures of %s", rec.Name)
	}

	duration := time.Since(start)
	metrics.RecordSignatureGeneration(duration)
	lm.logger.Info("generated signatures",
		zap.String("file", rec.Name),
		zap.String("size", united.FormatBytes(rec.Length)),
		zap.Int("levels", len(infos)),
		zap.Duration("duration", duration))
	return infos, nil
}

// Invalidate drops the signatures of fileName, so the next manifest
// request regenerates them.
func (lm *LocalManager) Invalidate(fileName string) error {
	return lm.repo.Clear(fileName)
}
