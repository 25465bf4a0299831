// Package rdc provides signature manifests for local files and keeps a
// local cache of remote ones.
package rdc

import (
	"github.com/pkg/errors"
)

const (
	// CurrentVersion is the version of the synchronization protocol this
	// build speaks.
	CurrentVersion = 2
	// MinimumCompatibleAppVersion is the oldest peer version it can sync with.
	MinimumCompatibleAppVersion = 2
)

var ErrIncompatible = errors.New("incompatible peer")

// Stats is what a server advertises on /rdc/stats.
type Stats struct {
	CurrentVersion              int `json:"currentVersion"`
	MinimumCompatibleAppVersion int `json:"minimumCompatibleAppVersion"`
}

func LocalStats() Stats {
	return Stats{
		CurrentVersion:              CurrentVersion,
		MinimumCompatibleAppVersion: MinimumCompatibleAppVersion,
	}
}

// CheckCompatible fails if either side is too old for the other.
func CheckCompatible(remote Stats) error {
	if remote.MinimumCompatibleAppVersion > CurrentVersion {
		return errors.Wrapf(ErrIncompatible, "peer requires version %d, we are %d", remote.MinimumCompatibleAppVersion, CurrentVersion)
	}
	if remote.CurrentVersion < MinimumCompatibleAppVersion {
		return errors.Wrapf(ErrIncompatible, "peer is version %d, we require %d", remote.CurrentVersion, MinimumCompatibleAppVersion)
	}
	return nil
}
