package signature

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const sigExtension = ".sig"

// Info identifies one signature blob of a file's cascade.
type Info struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
	Level  int    `json:"level"`
}

// InfoName returns "<fileName>.<level>.sig".
func InfoName(fileName string, level int) string {
	return fmt.Sprintf("%s.%d%s", fileName, level, sigExtension)
}

// ParseName splits a signature name back into file name and level.
func ParseName(name string) (fileName string, level int, err error) {
	if !strings.HasSuffix(name, sigExtension) {
		return "", 0, errors.Errorf("not a signature name: %q", name)
	}
	rest := strings.TrimSuffix(name, sigExtension)

	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 {
		return "", 0, errors.Errorf("not a signature name: %q", name)
	}

	level, err = strconv.Atoi(rest[dot+1:])
	if err != nil || level < 0 {
		return "", 0, errors.Errorf("invalid level in signature name: %q", name)
	}
	return rest[:dot], level, nil
}

// Manifest lists a file's signature cascade, coarsest (level 0) to finest.
type Manifest struct {
	FileName   string    `json:"fileName"`
	FileLength int64     `json:"fileLength"`
	LastUpdate time.Time `json:"lastUpdate"`
	Signatures []Info    `json:"signatures"`
}

// Validate checks that levels are numbered 0..n-1 in order.
func (m *Manifest) Validate() error {
	for i, sig := range m.Signatures {
		if sig.Level != i {
			return errors.Errorf("manifest for %s: signature %d has level %d", m.FileName, i, sig.Level)
		}
		if sig.Name != InfoName(m.FileName, sig.Level) {
			return errors.Errorf("manifest for %s: unexpected signature name %q", m.FileName, sig.Name)
		}
	}
	return nil
}

// Finest returns the last level, the one describing the file itself.
func (m *Manifest) Finest() (Info, bool) {
	if len(m.Signatures) == 0 {
		return Info{}, false
	}
	return m.Signatures[len(m.Signatures)-1], true
}
