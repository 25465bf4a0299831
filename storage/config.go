package storage

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ConfigEntry is a JSON value stored under a key, with the etag of its
// last write.
type ConfigEntry struct {
	Key   string          `json:"-"`
	Value json.RawMessage `json:"value"`
	Etag  string          `json:"etag"`
}

// Decode unmarshals the entry's value into v.
func (ce *ConfigEntry) Decode(v interface{}) error {
	return errors.WithStack(json.Unmarshal(ce.Value, v))
}

func decodeConfig(key string, value []byte) (*ConfigEntry, error) {
	ce := &ConfigEntry{Key: key}
	err := json.Unmarshal(value, ce)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding config entry %s", key)
	}
	return ce, nil
}

func encodeConfig(v interface{}, etag string) (*ConfigEntry, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &ConfigEntry{Value: raw, Etag: etag}, nil
}

// GetConfig returns the entry stored under key, or ErrNotFound.
func (e *Engine) GetConfig(key string) (*ConfigEntry, error) {
	value, err := e.get(configKey(key))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, errors.Wrapf(ErrNotFound, "config %s", key)
	}
	return decodeConfig(key, value)
}

// PutConfig stores v under key if the current etag is expectedEtag ("" for
// an absent key, AnyEtag to skip the check). Returns the new etag, or
// ErrConcurrency.
func (e *Engine) PutConfig(key string, v interface{}, expectedEtag string) (string, error) {
	var etag string
	err := e.Batch(func(tx *Tx) error {
		current, err := tx.GetConfig(key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if expectedEtag != AnyEtag {
			currentEtag := ""
			if current != nil {
				currentEtag = current.Etag
			}
			if currentEtag != expectedEtag {
				return errors.Wrapf(ErrConcurrency, "config %s: etag is %q, expected %q", key, currentEtag, expectedEtag)
			}
		}

		etag, err = tx.PutConfig(key, v)
		return err
	})
	if err != nil {
		return "", err
	}
	return etag, nil
}

func (e *Engine) DeleteConfig(key string) error {
	return e.Batch(func(tx *Tx) error {
		tx.DeleteConfig(key)
		return nil
	})
}

// ListConfig returns the entries whose key starts with prefix, sorted by key.
func (e *Engine) ListConfig(prefix string) ([]*ConfigEntry, error) {
	var res []*ConfigEntry
	err := e.scan(configKey(prefix), func(key string, value []byte) error {
		ce, err := decodeConfig(strings.TrimPrefix(key, prefixConfig), value)
		if err != nil {
			return err
		}
		res = append(res, ce)
		return nil
	})
	return res, err
}

// GetConfig reads an entry as part of the transaction. A missing entry is
// ErrNotFound, and its absence is checked at commit too.
func (tx *Tx) GetConfig(key string) (*ConfigEntry, error) {
	value, err := tx.read(configKey(key))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, errors.Wrapf(ErrNotFound, "config %s", key)
	}
	return decodeConfig(key, value)
}

// PutConfig queues a write and returns the etag it will have.
func (tx *Tx) PutConfig(key string, v interface{}) (string, error) {
	ce, err := encodeConfig(v, newEtag())
	if err != nil {
		return "", err
	}

	tx.ops = append(tx.ops, func(st *commitState) error {
		return st.putJSON(configKey(key), ce)
	})
	return ce.Etag, nil
}

func (tx *Tx) DeleteConfig(key string) {
	tx.ops = append(tx.ops, func(st *commitState) error {
		st.delete(configKey(key))
		return nil
	})
}
