package storage

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb/util"
)

func utilBytesPrefix(prefix string) *util.Range {
	return util.BytesPrefix([]byte(prefix))
}

func pageKey(digest string) string {
	return prefixPage + digest
}

func pageRefKey(digest string) string {
	return prefixPageRef + digest
}

func fileKey(name string) string {
	return prefixFile + name
}

func configKey(key string) string {
	return prefixConfig + key
}

// file names may contain slashes, the NUL separator keeps one file's rows
// from matching another file's prefix
func sigPrefix(fileName string) string {
	return prefixSig + fileName + "\x00"
}

func sigKey(fileName string, level int) string {
	return fmt.Sprintf("%s%04d", sigPrefix(fileName), level)
}
