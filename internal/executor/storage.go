package executor

import "strings"

const DefaultStoragePrefix = "s3://taskrelay"

type storage struct {
	prefix string
}

func newStorage(prefix string) *storage {
	if prefix == "" {
		prefix = DefaultStoragePrefix
	}
	return &storage{prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *storage) path(folder string, file string) string {
	return s.prefix + "/" + folder + "/" + file
}
