package store

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/IvanBrykalov/objstore/policy"
	"github.com/IvanBrykalov/objstore/policy/heap"
	"github.com/IvanBrykalov/objstore/policy/lru"
)

// NewPolicy builds a removal policy from its configuration name: "lru",
// or "heap" optionally followed by a key type (LRU, GDSF, LFUDA).
func NewPolicy(name string, logger *logrus.Logger, now func() int64) (policy.Policy, error) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return lru.New(), nil
	}
	switch strings.ToLower(fields[0]) {
	case "lru":
		if len(fields) > 1 {
			break
		}
		return lru.New(), nil
	case "heap":
		if len(fields) > 2 {
			break
		}
		var key string
		if len(fields) == 2 {
			key = strings.ToUpper(fields[1])
		}
		return heap.New(heap.Options{Key: key, Logger: logger, Now: now}), nil
	}
	return nil, ErrBadConfig.Here().WithMessagef("unknown removal policy %q", name)
}
