package larch

import "github.com/sirupsen/logrus"

// ForestOptions configures Open. Mirrors the teacher's MariOpts/
// NewMariNodePool defaulting pattern: a handful of required fields plus
// sized-with-sane-defaults tuning knobs.
type ForestOptions struct {
	// Dir is the forest's root directory. Created if it does not exist.
	Dir string

	// KeySize is the forest-wide fixed key length in bytes. Required when
	// creating a new forest; when opening an existing one it must match
	// the persisted value or Open fails with ErrFormatProblem.
	KeySize int

	// NodeSize is the on-disk block size budget for a node, in bytes.
	// Defaults to DefaultNodeSize. A mismatch against an existing
	// forest's persisted node_size is accepted silently (documented
	// behavior, see SPEC_FULL.md §4.7): new nodes use the forest's
	// existing value, and the mismatch is logged at warn level.
	NodeSize int

	// ReadCacheSize bounds the NodeStore's decoded-node read LRU.
	// Defaults to DefaultReadCacheSize.
	ReadCacheSize int

	// UploadQueueSize bounds the NodeStore's dirty-node upload queue.
	// Defaults to DefaultUploadQueueSize.
	UploadQueueSize int

	// ReadOnly opens the forest without replaying or rolling back the
	// journal and without taking the exclusive lock; every mutating call
	// fails with ErrReadOnly.
	ReadOnly bool

	// Logger receives structured events for journal/commit/cache
	// activity. Defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

func (o ForestOptions) withDefaults() ForestOptions {
	if o.NodeSize == 0 {
		o.NodeSize = DefaultNodeSize
	}
	if o.ReadCacheSize == 0 {
		o.ReadCacheSize = DefaultReadCacheSize
	}
	if o.UploadQueueSize == 0 {
		o.UploadQueueSize = DefaultUploadQueueSize
	}
	o.Logger = newLogger(o.Logger)
	return o
}
