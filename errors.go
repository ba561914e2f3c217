package larch

import "errors"

// Error kinds returned by larch. Call sites wrap these with fmt.Errorf's
// %w so callers can still errors.Is against the sentinel.
var (
	// ErrWrongKeySize is returned when a key's length does not equal the
	// forest's key_size.
	ErrWrongKeySize = errors.New("larch: wrong key size")

	// ErrValueTooLarge is returned when a value exceeds the half-node bound.
	ErrValueTooLarge = errors.New("larch: value too large")

	// ErrKeyNotFound is returned by lookup/remove on a missing key.
	ErrKeyNotFound = errors.New("larch: key not found")

	// ErrNodeMissing means a refcount says a node is alive but storage has
	// no file for it, or a referenced child id has refcount zero. Always
	// fatal for the operation in progress.
	ErrNodeMissing = errors.New("larch: node missing")

	// ErrCorruptNode is returned by the codec when a buffer cannot be
	// decoded as a well-formed node.
	ErrCorruptNode = errors.New("larch: corrupt node")

	// ErrFormatProblem covers missing metadata, an unknown format string,
	// or metadata inconsistent with the parameters an Open call provided.
	ErrFormatProblem = errors.New("larch: format problem")

	// ErrJournalReplayFailed is returned when recovery hits an I/O error.
	// The forest must not be opened writable after this.
	ErrJournalReplayFailed = errors.New("larch: journal replay failed")

	// ErrReadOnly is returned by any mutating call on a forest opened
	// read-only.
	ErrReadOnly = errors.New("larch: read only")

	// ErrRefcountOverflow is returned when an operation would push a
	// node's refcount past the 16-bit range.
	ErrRefcountOverflow = errors.New("larch: refcount overflow")

	// ErrForestUnusable is returned by the forest's tree and commit calls
	// once it has latched into an unusable state after NodeMissing or
	// CorruptNode from a forest call, or after a failed Commit.
	ErrForestUnusable = errors.New("larch: forest unusable, reopen required")
)
