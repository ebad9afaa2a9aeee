package archive

import (
	"errors"
	"fmt"
)

var (
	ErrMissingRoot          = errors.New("required root missing")
	ErrDanglingPointer      = errors.New("pointer to an entity that was not archived")
	ErrInconsistentIdentity = errors.New("distinct entities share an archive identity")
	ErrInconsistentPointers = errors.New("serialized pointers differ from iterated pointers")
	ErrIncompatible         = errors.New("archive incompatible with this runtime")
	ErrCorrupt              = errors.New("archive corrupt")
	ErrClosed               = errors.New("archive closed")
	ErrNoRecord             = errors.New("loader not in archive")
)

// RejectedError reports why an image cannot be used by this process. It
// wraps ErrIncompatible or ErrCorrupt. Nothing in the runtime has been
// changed when it is returned.
type RejectedError struct {
	Path   string
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("archive %s rejected: %s", e.Path, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

func rejectf(path string, cause error, format string, args ...any) *RejectedError {
	return &RejectedError{Path: path, Reason: fmt.Sprintf(format, args...), Err: cause}
}

// LookupError reports an archived custom loader that cannot be matched to
// exactly one live loader.
type LookupError struct {
	Identity string
	Matches  int
}

func (e *LookupError) Error() string {
	if e.Matches == 0 {
		return fmt.Sprintf("no live loader for archived identity %q", e.Identity)
	}
	return fmt.Sprintf("%d live loaders share archived identity %q", e.Matches, e.Identity)
}
