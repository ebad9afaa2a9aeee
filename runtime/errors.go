package runtime

import "errors"

var (
	ErrClassNotFound    = errors.New("class not found")
	ErrDuplicateClass   = errors.New("duplicate class definition")
	ErrNoSuchField      = errors.New("no such field")
	ErrNotInitialized   = errors.New("class not initialized")
	ErrInitFailed       = errors.New("class initialization failed")
	ErrDuplicateLoader  = errors.New("duplicate loader identity")
	ErrUnknownLoader    = errors.New("unknown loader")
	ErrModuleSystemDone = errors.New("module system already initialized")
)
