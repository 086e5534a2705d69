package domain

import "errors"

var (
	// ErrNotFound signals that a library object does not exist or is not
	// visible to the requesting user.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidCredentials signals a failed login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidInviteCode signals registration with an unknown or claimed code.
	ErrInvalidInviteCode = errors.New("invalid invite code")
	// ErrEmailTaken signals registration with an already registered address.
	ErrEmailTaken = errors.New("email already registered")
	// ErrStorageLimitReached signals that the user's storage quota is full.
	ErrStorageLimitReached = errors.New("storage limit reached")
	// ErrJobNotFound signals that an action id is not in any of the user's
	// queue registries.
	ErrJobNotFound = errors.New("job not found in user's queues")
	// ErrUnsupportedFileType signals an upload the server cannot ingest.
	ErrUnsupportedFileType = errors.New("unsupported file type")
)
