package jobstore

import "errors"

var (
	// ErrNotFound indicates the job or request does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict indicates a guarded transition found the row in an
	// unexpected state, usually because another writer got there first.
	ErrStateConflict = errors.New("state conflict")

	// ErrDuplicate indicates a request already produced a job.
	ErrDuplicate = errors.New("duplicate")

	// ErrInvalid indicates a request that can never be accepted.
	ErrInvalid = errors.New("invalid request")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalid)
}
