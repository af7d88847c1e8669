package process

// Errno is the syscall boundary's typed failure code, mirroring the
// way the teacher's filesystem layer returns a typed errno instead of
// a plain error so callers can compare against named sentinels rather
// than matching on error text.
type Errno int

const (
	// OK is the zero value: no error.
	OK Errno = 0
	// ErrBadPointer accompanies every fatal exit(-1) that Dispatch
	// performs: most often a user pointer argument failed validation
	// (spec.md §4.7), but Dispatch also reports it for a bad descriptor
	// on a call that kills the process and for an unknown call number.
	ErrBadPointer Errno = -1
	// ErrBadFD means a file descriptor did not name an open file or
	// directory in the calling process.
	ErrBadFD Errno = -2
	// ErrNotFound means a path did not resolve to an existing entry.
	ErrNotFound Errno = -3
)

func (e Errno) Error() string {
	switch e {
	case OK:
		return "ok"
	case ErrBadPointer:
		return "invalid user pointer"
	case ErrBadFD:
		return "bad file descriptor"
	case ErrNotFound:
		return "no such file or directory"
	default:
		return "process: unknown errno"
	}
}
