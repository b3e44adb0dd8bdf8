package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator may not be available to early boot code
// so we cannot use errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string

	// Fatal marks an invariant violation: a double-free, corrupted
	// allocator state or a malformed mapping request. There is no recovery
	// path for a fatal error; the only valid response is to halt. Errors
	// without this flag signal resource exhaustion and must be handled by
	// the caller.
	Fatal bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// IsFatal returns true if err is a kernel error flagged as an invariant
// violation.
func IsFatal(err error) bool {
	kerr, ok := err.(*Error)
	return ok && kerr.Fatal
}
