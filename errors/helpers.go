package errors

// WrapOpComponent provides a convenience helper to wrap errors with
// consistent Op and Component propagation. If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return NewWithComponent(op, component, err)
}

// WrapOpComponentCode wraps an error with Op, Component and an error
// code. If err is nil, returns nil.
func WrapOpComponentCode(err error, op Operation, component string, code ErrorCode) error {
	if err == nil {
		return nil
	}
	return &SyncError{
		Op:        op,
		Component: component,
		Code:      code,
		Err:       err,
		Retryable: code == ErrCodeTransportFailure || code == ErrCodeStorageFailure,
	}
}
