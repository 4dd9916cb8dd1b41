package network

import "fmt"

type TimeoutError struct{}

func (e TimeoutError) Error() string {
	return "TimeoutError"
}

type TagExhaustedError struct{}

func (e TagExhaustedError) Error() string {
	return "TagExhaustedError"
}

type SendError struct {
	Err error
}

func (e SendError) Error() string {
	return fmt.Sprintf("SendError: %v", e.Err)
}

func (e SendError) Unwrap() error {
	return e.Err
}

type ClosedError struct{}

func (e ClosedError) Error() string {
	return "ClosedError"
}

// RemoteError is a KRPC error message a peer sent back for one of our
// queries.
type RemoteError struct {
	Code int
	Msg  string
}

func (e RemoteError) Error() string {
	return fmt.Sprintf("RemoteError %d: %s", e.Code, e.Msg)
}
