// Package context shortens the excessively long names of the standard
// library context library.
package context

import (
	"context"
)

type (
	T = context.Context
	F = context.CancelFunc
	C = context.CancelCauseFunc
)

var (
	Bg           = context.Background
	Cancel       = context.WithCancel
	Timeout      = context.WithTimeout
	TimeoutCause = context.WithTimeoutCause
	TODO         = context.TODO
	Value        = context.WithValue
	CancelCause  = context.WithCancelCause
	Canceled     = context.Canceled
	DeadlineExceeded = context.DeadlineExceeded
)
