package nvme

import "github.com/ehrlich-b/nvme-uio/internal/errs"

// Code and Error are re-exported from internal/errs so every internal
// package and the public API share one error taxonomy without an import
// cycle back into this package.
type (
	Code  = errs.Code
	Error = errs.Error
)

const (
	CodeInvalidArgument = errs.CodeInvalidArgument
	CodeBusy            = errs.CodeBusy
	CodeTimeout         = errs.CodeTimeout
	CodeNoMem           = errs.CodeNoMem
	CodeNotFound        = errs.CodeNotFound
	CodeExists          = errs.CodeExists
	CodeDeviceError     = errs.CodeDeviceError
	CodeBackendIO       = errs.CodeBackendIO
)

var (
	ErrInvalidArgument = errs.ErrInvalidArgument
	ErrBusy            = errs.ErrBusy
	ErrTimeout         = errs.ErrTimeout
	ErrNoMem           = errs.ErrNoMem
	ErrNotFound        = errs.ErrNotFound
	ErrExists          = errs.ErrExists
	ErrDeviceError     = errs.ErrDeviceError
	ErrBackendIO       = errs.ErrBackendIO
)

// NewError builds a structured error attributed to a component and
// operation.
func NewError(component, op string, code Code, msg string) *Error {
	return errs.New(component, op, code, msg)
}

// NewDeviceError builds a CodeDeviceError carrying the raw CQE status.
func NewDeviceError(component, op string, status uint16) *Error {
	return errs.NewDeviceError(component, op, status)
}

// WrapBackendErr wraps a raw host error (commonly a syscall.Errno from
// mmap/ioctl) as a CodeBackendIO error, preserving errno for diagnosis.
func WrapBackendErr(component, op string, err error) *Error {
	return errs.WrapBackendErr(component, op, err)
}

// IsCode reports whether err (or something it wraps) carries the given Code.
func IsCode(err error, code Code) bool {
	return errs.IsCode(err, code)
}
