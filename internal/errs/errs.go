// Package errs holds the structured error type shared by the driver's
// internal packages and its public API (root package nvme re-exports the
// names from here so callers never import this path directly). Splitting
// it out avoids an import cycle: internal packages low in the stack
// (iova, iommu, queue) need to construct these errors, but the root
// package imports those same internal packages.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Code represents a high-level error category from the driver's error
// taxonomy.
type Code string

const (
	CodeInvalidArgument Code = "invalid argument"
	CodeBusy            Code = "busy"
	CodeTimeout         Code = "timeout"
	CodeNoMem           Code = "no memory"
	CodeNotFound        Code = "not found"
	CodeExists          Code = "exists"
	CodeDeviceError     Code = "device error"
	CodeBackendIO       Code = "backend i/o"
)

// Error is a structured driver error with enough context to attribute a
// failure to a component, an NVMe status, or a host errno.
type Error struct {
	Op        string        // operation that failed, e.g. "enable", "create_iosq"
	Component string        // which of IovaMap/IommuCtx/Controller/... raised it
	Code      Code          // high-level category
	Status    uint16        // raw NVMe CQE status field, when applicable
	Errno     syscall.Errno // raw host errno, when the failure crossed into a backend
	Msg       string        // human-readable detail
	Err       error         // wrapped cause
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Status != 0:
		return fmt.Sprintf("nvme: %s: %s (status=0x%04x)", e.Op, msg, e.Status)
	case e.Errno != 0:
		return fmt.Sprintf("nvme: %s: %s (errno=%d)", e.Op, msg, e.Errno)
	case e.Component != "":
		return fmt.Sprintf("nvme: %s[%s]: %s", e.Component, e.Op, msg)
	default:
		return fmt.Sprintf("nvme: %s: %s", e.Op, msg)
	}
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is compares by Code so callers can do errors.Is(err, errs.ErrBusy).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// Sentinel errors for errors.Is comparisons, matching the taxonomy in
// SPEC_FULL.md §7.
var (
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrBusy            = &Error{Code: CodeBusy}
	ErrTimeout         = &Error{Code: CodeTimeout}
	ErrNoMem           = &Error{Code: CodeNoMem}
	ErrNotFound        = &Error{Code: CodeNotFound}
	ErrExists          = &Error{Code: CodeExists}
	ErrDeviceError     = &Error{Code: CodeDeviceError}
	ErrBackendIO       = &Error{Code: CodeBackendIO}
)

// New builds a structured error attributed to a component and operation.
func New(component, op string, code Code, msg string) *Error {
	return &Error{Component: component, Op: op, Code: code, Msg: msg}
}

// NewDeviceError builds a CodeDeviceError carrying the raw CQE status.
func NewDeviceError(component, op string, status uint16) *Error {
	return &Error{
		Component: component,
		Op:        op,
		Code:      CodeDeviceError,
		Status:    status,
		Msg:       fmt.Sprintf("command failed with status 0x%04x", status),
	}
}

// WrapBackendErr wraps a raw host error (commonly a syscall.Errno from
// mmap/ioctl) as a CodeBackendIO error, preserving errno for diagnosis.
func WrapBackendErr(component, op string, err error) *Error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok {
		return &Error{
			Component: component,
			Op:        op,
			Code:      CodeBackendIO,
			Errno:     errno,
			Msg:       errno.Error(),
			Err:       err,
		}
	}
	return &Error{
		Component: component,
		Op:        op,
		Code:      CodeBackendIO,
		Msg:       err.Error(),
		Err:       err,
	}
}

// IsCode reports whether err (or something it wraps) carries the given Code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
