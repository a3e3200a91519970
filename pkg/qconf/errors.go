package qconf

import (
	"errors"
	"fmt"
)

// ErrFormat matches every *FormatError via errors.Is
var ErrFormat = errors.New("qconf: format error")

// FormatError reports a malformed QCONF document or a failed path lookup.
type FormatError struct {
	File   string
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := "qconf " + e.File
	if e.Path != "" {
		msg += fmt.Sprintf(" [%s]", e.Path)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

func (e *FormatError) Is(target error) bool { return target == ErrFormat }
