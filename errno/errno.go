// Package errno holds the POSIX flavoured result codes returned by image and
// filesystem drivers.
package errno

import "fmt"

type ErrorNumber int

const (
	NoError             ErrorNumber = 0
	NotPermitted        ErrorNumber = -1
	NoSuchFile          ErrorNumber = -2
	InOutError          ErrorNumber = -5
	AccessDenied        ErrorNumber = -13
	NotADirectory       ErrorNumber = -20
	IsADirectory        ErrorNumber = -21
	InvalidArgument     ErrorNumber = -22
	OutOfRange          ErrorNumber = -34
	NotImplemented      ErrorNumber = -38
	NotSupported        ErrorNumber = -95
	InvalidData         ErrorNumber = -1000
	UnexpectedException ErrorNumber = -1001
)

var names = map[ErrorNumber]string{
	NoError:             "no error",
	NotPermitted:        "operation not permitted",
	NoSuchFile:          "no such file or directory",
	InOutError:          "input/output error",
	AccessDenied:        "access denied",
	NotADirectory:       "not a directory",
	IsADirectory:        "is a directory",
	InvalidArgument:     "invalid argument",
	OutOfRange:          "out of range",
	NotImplemented:      "not implemented",
	NotSupported:        "not supported",
	InvalidData:         "invalid data",
	UnexpectedException: "unexpected exception",
}

func (e ErrorNumber) Error() string {
	if name, ok := names[e]; ok {
		return name
	}
	return fmt.Sprintf("error %d", int(e))
}

// Is lets OutOfRange satisfy errors.Is(err, InvalidArgument).
func (e ErrorNumber) Is(target error) bool {
	t, ok := target.(ErrorNumber)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	return e == OutOfRange && t == InvalidArgument
}

// Errorf wraps code with a formatted message.
func Errorf(code ErrorNumber, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), code)
}

// Recover converts a panic raised while decoding untrusted bytes into an
// InvalidData error. It must be deferred directly.
func Recover(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("decode failure (%v): %w", r, InvalidData)
	}
}
