package component

import "errors"

// Error kinds. Callers test with errors.Is; operations wrap them with
// context.
var (
	ErrNotReady          = errors.New("component library not initialized")
	ErrInvalidArg        = errors.New("invalid argument")
	ErrOutOfMemory       = errors.New("out of memory")
	ErrClassNotAvailable = errors.New("class not available")
	ErrNoInterface       = errors.New("no such interface")
	ErrNotImplemented    = errors.New("not implemented")
	ErrFail              = errors.New("unspecified failure")
	ErrUnexpected        = errors.New("unexpected failure")
	ErrNoAggregation     = errors.New("aggregation not supported")
)

// Result codes carried in stub replies. They are stable across releases.
const (
	CodeOK                int32 = 0
	CodeFail              int32 = -1
	CodeNotReady          int32 = -2
	CodeInvalidArg        int32 = -3
	CodeOutOfMemory       int32 = -4
	CodeClassNotAvailable int32 = -5
	CodeNoInterface       int32 = -6
	CodeNotImplemented    int32 = -7
	CodeUnexpected        int32 = -8
	CodeNoAggregation     int32 = -9
)

var codeTable = []struct {
	code int32
	err  error
}{
	{CodeNotReady, ErrNotReady},
	{CodeInvalidArg, ErrInvalidArg},
	{CodeOutOfMemory, ErrOutOfMemory},
	{CodeClassNotAvailable, ErrClassNotAvailable},
	{CodeNoInterface, ErrNoInterface},
	{CodeNotImplemented, ErrNotImplemented},
	{CodeUnexpected, ErrUnexpected},
	{CodeNoAggregation, ErrNoAggregation},
	{CodeFail, ErrFail},
}

// ResultCode maps err onto its wire code. Errors outside the taxonomy
// become CodeFail.
func ResultCode(err error) int32 {
	if err == nil {
		return CodeOK
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeFail
}

// ErrorFromCode is the inverse of ResultCode.
func ErrorFromCode(code int32) error {
	if code == CodeOK {
		return nil
	}
	for _, e := range codeTable {
		if e.code == code {
			return e.err
		}
	}
	return ErrFail
}
