package comfy

import "fmt"

// Code enumerates the inference-backend error taxonomy a render can
// fail with.
type Code string

const (
	CodeWorkflowInvalid Code = "COMFY_WORKFLOW_INVALID"
	CodeHTTPError       Code = "COMFY_HTTP_ERROR"
	CodeTimeout         Code = "COMFY_TIMEOUT"
	CodeExecError       Code = "COMFY_EXEC_ERROR"
	CodeOutputNotFound  Code = "OUTPUT_NOT_FOUND"
	CodeDownloadFailed  Code = "DOWNLOAD_FAILED"
)

// Error is the typed failure a Client.Render returns. QueueService
// unwraps it with errors.As to populate a job's error code/message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
