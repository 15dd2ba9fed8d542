package generation

import (
	"fmt"
	"net/http"
)

// 对外错误码
const (
	CodeInvalidInput      = "invalid_input"
	CodePaymentRequired   = "payment_required"
	CodeResumeNotFound    = "resume_not_found"
	CodeJobNotFound       = "job_not_found"
	CodeResumeTextMissing = "resume_text_missing"
	CodeGenerationFailed  = "generation_failed"
)

// GenerationError 请求级失败，Status 为对应的 HTTP 状态码
type GenerationError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func invalidInput(msg string, err error) *GenerationError {
	return &GenerationError{Status: http.StatusBadRequest, Code: CodeInvalidInput, Message: msg, Err: err}
}

func notFound(code, msg string, err error) *GenerationError {
	return &GenerationError{Status: http.StatusNotFound, Code: code, Message: msg, Err: err}
}

func internalError(msg string, err error) *GenerationError {
	return &GenerationError{Status: http.StatusInternalServerError, Code: CodeGenerationFailed, Message: msg, Err: err}
}
