package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrInvalidSize            = NewErr("ERR_INVALID_SIZE", "the file size must be a positive integer", http.StatusBadRequest)
	ErrNoRetentionPeriod      = NewErr("ERR_NO_RETENTION_PERIOD", "you must specify the number of minutes to host the file", http.StatusBadRequest)
	ErrInvalidRetentionPeriod = NewErr("ERR_INVALID_RETENTION_PERIOD", "the retention period is below the configured minimum", http.StatusBadRequest)
	ErrInternalUpload         = NewErr("ERR_INTERNAL_UPLOAD", "an internal error occurred while handling upload", http.StatusInternalServerError)
	ErrFileMissing            = NewErr("ERR_FILE_MISSING", "the file is missing", http.StatusBadRequest)
	ErrNoReference            = NewErr("ERR_NO_REF", "missing reference number", http.StatusBadRequest)
	ErrNoTransaction          = NewErr("ERR_NO_TX", "provide a signed, ready-to-broadcast payment transaction for this file", http.StatusBadRequest)
	ErrBadReference           = NewErr("ERR_BAD_REF", "the reference number you provided cannot be found", http.StatusBadRequest)
	ErrSizeMismatch           = NewErr("ERR_SIZE_MISMATCH", "the size of the file uploaded does not match the size specified in the invoice", http.StatusBadRequest)
	ErrPaymentInvalid         = NewErr("ERR_PAYMENT_INVALID", "the payment transaction does not cover the invoiced amount", http.StatusBadRequest)
	ErrUnauthorized           = NewErr("ERR_UNAUTHORIZED", "failed to advertise hosting commitment", http.StatusUnauthorized)
	ErrRateLimitExceeded      = NewErr("ERR_RATE_LIMIT", "rate limit exceeded", http.StatusTooManyRequests)
	ErrInvalidRequest         = NewErr("ERR_INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrInternal               = NewErr("ERR_INTERNAL", "an internal error occurred while processing the request", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"description"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// ErrResp is the wire shape for every handler-level failure.
type ErrResp struct {
	Status      string `json:"status"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func ToResp(err error) ErrResp {
	if e, ok := err.(*Err); ok {
		return ErrResp{Status: "error", Code: e.Code, Description: e.Msg}
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Status: "error", Code: e.Code, Description: e.Msg}
	}
	return ErrResp{Status: "error", Code: "ERR_INTERNAL", Description: "an internal error occurred while processing the request"}
}

func Status(err error) int {
	if e, ok := err.(*Err); ok {
		return e.Status
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
