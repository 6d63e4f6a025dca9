package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

// MaxViewsCeiling keeps max_views inside a 32-bit column on every store.
const MaxViewsCeiling = 1<<31 - 1

var (
	ErrInvalidContent     = NewErr("INVALID_CONTENT", "content must be a non-empty string", http.StatusBadRequest)
	ErrInvalidTTL         = NewErr("INVALID_TTL", "ttl_seconds must be a positive integer", http.StatusBadRequest)
	ErrInvalidMaxViews    = NewErr("INVALID_MAX_VIEWS", "max_views must be a positive integer", http.StatusBadRequest)
	ErrPasteTooLarge      = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrPasteNotFound      = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrStoreUnavailable   = NewErr("STORE_UNAVAILABLE", "store unavailable", http.StatusServiceUnavailable)
	ErrIDGenerationFailed = NewErr("ID_GENERATION_FAILED", "id generation failed", http.StatusInternalServerError)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Code      string `json:"code"`
	Msg       string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func asErr(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	return nil, false
}

func ToResp(err error) ErrResp {
	if e, ok := asErr(err); ok {
		return ErrResp{Code: e.Code, Msg: e.Msg}
	}
	return ErrResp{Code: ErrInternalServer.Code, Msg: ErrInternalServer.Msg}
}

func Status(err error) int {
	if e, ok := asErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsClientError reports the Invalid* family surfaced as 400.
func IsClientError(err error) bool {
	return Status(err) == http.StatusBadRequest
}
