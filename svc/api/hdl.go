package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"pastelite/cfg"
	"pastelite/pkg/domain"
	"pastelite/svc/svc"
	"pastelite/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

// TestNowHeader overrides the read clock, in Unix milliseconds, when
// TEST_MODE is on.
const TestNowHeader = "X-Test-Now-Ms"

// isoMillis is JavaScript's toISOString layout.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// jsonOverhead allows for quoting and escapes around content at the size cap.
const jsonOverhead = 6

var ErrUnsupportedMediaType = domain.NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

// CreateReq fields are decoded lazily so each bad field maps to its own error
// and an explicit null reads as absent.
type CreateReq struct {
	Content    json.RawMessage `json:"content"`
	TTLSeconds json.RawMessage `json:"ttl_seconds"`
	MaxViews   json.RawMessage `json:"max_views"`
}

type CreateResp struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type PasteResp struct {
	Content        string  `json:"content"`
	RemainingViews *int    `json:"remaining_views"`
	ExpiresAt      *string `json:"expires_at"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		writeErr(w, ErrUnsupportedMediaType, requestID)
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	limit := h.cfg.MaxPasteSize*jsonOverhead + 1024
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			log.Warn().Int64("limit", maxErr.Limit).Msg("request body too large")
			writeErr(w, domain.ErrPasteTooLarge, requestID)
		case err == io.EOF:
			log.Warn().Msg("empty request body")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		default:
			log.Warn().Err(err).Msg("invalid request")
			writeErr(w, domain.ErrInvalidRequest, requestID)
		}
		return
	}
	if dec.More() {
		log.Warn().Msg("trailing data after request body")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	params, err := req.params()
	if err != nil {
		log.Warn().Err(err).Msg("invalid field")
		writeErr(w, err, requestID)
		return
	}
	res, err := h.paste.Submit(r.Context(), params)
	if err != nil {
		if domain.IsClientError(err) {
			log.Warn().Err(err).Msg("paste rejected")
		}
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{ID: res.ID, URL: res.URL})
}

func (req CreateReq) params() (domain.SubmitParams, error) {
	var sp domain.SubmitParams
	if isAbsent(req.Content) {
		return sp, domain.ErrInvalidContent
	}
	if err := json.Unmarshal(req.Content, &sp.Content); err != nil {
		return sp, domain.ErrInvalidContent
	}
	ttl, ok := parseOptionalInt(req.TTLSeconds)
	if !ok {
		return sp, domain.ErrInvalidTTL
	}
	sp.TTLSeconds = ttl
	maxViews, ok := parseOptionalInt(req.MaxViews)
	if !ok {
		return sp, domain.ErrInvalidMaxViews
	}
	sp.MaxViews = maxViews
	return sp, nil
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parseOptionalInt accepts JSON integers, including integral floats such as
// 60.0. Strings, booleans and fractions are rejected; range checks are left to
// validation.
func parseOptionalInt(raw json.RawMessage) (*int64, bool) {
	if isAbsent(raw) {
		return nil, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, false
	}
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte(`"`)) {
		return nil, false
	}
	if v, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		return &v, true
	}
	f, err := strconv.ParseFloat(n.String(), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return nil, false
	}
	if f != math.Trunc(f) {
		return nil, false
	}
	var v int64
	switch {
	case f >= math.MaxInt64:
		v = math.MaxInt64
	case f <= math.MinInt64:
		v = math.MinInt64
	default:
		v = int64(f)
	}
	return &v, true
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	view, err := h.paste.Retrieve(r.Context(), id, h.now(r))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(newPasteResp(view))
}

func newPasteResp(v *domain.PasteView) PasteResp {
	resp := PasteResp{Content: v.Content, RemainingViews: v.RemainingViews}
	if v.ExpiresAt != nil {
		s := v.ExpiresAt.UTC().Format(isoMillis)
		resp.ExpiresAt = &s
	}
	return resp
}

// now is the read clock. Only TEST_MODE honours the override header, and an
// unparseable value falls back to the real time.
func (h *Hdl) now(r *http.Request) time.Time {
	if h.cfg.TestMode {
		if raw := r.Header.Get(TestNowHeader); raw != "" {
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err == nil {
				return time.UnixMilli(ms).UTC()
			}
			hlog.FromRequest(r).Warn().Str("value", raw).Msg("ignoring malformed test clock header")
		}
	}
	return time.Now().UTC()
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	resp.RequestID = requestID
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}
