package httpserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/storyvoice/internal/config"
	"github.com/fairyhunter13/storyvoice/internal/domain"
	"github.com/fairyhunter13/storyvoice/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Synth      *usecase.SynthesisService
	Voices     *usecase.VoiceService
	Slots      *usecase.SlotService
	Credits    *usecase.CreditService
	Admin      *usecase.AdminService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, synth *usecase.SynthesisService, voices *usecase.VoiceService, slots *usecase.SlotService, credits *usecase.CreditService, admin *usecase.AdminService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Synth: synth, Voices: voices, Slots: slots, Credits: credits, Admin: admin, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// userID reads the identity set by the auth gateway. Empty means the request
// never passed the gateway.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := userID(r)
	if uid == "" {
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
			Code: "UNAUTHENTICATED", Message: "missing X-User-ID header",
		}})
		return "", false
	}
	return uid, true
}

type synthesizeRequest struct {
	VoiceID string `json:"voice_id" validate:"required"`
	StoryID string `json:"story_id" validate:"required"`
}

type synthesizeResponse struct {
	AudioRequestID string            `json:"audio_request_id"`
	Status         string            `json:"status"`
	CreditsCharged int               `json:"credits_charged"`
	AlreadyPaid    bool              `json:"already_paid,omitempty"`
	Slot           usecase.SlotState `json:"slot"`
}

// SynthesizeHandler starts (or reports) narration of a story with a voice.
func (s *Server) SynthesizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		var req synthesizeRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: voice_id and story_id are required", domain.ErrInvalidArgument), nil)
			return
		}
		ticket, err := s.Synth.RequestSynthesis(r.Context(), uid, req.VoiceID, req.StoryID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if ticket.Insufficient != nil {
			writeJSON(w, http.StatusPaymentRequired, errorEnvelope{Error: apiError{
				Code:    "INSUFFICIENT_CREDITS",
				Message: ticket.Insufficient.Error(),
				Details: map[string]int{
					"required":  ticket.Insufficient.Needed,
					"available": ticket.Insufficient.Available,
				},
			}})
			return
		}
		status := http.StatusAccepted
		if ticket.Status == domain.AudioReady {
			status = http.StatusOK
		}
		writeJSON(w, status, synthesizeResponse{
			AudioRequestID: ticket.AudioRequestID,
			Status:         string(ticket.Status),
			CreditsCharged: ticket.CreditsCharged,
			AlreadyPaid:    ticket.AlreadyPaid,
			Slot:           ticket.Slot,
		})
	}
}

// AudioURLHandler redirects to a presigned download URL for a finished
// render. Clients asking for JSON get the URL in a body instead.
func (s *Server) AudioURLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		voiceID := chi.URLParam(r, "voiceID")
		storyID := chi.URLParam(r, "storyID")
		url, err := s.Synth.AudioURL(r.Context(), uid, voiceID, storyID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if strings.Contains(r.Header.Get("Accept"), "application/json") {
			writeJSON(w, http.StatusOK, map[string]any{
				"url":        url,
				"expires_in": int(s.Cfg.PresignTTL.Seconds()),
			})
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
	}
}

// AudioExistsHandler reports whether a finished render is present in storage.
func (s *Server) AudioExistsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		voiceID := chi.URLParam(r, "voiceID")
		storyID := chi.URLParam(r, "storyID")
		exists, size, err := s.Synth.AudioExists(r.Context(), uid, voiceID, storyID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"exists": exists, "size_bytes": size})
	}
}

// AudioStreamHandler streams a finished render with Range support.
func (s *Server) AudioStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		voiceID := chi.URLParam(r, "voiceID")
		storyID := chi.URLParam(r, "storyID")
		data, err := s.Synth.AudioBytes(r.Context(), uid, voiceID, storyID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Cache-Control", "private, max-age=3600")
		name := fmt.Sprintf("story_%s.mp3", storyID)
		// ServeContent handles Range and If-Modified-Since.
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
	}
}

// AudioStatusHandler reports the synthesis state for polling clients.
func (s *Server) AudioStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		voiceID := chi.URLParam(r, "voiceID")
		storyID := chi.URLParam(r, "storyID")
		req, err := s.Synth.RequestStatus(r.Context(), uid, voiceID, storyID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := map[string]any{
			"audio_request_id": req.ID,
			"status":           req.Status,
		}
		if req.ErrorMessage != "" {
			resp["error"] = req.ErrorMessage
		}
		if req.DurationSeconds != nil {
			resp["duration_seconds"] = *req.DurationSeconds
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// historyQueryFromRequest reads the credits history paging parameters.
func historyQueryFromRequest(r *http.Request) (domain.HistoryQuery, error) {
	var q domain.HistoryQuery
	if v := r.URL.Query().Get("history_limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, fmt.Errorf("%w: history_limit must be a non-negative integer", domain.ErrInvalidArgument)
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("history_offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, fmt.Errorf("%w: history_offset must be a non-negative integer", domain.ErrInvalidArgument)
		}
		q.Offset = n
	}
	switch tt := domain.TransactionType(r.URL.Query().Get("type")); tt {
	case "", domain.TxCredit, domain.TxDebit, domain.TxRefund, domain.TxExpire:
		q.Type = tt
	default:
		return q, fmt.Errorf("%w: unknown transaction type %q", domain.ErrInvalidArgument, tt)
	}
	return q, nil
}

// CreditsHandler returns the caller's balance, lots and a page of history.
func (s *Server) CreditsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		page, err := historyQueryFromRequest(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		sum, err := s.Credits.Summary(r.Context(), uid, page)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		lots := make([]map[string]any, 0, len(sum.Lots))
		for _, l := range sum.Lots {
			lot := map[string]any{
				"source":           l.Source,
				"amount_granted":   l.AmountGranted,
				"amount_remaining": l.AmountRemaining,
				"created_at":       l.CreatedAt,
			}
			if l.ExpiresAt != nil {
				lot["expires_at"] = *l.ExpiresAt
			}
			lots = append(lots, lot)
		}
		items := make([]map[string]any, 0, len(sum.History))
		for _, t := range sum.History {
			e := map[string]any{
				"amount":     t.Amount,
				"type":       t.Type,
				"reason":     t.Reason,
				"status":     t.Status,
				"created_at": t.CreatedAt,
			}
			if t.StoryID != nil {
				e["story_id"] = *t.StoryID
			}
			items = append(items, e)
		}
		history := map[string]any{
			"items":  items,
			"limit":  sum.HistoryLimit,
			"offset": sum.HistoryOffset,
			"total":  sum.HistoryTotal,
		}
		if next := sum.HistoryOffset + len(items); next < sum.HistoryTotal {
			history["next_offset"] = next
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"balance":          sum.ComputedBalance,
			"balance_cached":   sum.CachedBalance,
			"balance_computed": sum.ComputedBalance,
			"unit_label":       s.Credits.UnitLabel(),
			"unit_size":        s.Credits.UnitSize(),
			"lots":             lots,
			"history":          history,
		})
	}
}

// allowedSampleExt enforces the recording allowlist.
func allowedSampleExt(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".wav", ".mp3", ".m4a":
		return true
	}
	return false
}

func allowedSampleMIME(m string) bool {
	m = strings.ToLower(m)
	return strings.HasPrefix(m, "audio/") || m == "video/mp4" // m4a sniffs as mp4 container
}

// VoiceUploadHandler accepts a multipart voice recording.
func (s *Server) VoiceUploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "too large") {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
					Code: "PAYLOAD_TOO_LARGE", Message: fmt.Sprintf("recording exceeds %d MB", s.Cfg.MaxUploadMB),
				}})
				return
			}
			writeError(w, r, fmt.Errorf("%w: malformed multipart body", domain.ErrInvalidArgument), nil)
			return
		}
		name := strings.TrimSpace(r.FormValue("name"))
		if name == "" {
			writeError(w, r, fmt.Errorf("%w: name is required", domain.ErrInvalidArgument), nil)
			return
		}
		file, header, err := r.FormFile("recording")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: recording file is required", domain.ErrInvalidArgument), nil)
			return
		}
		defer func() { _ = file.Close() }()
		if !allowedSampleExt(header.Filename) {
			writeError(w, r, fmt.Errorf("%w: only wav, mp3 and m4a recordings are accepted", domain.ErrInvalidArgument), nil)
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: reading recording failed", domain.ErrInvalidArgument), nil)
			return
		}
		mt := mimetype.Detect(data)
		if !allowedSampleMIME(mt.String()) {
			writeError(w, r, fmt.Errorf("%w: file content is not audio (%s)", domain.ErrInvalidArgument, mt.String()), nil)
			return
		}
		v, err := s.Voices.Upload(r.Context(), uid, name, header.Filename, mt.String(), data)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":               v.ID,
			"name":             v.Name,
			"status":           v.Status,
			"service_provider": v.ServiceProvider,
		})
	}
}

// VoiceGetHandler returns one voice with its slot state.
func (s *Server) VoiceGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		v, err := s.Voices.Get(r.Context(), uid, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		slot, err := s.Slots.VoiceSlotStatus(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":               v.ID,
			"name":             v.Name,
			"status":           v.Status,
			"service_provider": v.ServiceProvider,
			"slot":             slot,
			"created_at":       v.CreatedAt,
		})
	}
}

// VoiceDeleteHandler removes a voice and all its artifacts.
func (s *Server) VoiceDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		if err := s.Voices.Delete(r.Context(), uid, id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// AdminSlotStatusHandler is the operator view of the allocator. Access is
// guarded upstream.
func (s *Server) AdminSlotStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.Admin.SlotStatus(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// ReadyzHandler verifies the backing stores.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := map[string]string{}
		healthy := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks["postgres"] = err.Error()
				healthy = false
			} else {
				checks["postgres"] = "ok"
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		}
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
	}
}
