package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"study-sync-service/internal/app"
	"study-sync-service/internal/domain"
	"study-sync-service/internal/logger"
)

const guestUserID = "guest"

// Handler exposes the device operations over REST.
type Handler struct {
	devices app.DeviceRepository
	log     *logger.Logger
}

func NewHandler(devices app.DeviceRepository, log *logger.Logger) *Handler {
	return &Handler{devices: devices, log: log.With("component", "http")}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	const base = "/v1/devices/{device}/"
	mux.HandleFunc("POST "+base+"auth/callback", h.withDevice(h.authCallback))
	mux.HandleFunc("POST "+base+"auth/signout", h.withDevice(h.signOut))
	mux.HandleFunc("GET "+base+"sync/status", h.withDevice(h.syncStatus))
	mux.HandleFunc("POST "+base+"sync", h.withDevice(h.sync))
	mux.HandleFunc("POST "+base+"merge", h.withDevice(h.merge))
	mux.HandleFunc("POST "+base+"backups", h.withDevice(h.createBackup))
	mux.HandleFunc("POST "+base+"backups/cleanup", h.withDevice(h.cleanupBackups))
	mux.HandleFunc("POST "+base+"backups/{id}/restore", h.withDevice(h.restoreBackup))
	mux.HandleFunc("POST "+base+"results", h.withDevice(h.saveResult))
	mux.HandleFunc("GET "+base+"performance", h.withDevice(h.performance))
	mux.HandleFunc("POST "+base+"performance/recompute", h.withDevice(h.recompute))
	mux.HandleFunc("POST "+base+"questions", h.withDevice(h.createQuestion))
	mux.HandleFunc("GET "+base+"questions/live", h.withDevice(h.liveQuestions))
}

type deviceHandler func(w http.ResponseWriter, r *http.Request, device *app.Device)

// withDevice resolves and boots the device named in the path.
func (h *Handler) withDevice(next deviceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("device")
		if id == "" {
			writeError(w, http.StatusBadRequest, "missing device id")
			return
		}
		device := h.devices.GetOrCreate(id)
		if err := device.Boot(r.Context()); err != nil {
			// Boot failures are retried on the next request; the device stays usable.
			h.log.Warn("device boot failed", "device", id, "error", err)
		}
		next(w, r, device)
	}
}

type callbackRequest struct {
	Fragment     string `json:"fragment"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type callbackResponse struct {
	Session   *domain.Session            `json:"session"`
	Migration *domain.PreservationResult `json:"migration,omitempty"`
}

func (h *Handler) authCallback(w http.ResponseWriter, r *http.Request, device *app.Device) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid callback payload")
		return
	}
	fragment := req.Fragment
	if fragment == "" {
		fragment = "access_token=" + req.AccessToken + "&refresh_token=" + req.RefreshToken
	}
	session, err := device.Orchestrator.CaptureRedirect(r.Context(), fragment)
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := callbackResponse{Session: session}
	if last, ok := device.Orchestrator.LastMigration(); ok {
		resp.Migration = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request, device *app.Device) {
	if err := device.Sessions.SignOut(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) syncStatus(w http.ResponseWriter, r *http.Request, device *app.Device) {
	writeJSON(w, http.StatusOK, device.Sync.GetSyncStatus(r.Context()))
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request, device *app.Device) {
	var result domain.SyncResult
	switch r.URL.Query().Get("direction") {
	case "push":
		result = device.Sync.SyncLocalToCloud(r.Context())
	case "pull":
		result = device.Sync.SyncCloudToLocal(r.Context())
	case "", "full":
		result = device.Orchestrator.FullSync(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "direction must be push, pull or full")
		return
	}
	writeJSON(w, resultStatus(result.Success), result)
}

func (h *Handler) merge(w http.ResponseWriter, r *http.Request, device *app.Device) {
	userID, ok := device.Sessions.GetUser(r.Context())
	if !ok {
		h.fail(w, domain.ErrNotSignedIn)
		return
	}
	result := device.Orchestrator.Migrate(r.Context(), userID)
	writeJSON(w, resultStatus(result.Success), result)
}

func (h *Handler) createBackup(w http.ResponseWriter, r *http.Request, device *app.Device) {
	id, err := device.Preservation.CreatePreAuthBackup(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"backupId": id})
}

func (h *Handler) cleanupBackups(w http.ResponseWriter, r *http.Request, device *app.Device) {
	deleted := device.Preservation.CleanupOldBackups(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (h *Handler) restoreBackup(w http.ResponseWriter, r *http.Request, device *app.Device) {
	result := device.Preservation.RestoreFromBackup(r.Context(), r.PathValue("id"))
	status := resultStatus(result.Success)
	if len(result.Errors) == 1 && result.Errors[0] == domain.ErrBackupNotFound.Error() {
		status = http.StatusNotFound
	}
	if result.Success {
		device.Preservation.TriggerUIRefresh(r.Context())
	}
	writeJSON(w, status, result)
}

type resultResponse struct {
	Result   domain.QuizResult          `json:"result"`
	Snapshot domain.PerformanceSnapshot `json:"performance"`
}

func (h *Handler) saveResult(w http.ResponseWriter, r *http.Request, device *app.Device) {
	var result domain.QuizResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "invalid result payload")
		return
	}
	if result.UserID == "" {
		result.UserID = currentUser(r, device)
	}
	saved, snapshot, err := device.Performance.SaveQuizResult(r.Context(), result)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resultResponse{Result: saved, Snapshot: snapshot})
}

type performanceResponse struct {
	Snapshots []domain.PerformanceSnapshot `json:"snapshots"`
	Totals    domain.TotalStats            `json:"totals"`
	Recent    []domain.QuizResult          `json:"recent"`
}

func (h *Handler) performance(w http.ResponseWriter, r *http.Request, device *app.Device) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = currentUser(r, device)
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	snapshots := make([]domain.PerformanceSnapshot, 0)
	for _, s := range device.Store.Performance(r.Context()) {
		if s.UserID == userID {
			snapshots = append(snapshots, s)
		}
	}
	recent := device.Store.RecentResults(r.Context(), userID, limit)
	if recent == nil {
		recent = []domain.QuizResult{}
	}
	writeJSON(w, http.StatusOK, performanceResponse{
		Snapshots: snapshots,
		Totals:    device.Store.TotalStats(r.Context(), userID),
		Recent:    recent,
	})
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request, device *app.Device) {
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		writeError(w, http.StatusBadRequest, "missing subject")
		return
	}
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = currentUser(r, device)
	}
	snapshot, ok, err := device.Performance.Recompute(r.Context(), userID, subject)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no results for subject")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) createQuestion(w http.ResponseWriter, r *http.Request, device *app.Device) {
	var q domain.Question
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid question payload")
		return
	}
	if q.Type == "" {
		q.Type = domain.QuestionMultipleChoice
	}
	if q.CreatedBy == "" {
		q.CreatedBy = currentUser(r, device)
	}
	created, err := device.Store.CreateQuestion(r.Context(), q)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type liveResponse struct {
	Active    bool              `json:"active"`
	Questions []domain.Question `json:"questions"`
}

func (h *Handler) liveQuestions(w http.ResponseWriter, r *http.Request, device *app.Device) {
	if device.Live == nil {
		writeJSON(w, http.StatusOK, liveResponse{Questions: []domain.Question{}})
		return
	}
	writeJSON(w, http.StatusOK, liveResponse{Active: device.Live.Active(), Questions: device.Live.Questions()})
}

func currentUser(r *http.Request, device *app.Device) string {
	if userID, ok := device.Sessions.GetUser(r.Context()); ok {
		return userID
	}
	return guestUserID
}

type errorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorPayload{Message: verr.Message, Code: verr.Code})
	case errors.Is(err, domain.ErrMissingTokens):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotSignedIn), errors.Is(err, domain.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrBackupNotFound), errors.Is(err, domain.ErrQuestionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrStorageLimit), errors.Is(err, domain.ErrQuotaExceeded):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func resultStatus(success bool) int {
	if success {
		return http.StatusOK
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorPayload{Message: msg})
}
