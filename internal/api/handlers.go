package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"otto/internal/outbound"
	"otto/internal/storage"
	"otto/internal/task/scheduler"
	logx "otto/pkg/logx"
)

const maxBody = 1 << 20

type handlers struct {
	d Deps
}

type jobView struct {
	ID            string               `json:"id"`
	Type          string               `json:"type"`
	Name          string               `json:"name,omitempty"`
	ScheduleType  storage.ScheduleType `json:"scheduleType"`
	Schedule      string               `json:"schedule,omitempty"`
	Payload       json.RawMessage      `json:"payload,omitempty"`
	Status        storage.JobStatus    `json:"status"`
	ScheduledFor  time.Time            `json:"scheduledFor"`
	LockOwner     string               `json:"lockOwner,omitempty"`
	LockExpiresAt *time.Time           `json:"lockExpiresAt,omitempty"`
	ModelRef      string               `json:"modelRef,omitempty"`
	LastRunAt     *time.Time           `json:"lastRunAt,omitempty"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
}

func newJobView(j storage.Job, now time.Time) jobView {
	return jobView{
		ID:            j.ID,
		Type:          j.Type,
		Name:          j.Name,
		ScheduleType:  j.ScheduleType,
		Schedule:      j.Schedule,
		Payload:       j.Payload,
		Status:        j.EffectiveStatus(now),
		ScheduledFor:  j.ScheduledFor,
		LockOwner:     j.LockOwner,
		LockExpiresAt: optTime(j.LockExpiresAt),
		ModelRef:      j.ModelRef,
		LastRunAt:     optTime(j.LastRunAt),
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
}

type runView struct {
	ID               string            `json:"id"`
	JobID            string            `json:"jobId"`
	ScheduledFor     time.Time         `json:"scheduledFor"`
	StartedAt        time.Time         `json:"startedAt"`
	FinishedAt       *time.Time        `json:"finishedAt,omitempty"`
	Status           storage.RunStatus `json:"status"`
	ErrorCode        string            `json:"errorCode,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	Result           json.RawMessage   `json:"result,omitempty"`
	PromptProvenance string            `json:"promptProvenance,omitempty"`
}

func newRunView(r storage.JobRun) runView {
	return runView{
		ID:               r.ID,
		JobID:            r.JobID,
		ScheduledFor:     r.ScheduledFor,
		StartedAt:        r.StartedAt,
		FinishedAt:       optTime(r.FinishedAt),
		Status:           r.Status,
		ErrorCode:        r.ErrorCode,
		ErrorMessage:     r.ErrorMessage,
		Result:           r.Result,
		PromptProvenance: r.PromptProvenance,
	}
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if err := h.d.Store.Ping(r.Context()); err != nil {
		body["status"] = "unavailable"
		body["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if h.d.Status != nil {
		for k, v := range h.d.Status() {
			body[k] = v
		}
	}
	writeJSON(w, code, body)
}

func (h *handlers) runNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := h.d.Store.ScheduleRunNow(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.d.Log.Info("run-now scheduled", logx.String("job", id))
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           res.ID,
		"status":       res.Status,
		"scheduledFor": res.ScheduledFor,
	})
}

type enqueueReq struct {
	ChatID    int64            `json:"chatId"`
	Content   string           `json:"content"`
	DedupeKey string           `json:"dedupeKey"`
	Priority  storage.Priority `json:"priority"`
}

func (h *handlers) enqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	key := strings.TrimSpace(req.DedupeKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	res, err := h.d.Queue.Enqueue(r.Context(), outbound.Message{
		ChatID:    req.ChatID,
		Content:   req.Content,
		DedupeKey: key,
		Priority:  req.Priority,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) createJob(w http.ResponseWriter, r *http.Request) {
	var spec scheduler.JobSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.d.Store.Now()
	nj, err := scheduler.PlanJob(spec, now, h.d.Location)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err := h.d.Store.CreateJob(r.Context(), nj)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.d.Log.Info("job created",
		logx.String("job", job.ID),
		logx.String("type", job.Type),
		logx.String("schedule_type", string(job.ScheduleType)),
		logx.Time("scheduled_for", job.ScheduledFor),
	)
	writeJSON(w, http.StatusCreated, newJobView(job, now))
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.d.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job, h.d.Store.Now()))
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50, 500)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := storage.JobStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	jobs, err := h.d.Store.ListJobs(r.Context(), status, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.d.Store.Now()
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobView(j, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := queryLimit(r, 20, 200)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.d.Store.GetJob(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	runs, err := h.d.Store.ListRuns(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, newRunView(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.d.Store.MarkJobTerminal(r.Context(), id, storage.JobCancelled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.d.Log.Info("job cancelled", logx.String("job", id))
	writeJSON(w, http.StatusOK, newJobView(job, h.d.Store.Now()))
}

var errBadRequest = errors.New("bad request")

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", errBadRequest, err)
	}
	return nil
}

func queryLimit(r *http.Request, def, ceiling int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
	}
	return min(n, ceiling), nil
}
