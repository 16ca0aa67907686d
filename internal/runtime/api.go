package runtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/parlolabs/parlo-core/internal/audio"
	"github.com/parlolabs/parlo-core/internal/conversation"
	"github.com/parlolabs/parlo-core/internal/lesson"
	"github.com/parlolabs/parlo-core/internal/llm"
	"github.com/parlolabs/parlo-core/internal/pronounce"
	"github.com/parlolabs/parlo-core/internal/tts"
)

func (r *Runtime) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", r.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", r.handleGetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", r.handleEndSession)
	mux.HandleFunc("GET /v1/sessions/{id}/history", r.handleHistory)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", r.handleSendMessage)
	mux.HandleFunc("POST /v1/sessions/{id}/listen", r.handleStartListening)
	mux.HandleFunc("DELETE /v1/sessions/{id}/listen", r.handleStopListening)
	mux.HandleFunc("POST /v1/sessions/{id}/replay", r.handleReplay)
	mux.HandleFunc("POST /v1/sessions/{id}/lesson", r.handleStartLesson)
	mux.HandleFunc("GET /v1/sessions/{id}/lesson", r.handleLessonProgress)
	mux.HandleFunc("POST /v1/sessions/{id}/pronunciation", r.handlePronunciation)
	mux.HandleFunc("GET /v1/sessions/{id}/pronunciation", r.handlePronunciationNotes)
	mux.HandleFunc("GET /v1/lessons", r.handleListAttempts)
	mux.HandleFunc("GET /v1/lessons/{id}", r.handleGetAttempt)
}

type sessionResponse struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Mode        string `json:"mode"`
	Interaction string `json:"interaction"`
	State       string `json:"state"`
	CreatedAt   string `json:"created_at"`
}

func sessionView(sess *conversation.Session) sessionResponse {
	return sessionResponse{
		ID:          sess.ID,
		Owner:       sess.Owner,
		Mode:        string(sess.Mode),
		Interaction: string(sess.Interaction),
		State:       sess.State().String(),
		CreatedAt:   sess.CreatedAt.Format(time.RFC3339),
	}
}

func (r *Runtime) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Owner        string `json:"owner"`
		Mode         string `json:"mode"`
		Interaction  string `json:"interaction"`
		SystemPrompt string `json:"system_prompt"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode := conversation.Mode(body.Mode)
	if mode == "" {
		mode = conversation.ModeFree
	}
	if mode != conversation.ModeFree && mode != conversation.ModeLesson {
		writeError(w, http.StatusBadRequest, "mode must be free or lesson")
		return
	}
	interaction := conversation.Interaction(body.Interaction)
	if interaction == "" {
		interaction = conversation.InteractionPushToTalk
	}
	if interaction != conversation.InteractionHandsFree && interaction != conversation.InteractionPushToTalk {
		writeError(w, http.StatusBadRequest, "interaction must be handsfree or pushtotalk")
		return
	}

	sess, err := r.orchestrator.Start(req.Context(), body.Owner, mode, interaction, body.SystemPrompt)
	if err != nil {
		// The session exists; hands-free capture just could not start yet.
		r.logger.Warn("session created without capture",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusCreated, sessionView(sess))
}

func (r *Runtime) handleGetSession(w http.ResponseWriter, req *http.Request) {
	sess, err := r.orchestrator.Sessions().Get(req.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView(sess))
}

func (r *Runtime) handleEndSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.orchestrator.End(id); err != nil {
		writeAPIError(w, err)
		return
	}
	r.lessons.Abandon(id)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	sess, err := r.orchestrator.Sessions().Get(req.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": sess.History()})
}

func (r *Runtime) handleSendMessage(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg, err := r.orchestrator.Send(req.Context(), req.PathValue("id"), body.Text)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (r *Runtime) handleStartListening(w http.ResponseWriter, req *http.Request) {
	if err := r.orchestrator.StartListening(req.Context(), req.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleStopListening(w http.ResponseWriter, req *http.Request) {
	if err := r.orchestrator.StopListening(req.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleReplay(w http.ResponseWriter, req *http.Request) {
	var body struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := r.orchestrator.Replay(req.Context(), req.PathValue("id"), body.MessageID); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (r *Runtime) handleStartLesson(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Questions []string `json:"questions"`
		Topic     string   `json:"topic"`
		Count     int      `json:"count"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := r.orchestrator.Sessions().Get(req.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	attempt, first, err := r.lessons.Start(req.Context(), sess, body.Questions, body.Topic, body.Count)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"attempt_id":     attempt.ID,
		"question_count": len(attempt.Questions),
		"first_question": first,
	})
}

func (r *Runtime) handleLessonProgress(w http.ResponseWriter, req *http.Request) {
	attempt, ok := r.lessons.Snapshot(req.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, lesson.ErrNoActiveLesson.Error())
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (r *Runtime) handlePronunciation(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Expected      string `json:"expected"`
		PCM           string `json:"pcm"` // base64 16-bit little-endian
		SampleRate    int    `json:"sample_rate"`
		Channels      int    `json:"channels"`
		QuestionIndex *int   `json:"question_index"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := r.orchestrator.Sessions().Get(req.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(body.PCM)
	if err != nil {
		writeError(w, http.StatusBadRequest, "pcm must be base64")
		return
	}
	if body.SampleRate <= 0 {
		body.SampleRate = 16000
	}
	if body.Channels <= 0 {
		body.Channels = 1
	}
	seg := audio.Segment{
		PCM:        pcm,
		SampleRate: body.SampleRate,
		Channels:   body.Channels,
		Duration:   audio.PCMDuration(len(pcm), body.SampleRate, body.Channels),
	}
	record, err := r.scorer.Analyze(req.Context(), seg, body.Expected)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	note := conversation.PronunciationNote{
		QuestionIndex: body.QuestionIndex,
		Expected:      record.Expected,
		Transcript:    record.Transcript,
		Score:         record.Score,
		ScoreValid:    record.ScoreValid,
		Feedback:      record.Feedback,
		Timestamp:     record.Timestamp,
	}
	sess.Annotate(note)
	if sess.Mode == conversation.ModeLesson {
		if err := r.lessons.Annotate(req.Context(), sess.ID, note); err != nil && !errors.Is(err, lesson.ErrNoActiveLesson) {
			r.logger.Warn("failed to attach pronunciation note to lesson attempt",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, record)
}

func (r *Runtime) handlePronunciationNotes(w http.ResponseWriter, req *http.Request) {
	sess, err := r.orchestrator.Sessions().Get(req.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": sess.Notes()})
}

func (r *Runtime) handleListAttempts(w http.ResponseWriter, req *http.Request) {
	owner := req.URL.Query().Get("owner")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	attempts, err := r.lessonStore.List(req.Context(), owner, limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": attempts})
}

func (r *Runtime) handleGetAttempt(w http.ResponseWriter, req *http.Request) {
	attempt, err := r.lessonStore.Get(req.Context(), req.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAPIError maps domain errors onto HTTP statuses.
func writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrSessionNotFound),
		errors.Is(err, conversation.ErrMessageNotFound),
		errors.Is(err, lesson.ErrAttemptNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, conversation.ErrTurnInFlight),
		errors.Is(err, lesson.ErrLessonActive),
		errors.Is(err, lesson.ErrLessonCompleted),
		errors.Is(err, audio.ErrCaptureActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, conversation.ErrEmptyMessage),
		errors.Is(err, conversation.ErrInvalidTransition),
		errors.Is(err, lesson.ErrNoQuestions),
		errors.Is(err, lesson.ErrNotLessonSession),
		errors.Is(err, lesson.ErrNoActiveLesson),
		errors.Is(err, pronounce.ErrInputInvalid),
		errors.Is(err, tts.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, audio.ErrDeviceUnavailable),
		errors.Is(err, audio.ErrPermissionDenied),
		errors.Is(err, tts.ErrSynthesisUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, llm.ErrProvidersExhausted):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
