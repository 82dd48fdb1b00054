package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sogos/xqueue-dispatch/internal/application/service"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/auth"
	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
)

const sessionCookieName = "xqueue_session"

// envelope is every response's {return_code, content} shape.
type envelope struct {
	ReturnCode int `json:"return_code"`
	Content    any `json:"content"`
}

type handler struct {
	intake   *service.IntakeService
	pull     *service.PullService
	accounts *auth.AccountStore
	sessions auth.Sessions
	logger   domainservice.Logger
}

func writeEnvelope(w http.ResponseWriter, returnCode int, content any) {
	w.Header().Set("Content-Type", "application/json")
	if returnCode != 0 {
		w.WriteHeader(http.StatusOK) // LMS reads return_code, not HTTP status
	}
	_ = json.NewEncoder(w).Encode(envelope{ReturnCode: returnCode, Content: content})
}

func writeOK(w http.ResponseWriter, content any)      { writeEnvelope(w, 0, content) }
func writeFailure(w http.ResponseWriter, message any) { writeEnvelope(w, 1, message) }

// requireSession gates every pull/intake endpoint behind either a valid
// session cookie or HTTP basic auth.
func (h *handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			if _, ok := h.sessions.Validate(cookie.Value); ok {
				next.ServeHTTP(w, r)
				return
			}
		}

		if username, password, ok := r.BasicAuth(); ok && h.accounts.Authenticate(username, password) {
			next.ServeHTTP(w, r)
			return
		}

		writeFailure(w, "login_required")
	})
}

// handleStatus always returns "OK" without requiring authentication, so
// load balancers can health-check the surface.
func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, "OK")
}

// handleLogin establishes a session from form-encoded username/password.
func (h *handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeFailure(w, "malformed request")
		return
	}
	username := r.FormValue("username")
	password := r.FormValue("password")

	if !h.accounts.Authenticate(username, password) {
		writeFailure(w, "incorrect login credentials")
		return
	}

	token := h.sessions.Issue(username)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeOK(w, "Logged in")
}

// handleLoginRequired answers GET /xqueue/login/ — the LMS uses this as a
// re-auth signal, always reporting that a session is needed regardless of
// whether one already exists.
func (h *handler) handleLoginRequired(w http.ResponseWriter, r *http.Request) {
	writeFailure(w, "login_required")
}

func (h *handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		h.sessions.Revoke(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", Path: "/", MaxAge: -1})
	writeOK(w, "Logged out")
}

// handleSubmit implements POST /xqueue/submit/ (§4.2): xqueue_header
// (JSON string), xqueue_body, and multipart file uploads.
func (h *handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeFailure(w, "malformed multipart request")
		return
	}

	queueName := r.FormValue("queue_name")
	xqueueHeader := r.FormValue("xqueue_header")
	xqueueBody := r.FormValue("xqueue_body")

	var files []service.IntakeFile
	if r.MultipartForm != nil {
		for field, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				f, err := fh.Open()
				if err != nil {
					writeFailure(w, "failed to read uploaded file "+field)
					return
				}
				content, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					writeFailure(w, "failed to read uploaded file "+field)
					return
				}
				files = append(files, service.IntakeFile{Filename: fh.Filename, Content: content})
			}
		}
	}

	req := service.IntakeRequest{
		QueueName:    queueName,
		XQueueHeader: xqueueHeader,
		XQueueBody:   xqueueBody,
		Files:        files,
		RequesterID:  r.RemoteAddr,
	}

	qlen, err := h.intake.Submit(r.Context(), req)
	if err != nil {
		h.writeIntakeError(w, err)
		return
	}
	writeOK(w, qlen)
}

func (h *handler) writeIntakeError(w http.ResponseWriter, err error) {
	var unknownQueue *service.ErrUnknownQueue
	var invalidRequest *service.ErrInvalidRequest
	switch {
	case errors.As(err, &unknownQueue):
		writeFailure(w, unknownQueue.Error())
	case errors.As(err, &invalidRequest):
		writeFailure(w, invalidRequest.Error())
	default:
		h.logger.Error("submit failed", "error", err)
		writeFailure(w, "internal error")
	}
}

// handleGetQueueLen implements GET /xqueue/get_queuelen/.
func (h *handler) handleGetQueueLen(w http.ResponseWriter, r *http.Request) {
	queueName := r.URL.Query().Get("queue_name")
	n, err := h.pull.GetQueueLength(r.Context(), queueName)
	if err != nil {
		h.writePullError(w, err)
		return
	}
	writeOK(w, n)
}

// handleGetSubmission implements GET /xqueue/get_submission/.
func (h *handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	queueName := r.URL.Query().Get("queue_name")
	sub, err := h.pull.GetSubmission(r.Context(), queueName, r.RemoteAddr)
	if err != nil {
		h.writePullError(w, err)
		return
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		h.logger.Error("failed to marshal pulled submission", "error", err)
		writeFailure(w, "internal error")
		return
	}
	writeOK(w, string(payload))
}

// handlePutResult implements POST /xqueue/put_result/.
func (h *handler) handlePutResult(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeFailure(w, "malformed request")
		return
	}

	var header struct {
		SubmissionID  int64  `json:"submission_id"`
		SubmissionKey string `json:"submission_key"`
	}
	if err := json.Unmarshal([]byte(r.FormValue("xqueue_header")), &header); err != nil {
		writeFailure(w, "xqueue_header is not valid JSON")
		return
	}

	err := h.pull.PutResult(r.Context(), service.PutResultInput{
		SubmissionID:  header.SubmissionID,
		SubmissionKey: header.SubmissionKey,
		GraderReply:   r.FormValue("xqueue_body"),
	})
	if err != nil {
		h.writePullError(w, err)
		return
	}
	writeOK(w, "Saved")
}

func (h *handler) writePullError(w http.ResponseWriter, err error) {
	var unknownQueue *service.ErrUnknownQueue
	switch {
	case errors.As(err, &unknownQueue):
		writeFailure(w, unknownQueue.Error())
	case errors.Is(err, service.ErrQueueEmpty):
		writeFailure(w, "queue is empty")
	case errors.Is(err, service.ErrSubmissionNotFound):
		writeFailure(w, "submission does not exist")
	case errors.Is(err, service.ErrBadPullKey):
		writeFailure(w, "incorrect key for submission")
	default:
		h.logger.Error("pull interface request failed", "error", err)
		writeFailure(w, "internal error")
	}
}
