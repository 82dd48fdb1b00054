package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
	"github.com/sogos/xqueue-dispatch/internal/domain/repository"
	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
)

// IntakeHeader is the JSON shape required on every submit request.
type IntakeHeader struct {
	LMSCallbackURL string `json:"lms_callback_url"`
	LMSKey         string `json:"lms_key"`
	QueueName      string `json:"queue_name"`
}

// IntakeFile is one uploaded file part.
type IntakeFile struct {
	Filename string
	Content  []byte
}

// IntakeRequest is what the HTTP layer hands to IntakeService.Submit after
// parsing the multipart form.
type IntakeRequest struct {
	QueueName    string
	XQueueHeader string
	XQueueBody   string
	Files        []IntakeFile
	RequesterID  string
}

// ErrUnknownQueue is returned when the request names a queue that isn't
// configured.
type ErrUnknownQueue struct {
	QueueName string
}

func (e *ErrUnknownQueue) Error() string {
	return fmt.Sprintf("queue %q not found", e.QueueName)
}

// ErrInvalidRequest is returned for malformed headers.
type ErrInvalidRequest struct {
	Reason string
}

func (e *ErrInvalidRequest) Error() string { return e.Reason }

// IntakeService validates and persists LMS submissions (§4.2).
type IntakeService struct {
	repo   repository.SubmissionRepository
	blobs  domainservice.BlobStore
	waker  domainservice.PushWaker
	queues map[string]entity.QueueConfig
	delta  time.Duration
	logger domainservice.Logger
}

// NewIntakeService creates a new intake service over the configured queue
// set. delta is the processing-delay grace period Δ used for the returned
// queue length. waker may be nil, in which case push delivery relies solely
// on the scheduler's periodic wake.
func NewIntakeService(repo repository.SubmissionRepository, blobs domainservice.BlobStore, waker domainservice.PushWaker, queues map[string]entity.QueueConfig, delta time.Duration, logger domainservice.Logger) *IntakeService {
	return &IntakeService{repo: repo, blobs: blobs, waker: waker, queues: queues, delta: delta, logger: logger}
}

// Submit validates req, invalidates any prior unretired submission for the
// same lms_callback_url, uploads files, persists the submission, and
// returns the new queue length.
func (s *IntakeService) Submit(ctx context.Context, req IntakeRequest) (queueLength int, err error) {
	var header IntakeHeader
	if err := json.Unmarshal([]byte(req.XQueueHeader), &header); err != nil {
		return 0, &ErrInvalidRequest{Reason: "xqueue_header is not valid JSON"}
	}
	if header.LMSCallbackURL == "" || header.LMSKey == "" || header.QueueName == "" {
		return 0, &ErrInvalidRequest{Reason: "xqueue_header missing lms_callback_url, lms_key, or queue_name"}
	}
	if header.QueueName != req.QueueName {
		return 0, &ErrInvalidRequest{Reason: "xqueue_header queue_name does not match request"}
	}

	if _, ok := s.queues[req.QueueName]; !ok {
		return 0, &ErrUnknownQueue{QueueName: req.QueueName}
	}

	lmsCallbackURL := truncate(header.LMSCallbackURL, entity.MaxFieldLen)

	// Limit DoS attacks by invalidating prior submissions from the same
	// (user, module-id) pair as encoded in lms_callback_url.
	if err := s.repo.InvalidatePrior(ctx, lmsCallbackURL); err != nil {
		return 0, fmt.Errorf("failed to invalidate prior submissions: %w", err)
	}

	keys := make(map[string]string, len(req.Files))
	urls := make(map[string]string, len(req.Files))
	for _, f := range req.Files {
		key := hashKey(req.XQueueHeader + f.Filename)
		blobPath := req.QueueName + "/" + key
		if err := s.blobs.Save(ctx, blobPath, f.Content, "application/octet-stream"); err != nil {
			return 0, fmt.Errorf("failed to store uploaded file %q: %w", f.Filename, err)
		}
		url, err := s.blobs.URL(ctx, blobPath)
		if err != nil {
			return 0, fmt.Errorf("failed to generate URL for uploaded file %q: %w", f.Filename, err)
		}
		keys[f.Filename] = key
		urls[f.Filename] = url
	}

	urlsJSON, err := json.Marshal(urls)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal urls: %w", err)
	}
	keysJSON, err := json.Marshal(keys)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal keys: %w", err)
	}

	if len(urlsJSON) > entity.MaxDictColumnLen {
		key := hashKey(req.XQueueHeader + fmt.Sprintf("%v", fileNames(req.Files)))
		blobPath := req.QueueName + "/" + key
		blob, err := json.Marshal(struct {
			Files map[string]string `json:"files"`
			Keys  map[string]string `json:"keys"`
		}{Files: urls, Keys: keys})
		if err != nil {
			return 0, fmt.Errorf("failed to marshal external dict blob: %w", err)
		}
		if err := s.blobs.Save(ctx, blobPath, blob, "application/json"); err != nil {
			return 0, fmt.Errorf("failed to store external dict blob: %w", err)
		}
		blobURL, err := s.blobs.URL(ctx, blobPath)
		if err != nil {
			return 0, fmt.Errorf("failed to generate URL for external dict blob: %w", err)
		}

		urlsJSON, _ = json.Marshal(map[string]string{entity.ExternalDictSentinelKey: blobURL})
		keysJSON, _ = json.Marshal(map[string]string{"KEY_FOR_EXTERNAL_DICTS": key})
	}

	sub := &entity.Submission{
		RequesterID:    req.RequesterID,
		LMSCallbackURL: lmsCallbackURL,
		QueueName:      req.QueueName,
		XQueueHeader:   req.XQueueHeader,
		XQueueBody:     req.XQueueBody,
		URLs:           string(urlsJSON),
		Keys:           string(keysJSON),
	}

	if err := s.repo.Create(ctx, sub); err != nil {
		return 0, fmt.Errorf("failed to persist submission: %w", err)
	}

	s.logger.Info("intake accepted submission", "submission_id", sub.ID, "queue_name", sub.QueueName)

	if q := s.queues[req.QueueName]; q.IsPush() && s.waker != nil {
		if err := s.waker.WakePushQueue(req.QueueName); err != nil {
			s.logger.Warn("failed to wake push queue", "queue_name", req.QueueName, "error", err)
		}
	}

	qlen, err := s.repo.QueueLength(ctx, req.QueueName, timeNow(), s.delta)
	if err != nil {
		return 0, fmt.Errorf("failed to compute queue length: %w", err)
	}
	return qlen, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func fileNames(files []IntakeFile) []string {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Filename
	}
	return names
}

func hashKey(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// timeNow is a seam so tests can stub the clock later without touching
// call sites throughout the package.
var timeNow = time.Now
