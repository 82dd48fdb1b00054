package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
	"github.com/sogos/xqueue-dispatch/internal/domain/repository"
	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
	"github.com/sogos/xqueue-dispatch/internal/domain/valueobject"
)

// ErrQueueEmpty is returned by GetSubmission when no submission is
// currently eligible for pull.
var ErrQueueEmpty = errors.New("queue is empty")

// ErrSubmissionNotFound is returned by PutResult when submission_id does
// not refer to an existing row.
var ErrSubmissionNotFound = errors.New("submission does not exist")

// ErrBadPullKey is returned by PutResult when submission_key does not
// match the submission's pullkey.
var ErrBadPullKey = errors.New("incorrect key for submission")

const externalDictFetchTimeout = 2 * time.Second

// pullDispatchHeader is the header handed to the external poller.
type pullDispatchHeader struct {
	SubmissionID int64  `json:"submission_id"`
	SubmissionKey string `json:"submission_key"`
}

// PulledSubmission is what get_submission returns to the poller.
type PulledSubmission struct {
	XQueueHeader pullDispatchHeader `json:"xqueue_header"`
	XQueueBody   string             `json:"xqueue_body"`
	XQueueFiles  map[string]string  `json:"xqueue_files"`
}

// externalDictBlob is the shape a sentinel URL_FOR_EXTERNAL_DICTS blob
// resolves to.
type externalDictBlob struct {
	Files map[string]string `json:"files"`
	Keys  map[string]string `json:"keys"`
}

// PullService implements the pull interface (§4.3): get_queuelen,
// get_submission, put_result.
type PullService struct {
	repo   repository.SubmissionRepository
	blobs  domainservice.BlobStore
	lms    domainservice.LMSClient
	queues map[string]entity.QueueConfig
	delta  time.Duration
	maxFailures int
	logger domainservice.Logger
}

// NewPullService creates a new pull interface implementation.
func NewPullService(repo repository.SubmissionRepository, blobs domainservice.BlobStore, lms domainservice.LMSClient, queues map[string]entity.QueueConfig, delta time.Duration, maxFailures int, logger domainservice.Logger) *PullService {
	return &PullService{repo: repo, blobs: blobs, lms: lms, queues: queues, delta: delta, maxFailures: maxFailures, logger: logger}
}

// GetQueueLength returns the current length of queue.
func (s *PullService) GetQueueLength(ctx context.Context, queue string) (int, error) {
	if _, ok := s.queues[queue]; !ok {
		return 0, &ErrUnknownQueue{QueueName: queue}
	}
	return s.repo.QueueLength(ctx, queue, timeNow(), s.delta)
}

// GetSubmission atomically claims the oldest eligible submission in queue
// for callerIP and returns its dispatch payload.
func (s *PullService) GetSubmission(ctx context.Context, queue, callerIP string) (*PulledSubmission, error) {
	if _, ok := s.queues[queue]; !ok {
		return nil, &ErrUnknownQueue{QueueName: queue}
	}

	now := timeNow()

	sub, err := s.repo.NextPullable(ctx, queue, now, s.delta, now.String(), callerIP)
	if err != nil {
		return nil, fmt.Errorf("failed to claim submission: %w", err)
	}
	if sub == nil {
		return nil, ErrQueueEmpty
	}

	files, err := s.resolveFiles(ctx, sub)
	if err != nil {
		// the row remains pullable after Δ; no state is rolled back here
		// since the claim itself already succeeded and is not undone.
		return nil, err
	}

	return &PulledSubmission{
		XQueueHeader: pullDispatchHeader{SubmissionID: sub.ID, SubmissionKey: sub.PullKey},
		XQueueBody:   sub.XQueueBody,
		XQueueFiles:  files,
	}, nil
}

// resolveFiles materializes sub.URLs, fetching and flattening the external
// dict blob when the sentinel is present.
func (s *PullService) resolveFiles(ctx context.Context, sub *entity.Submission) (map[string]string, error) {
	var asSentinel map[string]string
	if err := json.Unmarshal([]byte(sub.URLs), &asSentinel); err == nil {
		if blobURL, ok := asSentinel[entity.ExternalDictSentinelKey]; ok {
			fetchCtx, cancel := context.WithTimeout(ctx, externalDictFetchTimeout)
			defer cancel()

			raw, err := s.blobs.Get(fetchCtx, blobPathFromURL(blobURL))
			if err != nil {
				s.logger.Error("could not fetch external dict blob", "submission_id", sub.ID, "error", err)
				return nil, fmt.Errorf("error fetching submission files: %w", err)
			}
			var blob externalDictBlob
			if err := json.Unmarshal(raw, &blob); err != nil {
				return nil, fmt.Errorf("malformed external dict blob: %w", err)
			}
			return blob.Files, nil
		}
	}

	var files map[string]string
	if err := json.Unmarshal([]byte(sub.URLs), &files); err != nil {
		return nil, fmt.Errorf("malformed urls mapping: %w", err)
	}
	return files, nil
}

// blobPathFromURL is a placeholder seam: in this deployment the blob store
// URL already doubles as something BlobStore.Get can resolve directly
// (presigned S3 GET / local static path), so the path is the URL itself.
func blobPathFromURL(url string) string { return url }

// PutResultInput is the parsed body of a put_result call.
type PutResultInput struct {
	SubmissionID  int64
	SubmissionKey string
	GraderReply   string
}

// PutResult validates the reply, delivers the verdict to the LMS, and
// updates the submission's terminal state.
func (s *PullService) PutResult(ctx context.Context, in PutResultInput) error {
	sub, err := s.repo.Get(ctx, in.SubmissionID)
	if err != nil {
		return fmt.Errorf("failed to look up submission: %w", err)
	}
	if sub == nil {
		return ErrSubmissionNotFound
	}
	if sub.PullKey == "" || in.SubmissionKey != sub.PullKey {
		return ErrBadPullKey
	}

	policy := valueobject.FailurePolicy{MaxFailures: s.maxFailures}

	sub.LMSAck = s.lms.PostVerdict(ctx, sub.XQueueHeader, in.GraderReply)
	if !sub.LMSAck {
		sub.NumFailures++
		if policy.ExceedsLimit(sub.NumFailures) {
			sub.Retired = true
		}
	} else {
		sub.Retired = true
	}

	now := timeNow()
	sub.ReturnTime = &now
	sub.GraderReply = in.GraderReply

	s.logger.With("submission_id", sub.ID).Debug("put_result processed",
		"status", valueobject.DeriveStatus(sub, now, s.delta))

	if err := s.repo.Update(ctx, sub); err != nil {
		return fmt.Errorf("failed to save submission: %w", err)
	}
	return nil
}
