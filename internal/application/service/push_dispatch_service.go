package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
	"github.com/sogos/xqueue-dispatch/internal/domain/repository"
	domainservice "github.com/sogos/xqueue-dispatch/internal/domain/service"
	"github.com/sogos/xqueue-dispatch/internal/domain/valueobject"
	"github.com/sogos/xqueue-dispatch/internal/infrastructure/lmsclient"
)

// PushDispatchService implements the push worker pool's per-submission
// delivery step (§4.4): select, dispatch to the grader, record the outcome.
// One shot per submission regardless of grader outcome — only the failure
// notification differs.
type PushDispatchService struct {
	repo           repository.SubmissionRepository
	grader         domainservice.GraderClient
	lms            domainservice.LMSClient
	delta          time.Duration
	gradingTimeout time.Duration
	logger         domainservice.Logger
}

// NewPushDispatchService creates a new push dispatch service.
func NewPushDispatchService(repo repository.SubmissionRepository, grader domainservice.GraderClient, lms domainservice.LMSClient, delta, gradingTimeout time.Duration, logger domainservice.Logger) *PushDispatchService {
	return &PushDispatchService{repo: repo, grader: grader, lms: lms, delta: delta, gradingTimeout: gradingTimeout, logger: logger}
}

// DispatchNext claims and delivers a single pushable submission for queue
// configured with the given grader URL. Returns false if there was nothing
// to dispatch.
func (s *PushDispatchService) DispatchNext(ctx context.Context, queue, graderURL string) (bool, error) {
	now := timeNow()
	sub, err := s.repo.NextPushable(ctx, queue, now, s.delta, graderURL)
	if err != nil {
		return false, err
	}
	if sub == nil {
		return false, nil
	}

	s.deliver(ctx, sub, graderURL)
	return true, nil
}

// deliver POSTs sub to graderURL, records the outcome, and retires the
// submission unconditionally (push is one-shot).
func (s *PushDispatchService) deliver(ctx context.Context, sub *entity.Submission, graderURL string) {
	log := s.logger.With("submission_id", sub.ID, "queue_name", sub.QueueName, "grader_url", graderURL)

	files := decodeURLs(sub.URLs)
	start := timeNow()
	ok, reply, err := s.grader.Grade(ctx, graderURL, domainservice.GraderPayload{
		XQueueBody:  sub.XQueueBody,
		XQueueFiles: files,
	}, s.gradingTimeout)
	gradingTime := timeNow().Sub(start)
	if gradingTime > s.gradingTimeout {
		log.Error("grading time exceeded configured timeout", "grading_time", gradingTime)
	}
	if err != nil {
		log.Error("grader call errored", "error", err)
		ok = false
	}

	now := timeNow()
	sub.ReturnTime = &now

	if ok {
		sub.GraderReply = reply
		sub.LMSAck = s.lms.PostVerdict(ctx, sub.XQueueHeader, reply)
	} else {
		log.Error("push delivery failed", "reply", reply)
		sub.NumFailures++
		sub.LMSAck = s.lms.PostVerdict(ctx, sub.XQueueHeader, lmsclient.FailurePayload())
	}

	// Push path: one shot regardless of grader outcome. Retry policy for
	// push is outside this core.
	sub.Retired = true

	log.Debug("push delivery complete", "status", valueobject.DeriveStatus(sub, now, s.delta))

	if err := s.repo.Update(ctx, sub); err != nil {
		log.Error("failed to save submission after push delivery", "error", err)
	}
}

func decodeURLs(raw string) map[string]string {
	var m map[string]string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
