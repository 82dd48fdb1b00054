package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
)

func validHeader(queueName string) string {
	b, _ := json.Marshal(IntakeHeader{
		LMSCallbackURL: "https://lms.example.test/callback/abc",
		LMSKey:         "secret-key",
		QueueName:      queueName,
	})
	return string(b)
}

func newIntakeServiceForTest() (*IntakeService, *fakeRepository, *fakeBlobStore, *fakeWaker) {
	repo := newFakeRepository()
	blobs := newFakeBlobStore()
	waker := &fakeWaker{}
	queues := map[string]entity.QueueConfig{
		"pull-queue": {Name: "pull-queue"},
		"push-queue": {Name: "push-queue", GraderURL: "http://grader.test/grade"},
	}
	svc := NewIntakeService(repo, blobs, waker, queues, time.Minute, testLogger{})
	return svc, repo, blobs, waker
}

func TestIntakeService_Submit_RejectsUnknownQueue(t *testing.T) {
	svc, _, _, _ := newIntakeServiceForTest()

	_, err := svc.Submit(context.Background(), IntakeRequest{
		QueueName:    "no-such-queue",
		XQueueHeader: validHeader("no-such-queue"),
		XQueueBody:   "{}",
	})

	var unknownQueue *ErrUnknownQueue
	require.ErrorAs(t, err, &unknownQueue)
	assert.Equal(t, "no-such-queue", unknownQueue.QueueName)
}

func TestIntakeService_Submit_RejectsMalformedHeader(t *testing.T) {
	svc, _, _, _ := newIntakeServiceForTest()

	_, err := svc.Submit(context.Background(), IntakeRequest{
		QueueName:    "pull-queue",
		XQueueHeader: "not json",
		XQueueBody:   "{}",
	})

	var invalid *ErrInvalidRequest
	require.ErrorAs(t, err, &invalid)
}

func TestIntakeService_Submit_RejectsHeaderQueueMismatch(t *testing.T) {
	svc, _, _, _ := newIntakeServiceForTest()

	_, err := svc.Submit(context.Background(), IntakeRequest{
		QueueName:    "pull-queue",
		XQueueHeader: validHeader("push-queue"),
		XQueueBody:   "{}",
	})

	var invalid *ErrInvalidRequest
	require.ErrorAs(t, err, &invalid)
}

func TestIntakeService_Submit_PersistsAndReturnsQueueLength(t *testing.T) {
	svc, repo, _, waker := newIntakeServiceForTest()

	qlen, err := svc.Submit(context.Background(), IntakeRequest{
		QueueName:    "pull-queue",
		XQueueHeader: validHeader("pull-queue"),
		XQueueBody:   "student answer",
		RequesterID:  "1.2.3.4",
	})

	require.NoError(t, err)
	assert.Equal(t, 1, qlen)
	assert.Len(t, repo.byID, 1)
	assert.Empty(t, waker.woken, "pull-only queues must never wake the push worker")
}

func TestIntakeService_Submit_WakesPushQueue(t *testing.T) {
	svc, _, _, waker := newIntakeServiceForTest()

	_, err := svc.Submit(context.Background(), IntakeRequest{
		QueueName:    "push-queue",
		XQueueHeader: validHeader("push-queue"),
		XQueueBody:   "student answer",
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"push-queue"}, waker.woken)
}

func TestIntakeService_Submit_WakeFailureDoesNotFailSubmit(t *testing.T) {
	svc, _, _, waker := newIntakeServiceForTest()
	waker.failOn = "push-queue"

	_, err := svc.Submit(context.Background(), IntakeRequest{
		QueueName:    "push-queue",
		XQueueHeader: validHeader("push-queue"),
		XQueueBody:   "student answer",
	})

	assert.NoError(t, err, "a dropped wake signal must never fail the submission")
}

func TestIntakeService_Submit_InvalidatesPriorSubmissionWithSameCallbackURL(t *testing.T) {
	svc, repo, _, _ := newIntakeServiceForTest()
	ctx := context.Background()

	_, err := svc.Submit(ctx, IntakeRequest{
		QueueName:    "pull-queue",
		XQueueHeader: validHeader("pull-queue"),
		XQueueBody:   "first attempt",
	})
	require.NoError(t, err)

	_, err = svc.Submit(ctx, IntakeRequest{
		QueueName:    "pull-queue",
		XQueueHeader: validHeader("pull-queue"),
		XQueueBody:   "second attempt",
	})
	require.NoError(t, err)

	retired := 0
	for _, sub := range repo.byID {
		if sub.Retired {
			retired++
		}
	}
	assert.Equal(t, 1, retired, "the first submission must be retired once a resubmission arrives")
}

func TestIntakeService_Submit_StoresUploadedFiles(t *testing.T) {
	svc, repo, blobs, _ := newIntakeServiceForTest()

	_, err := svc.Submit(context.Background(), IntakeRequest{
		QueueName:    "pull-queue",
		XQueueHeader: validHeader("pull-queue"),
		XQueueBody:   "{}",
		Files: []IntakeFile{
			{Filename: "answer.py", Content: []byte("print('hi')")},
		},
	})
	require.NoError(t, err)

	var sub *entity.Submission
	for _, s := range repo.byID {
		sub = s
	}
	require.NotNil(t, sub)

	var urls map[string]string
	require.NoError(t, json.Unmarshal([]byte(sub.URLs), &urls))
	require.Contains(t, urls, "answer.py")
	assert.NotEmpty(t, blobs.blobs, "uploaded file content should be persisted to the blob store")
}
