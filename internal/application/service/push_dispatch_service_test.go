package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPushDispatchServiceForTest(grader *fakeGraderClient, acks ...bool) (*PushDispatchService, *fakeRepository) {
	repo := newFakeRepository()
	lms := &fakeLMSClient{acks: acks}
	svc := NewPushDispatchService(repo, grader, lms, time.Minute, 5*time.Second, testLogger{})
	return svc, repo
}

func TestPushDispatchService_DispatchNext_NothingToDispatch(t *testing.T) {
	svc, _ := newPushDispatchServiceForTest(&fakeGraderClient{ok: true})
	dispatched, err := svc.DispatchNext(context.Background(), "push-queue", "http://grader.test")
	require.NoError(t, err)
	assert.False(t, dispatched)
}

func TestPushDispatchService_DispatchNext_SuccessRetiresWithLMSAck(t *testing.T) {
	svc, repo := newPushDispatchServiceForTest(&fakeGraderClient{ok: true, reply: `{"score":1}`}, true)
	sub := seedSubmission(repo, "push-queue", "{}")

	dispatched, err := svc.DispatchNext(context.Background(), "push-queue", "http://grader.test")
	require.NoError(t, err)
	assert.True(t, dispatched)

	got, err := repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Retired, "push is one-shot: it always retires regardless of outcome")
	assert.True(t, got.LMSAck)
	assert.Equal(t, `{"score":1}`, got.GraderReply)
}

func TestPushDispatchService_DispatchNext_GraderFailureStillRetiresAndNotifiesFailure(t *testing.T) {
	svc, repo := newPushDispatchServiceForTest(&fakeGraderClient{ok: false, reply: "grader exploded"}, true)
	sub := seedSubmission(repo, "push-queue", "{}")

	dispatched, err := svc.DispatchNext(context.Background(), "push-queue", "http://grader.test")
	require.NoError(t, err)
	assert.True(t, dispatched)

	got, err := repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Retired, "push delivery failure still retires: no push retries")
	assert.Equal(t, 1, got.NumFailures)
}

func TestPushDispatchService_DispatchNext_GraderErrorTreatedAsFailure(t *testing.T) {
	svc, repo := newPushDispatchServiceForTest(&fakeGraderClient{ok: true, err: errors.New("connection reset")}, true)
	sub := seedSubmission(repo, "push-queue", "{}")

	dispatched, err := svc.DispatchNext(context.Background(), "push-queue", "http://grader.test")
	require.NoError(t, err)
	assert.True(t, dispatched)

	got, err := repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.NumFailures, "a transport error must count as a failed delivery, not a success")
}
