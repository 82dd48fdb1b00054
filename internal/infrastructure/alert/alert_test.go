package alert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sogos/xqueue-dispatch/internal/domain/entity"
)

func TestClient_SendForceRetireAlert_NoopWithoutAdminEmail(t *testing.T) {
	c := NewClient("smtp.test", "25", "noreply@xqueue.test", "", "", "")

	err := c.SendForceRetireAlert(context.Background(), "retire_failed_submissions", []*entity.Submission{{ID: 1}})

	require.NoError(t, err, "an unconfigured admin address must never attempt to dial SMTP")
}

func TestClient_SendForceRetireAlert_NoopWithoutSubmissions(t *testing.T) {
	c := NewClient("smtp.test", "25", "noreply@xqueue.test", "", "", "admin@xqueue.test")

	err := c.SendForceRetireAlert(context.Background(), "retire_failed_submissions", nil)

	assert.NoError(t, err)
}

func TestClient_SendForceRetireAlert_AttemptsDeliveryWhenConfigured(t *testing.T) {
	c := NewClient("127.0.0.1", "1", "noreply@xqueue.test", "", "", "admin@xqueue.test")

	err := c.SendForceRetireAlert(context.Background(), "retire_failed_submissions", []*entity.Submission{
		{ID: 1, QueueName: "essay", NumFailures: 3, LMSCallbackURL: "https://lms.test/cb"},
	})

	assert.Error(t, err, "dialing a closed port must surface as an error rather than being silently swallowed")
}
