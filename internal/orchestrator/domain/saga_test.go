package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	p := Policy{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPlaceOrderDefinition(t *testing.T) {
	def := PlaceOrder()
	assert.Equal(t, 3, def.PivotIndex())
	assert.Equal(t, StepCapturePayment, def.Steps[def.PivotIndex()].Name)
	for i, s := range def.Steps {
		if i >= def.PivotIndex() {
			assert.Nil(t, s.Compensation, s.Name)
		} else {
			assert.NotNil(t, s.Compensation, s.Name)
		}
	}
	assert.False(t, def.Steps[2].Forward.Remote())
}

func TestNewSaga(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	s := New("s1", PlaceOrder(), "o1", Data{}, now)
	assert.Equal(t, SagaRunning, s.State)
	assert.Equal(t, int64(1), s.Version)
	assert.Len(t, s.Steps, 5)
	assert.Equal(t, time.UTC, s.CreatedAt.Location())
	assert.Equal(t, "s1:capture_payment:2", CommandID("s1", "capture_payment", 2))

	c := s.Clone()
	c.Steps[0].State = StepSucceeded
	assert.Equal(t, StepPending, s.Steps[0].State)
	assert.True(t, SagaCompensated.Terminal())
	assert.False(t, SagaCompensating.Terminal())
}
