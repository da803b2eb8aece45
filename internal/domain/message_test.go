package domain

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewMessage_ImmediatelyEligible(t *testing.T) {
	m := NewMessage("urn:uuid:1", []byte(`{}`), now)

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, Queued, m.Status)
	assert.Equal(t, 0, m.Attempts)
	assert.Equal(t, now, m.LeaseDeadline)
	assert.True(t, m.LastStartTime.IsZero())

	// deadline == now is not yet eligible; one tick later it is
	assert.False(t, m.ReadyToProcess(now, 3))
	assert.True(t, m.ReadyToProcess(now.Add(time.Nanosecond), 3))
}

func TestReadyToProcess(t *testing.T) {
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		name string
		msg  Message
		max  int
		want bool
	}{
		{"queued due", Message{Status: Queued, Attempts: 1, LeaseDeadline: past}, 3, true},
		{"queued in backoff", Message{Status: Queued, Attempts: 1, LeaseDeadline: future}, 3, false},
		{"queued budget exhausted", Message{Status: Queued, Attempts: 3, LeaseDeadline: past}, 3, false},
		{"processing", Message{Status: Processing, Attempts: 1, LeaseDeadline: past}, 3, false},
		{"terminal", Message{Status: Processed, Attempts: 1, LeaseDeadline: past}, 3, false},
		{"max zero", Message{Status: Queued, Attempts: 0, LeaseDeadline: past}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.msg.ReadyToProcess(now, tc.max))
		})
	}
}

func TestLeaseExpired(t *testing.T) {
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	cases := []struct {
		name string
		msg  Message
		max  int
		want bool
	}{
		{"expired", Message{Status: Processing, Attempts: 1, LeaseDeadline: past}, 3, true},
		{"expired at max", Message{Status: Processing, Attempts: 3, LeaseDeadline: past}, 3, true},
		{"expired over max", Message{Status: Processing, Attempts: 4, LeaseDeadline: past}, 3, false},
		{"live lease", Message{Status: Processing, Attempts: 1, LeaseDeadline: future}, 3, false},
		{"queued", Message{Status: Queued, Attempts: 1, LeaseDeadline: past}, 3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.msg.LeaseExpired(now, tc.max))
		})
	}
}

func TestByPriority_AttemptsDescThenIdleLongest(t *testing.T) {
	t1 := now.Add(-time.Minute)
	t2 := now.Add(-2 * time.Minute)
	t3 := now.Add(-3 * time.Minute)

	r1 := Message{ID: "r1", Attempts: 3, LastStartTime: t1}
	r2 := Message{ID: "r2", Attempts: 3, LastStartTime: t2}
	r3 := Message{ID: "r3", Attempts: 1, LastStartTime: t3}

	got := []Message{r3, r1, r2}
	slices.SortFunc(got, ByPriority)

	ids := make([]string, 0, len(got))
	for _, m := range got {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"r2", "r1", "r3"}, ids)
}

func TestByPriority_FreshRecordsFIFO(t *testing.T) {
	a := Message{ID: "b", CreatedAt: now.Add(-time.Second)}
	b := Message{ID: "a", CreatedAt: now}

	assert.Equal(t, -1, ByPriority(a, b))
	assert.Equal(t, 1, ByPriority(b, a))
	assert.Equal(t, 0, ByPriority(a, a))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("unmapped")
	require.NoError(t, err)
	assert.Equal(t, Unmapped, st)
	assert.True(t, st.Terminal())

	_, err = ParseStatus("leased")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	assert.False(t, Queued.Terminal())
	assert.False(t, Processing.Terminal())
}
