package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/slotwise/internal/shared/apperrors"
	"github.com/felixgeelhaar/slotwise/internal/shared/infrastructure/database/dbtest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newService(t *testing.T) (*Service, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewService(NewSQLRepository(dbtest.Open(t)), nil).WithClock(c.now)
	return svc, c
}

func TestRecord_SanitizesBeforePersisting(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cause := fmt.Errorf("insert booking for jane.doe@example.com: %w", errors.New("call +1 (555) 123-4567 failed"))
	e, err := svc.Record(ctx, Failure{
		Type:      TypeBooking,
		Operation: "booking.create",
		Err:       cause,
		Retryable: true,
		Context: map[string]any{
			"booking_id":     "b-1",
			"customerEmail":  "jane.doe@example.com",
			"customer_phone": "+15551234567",
			"postal_code":    "10115",
			"request": map[string]any{
				"slot_ref":  "slot-9",
				"password":  "hunter2",
				"free_text": "reach me at jane@example.org",
			},
		},
	})
	require.NoError(t, err)

	got, err := svc.Get(ctx, e.ID)
	require.NoError(t, err)

	assert.Equal(t, TypeBooking, got.Type)
	assert.True(t, got.Retryable)
	assert.NotContains(t, got.Message, "jane.doe@example.com")
	assert.Contains(t, got.Message, "[email]")
	assert.NotContains(t, got.Trace, "555")
	assert.Contains(t, got.Trace, "[phone]")

	assert.Equal(t, "b-1", got.Context["booking_id"])
	assert.NotContains(t, got.Context, "customerEmail")
	assert.NotContains(t, got.Context, "customer_phone")
	assert.NotContains(t, got.Context, "postal_code")

	nested, ok := got.Context["request"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "slot-9", nested["slot_ref"])
	assert.NotContains(t, nested, "password")
	assert.Equal(t, "reach me at [email]", nested["free_text"])
}

func TestRecord_RejectsUnknownType(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Record(context.Background(), Failure{Type: "OOPS", Operation: "x"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.Record(context.Background(), Failure{Type: TypeQueue})
	assert.True(t, apperrors.IsValidation(err))
}

func TestRecord_TruncatesLongMessages(t *testing.T) {
	svc, _ := newService(t)

	e, err := svc.Record(context.Background(), Failure{
		Type:      TypeExternalService,
		Operation: "dispatch.create_job",
		Err:       errors.New(strings.Repeat("x", 5000)),
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(e.Message)), maxMessageLen+1)
}

func TestList_FiltersAndOrders(t *testing.T) {
	svc, c := newService(t)
	ctx := context.Background()

	first, err := svc.Record(ctx, Failure{Type: TypeJobFailed, Operation: "slot.confirm", Err: errors.New("a")})
	require.NoError(t, err)
	c.advance(time.Second)
	second, err := svc.Record(ctx, Failure{Type: TypeQueue, Operation: "enqueue", Err: errors.New("b")})
	require.NoError(t, err)
	c.advance(time.Second)
	third, err := svc.Record(ctx, Failure{Type: TypeJobFailed, Operation: "dispatch.create_job", Err: errors.New("c")})
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, third.ID, "ops", "fixed upstream")
	require.NoError(t, err)

	all, err := svc.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID, "newest first")

	unresolved, err := svc.List(ctx, Filter{UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, unresolved, 2)
	assert.Equal(t, second.ID, unresolved[0].ID)
	assert.Equal(t, first.ID, unresolved[1].ID)

	jobs, err := svc.List(ctx, Filter{Type: TypeJobFailed, UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first.ID, jobs[0].ID)

	paged, err := svc.List(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, second.ID, paged[0].ID)
}

func TestResolve_IsIdempotent(t *testing.T) {
	svc, c := newService(t)
	ctx := context.Background()

	e, err := svc.Record(ctx, Failure{Type: TypeJobFailed, Operation: "notification.send", Err: errors.New("x")})
	require.NoError(t, err)

	resolved, err := svc.Resolve(ctx, e.ID, "alice", "resent manually")
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	firstResolvedAt := *resolved.ResolvedAt

	c.advance(time.Hour)
	again, err := svc.Resolve(ctx, e.ID, "bob", "other notes")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.ResolvedBy)
	assert.Equal(t, "resent manually", again.ResolutionNotes)
	assert.True(t, again.ResolvedAt.Equal(firstResolvedAt))
}

func TestResolve_UnknownEntry(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Resolve(context.Background(), uuid.New(), "ops", "")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestIncrementRetry(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	e, err := svc.Record(ctx, Failure{Type: TypeJobFailed, Operation: "slot.confirm", Err: errors.New("x")})
	require.NoError(t, err)

	_, err = svc.IncrementRetry(ctx, e.ID)
	require.NoError(t, err)
	got, err := svc.IncrementRetry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)

	_, err = svc.IncrementRetry(ctx, uuid.New())
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSweep_OnlyRemovesOldResolvedEntries(t *testing.T) {
	svc, c := newService(t)
	ctx := context.Background()

	oldResolved, err := svc.Record(ctx, Failure{Type: TypeJobFailed, Operation: "a", Err: errors.New("x")})
	require.NoError(t, err)
	oldUnresolved, err := svc.Record(ctx, Failure{Type: TypeJobFailed, Operation: "b", Err: errors.New("x")})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, oldResolved.ID, "ops", "")
	require.NoError(t, err)

	c.advance(100 * 24 * time.Hour)
	fresh, err := svc.Record(ctx, Failure{Type: TypeJobFailed, Operation: "c", Err: errors.New("x")})
	require.NoError(t, err)
	_, err = svc.Resolve(ctx, fresh.ID, "ops", "")
	require.NoError(t, err)

	n, err := svc.Sweep(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.Get(ctx, oldResolved.ID)
	assert.True(t, apperrors.IsNotFound(err))
	_, err = svc.Get(ctx, oldUnresolved.ID)
	assert.NoError(t, err)
	_, err = svc.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestRedactText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"mail ops@example.com now", "mail [email] now"},
		{"phone +44 20 7946 0958 busy", "phone [phone] busy"},
		{"slot 2026-03-01 09:00 taken", "slot 2026-03-01 09:00 taken"},
		{"booking 12345 not found", "booking 12345 not found"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedactText(tt.in), tt.in)
	}
}
