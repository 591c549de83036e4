package poller

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgellow/fieldcapture-auth/internal/bus"
	"github.com/dgellow/fieldcapture-auth/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedTokens struct {
	mu  sync.Mutex
	tok string
}

func (f *fixedTokens) GetValidToken(context.Context) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tok
}

type fakeUnread struct {
	calls atomic.Int32
	count int
	err   error
}

func (f *fakeUnread) UnreadCount(context.Context) (int, error) {
	f.calls.Add(1)
	return f.count, f.err
}

type recordingBadge struct {
	mu    sync.Mutex
	texts []string
}

func (b *recordingBadge) SetBadge(_ context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.texts = append(b.texts, text)
	return nil
}

func (b *recordingBadge) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.texts)
}

func (b *recordingBadge) last() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.texts) == 0 {
		return "<unset>"
	}
	return b.texts[len(b.texts)-1]
}

// manualAlarm fires only when the test says so.
type manualAlarm struct {
	c       chan time.Time
	period  time.Duration
	stopped atomic.Bool
}

func newManualAlarm() *manualAlarm {
	return &manualAlarm{c: make(chan time.Time, 1)}
}

func (a *manualAlarm) Arm(_ context.Context, period time.Duration) error {
	a.period = period
	return nil
}

func (a *manualAlarm) C() <-chan time.Time { return a.c }
func (a *manualAlarm) Stop()               { a.stopped.Store(true) }
func (a *manualAlarm) fire()               { a.c <- time.Now() }

func TestPollOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("updates badge and cache", func(t *testing.T) {
		store := storage.NewStore(storage.NewMemoryKV())
		badge := &recordingBadge{}
		p := New(&fixedTokens{tok: "tok"}, &fakeUnread{count: 5}, store, badge, newManualAlarm())

		p.PollOnce(ctx)
		assert.Equal(t, "5", badge.last())
		n, ok := store.LoadUnreadCount(ctx)
		assert.True(t, ok)
		assert.Equal(t, 5, n)
	})

	t.Run("no token clears without calling backend", func(t *testing.T) {
		store := storage.NewStore(storage.NewMemoryKV())
		require.NoError(t, store.SaveUnreadCount(ctx, 9))
		badge := &recordingBadge{}
		unread := &fakeUnread{count: 5}
		p := New(&fixedTokens{}, unread, store, badge, newManualAlarm())

		p.PollOnce(ctx)
		assert.Equal(t, "", badge.last())
		assert.Equal(t, int32(0), unread.calls.Load())
		_, ok := store.LoadUnreadCount(ctx)
		assert.False(t, ok)
	})

	t.Run("failed call clears badge", func(t *testing.T) {
		store := storage.NewStore(storage.NewMemoryKV())
		require.NoError(t, store.SaveUnreadCount(ctx, 9))
		badge := &recordingBadge{}
		p := New(&fixedTokens{tok: "tok"}, &fakeUnread{err: errors.New("401")}, store, badge, newManualAlarm())

		p.PollOnce(ctx)
		assert.Equal(t, "", badge.last())
		_, ok := store.LoadUnreadCount(ctx)
		assert.False(t, ok)
	})
}

func TestPoller_Run(t *testing.T) {
	store := storage.NewStore(storage.NewMemoryKV())
	badge := &recordingBadge{}
	unread := &fakeUnread{count: 2}
	alarm := newManualAlarm()
	b := bus.New()
	p := New(&fixedTokens{tok: "tok"}, unread, store, badge, alarm, WithBus(b), WithPeriod(30*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Immediate run on start.
	require.Eventually(t, func() bool { return unread.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 30*time.Second, alarm.period)

	alarm.fire()
	require.Eventually(t, func() bool { return unread.calls.Load() == 2 }, time.Second, time.Millisecond)

	b.Publish(context.Background(), bus.TopicTokenChanged, bus.TokenChanged{})
	require.Eventually(t, func() bool { return unread.calls.Load() == 3 }, time.Second, time.Millisecond)

	b.Publish(context.Background(), bus.TopicRefreshSignal, nil)
	require.Eventually(t, func() bool { return unread.calls.Load() == 4 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, alarm.stopped.Load())
	assert.Equal(t, "2", badge.last())
}

func TestPoller_TokenChangeFromStorage(t *testing.T) {
	kv := storage.NewMemoryKV()
	store := storage.NewStore(kv)
	b := bus.New()
	defer bus.BridgeStorage(b, kv)()

	tokens := &fixedTokens{}
	unread := &fakeUnread{count: 1}
	badge := &recordingBadge{}
	p := New(tokens, unread, store, badge, newManualAlarm(), WithBus(b))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return badge.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "", badge.last())

	// Signing in elsewhere writes the token; the poller reacts.
	tokens.mu.Lock()
	tokens.tok = "tok"
	tokens.mu.Unlock()
	require.NoError(t, kv.Set(ctx, map[string]string{storage.KeyAccessToken: "a.b.c"}))

	require.Eventually(t, func() bool { return badge.last() == "1" }, time.Second, time.Millisecond)
}

func TestDurableAlarm_FiresAndPersists(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	a := NewDurableAlarm(kv, "test")
	defer a.Stop()

	require.NoError(t, a.Arm(ctx, 20*time.Millisecond))
	values, err := kv.Get(ctx, "alarm.test.next")
	require.NoError(t, err)
	assert.NotEmpty(t, values["alarm.test.next"])

	for range 2 {
		select {
		case <-a.C():
		case <-time.After(time.Second):
			t.Fatal("alarm did not fire")
		}
	}
}

func TestDurableAlarm_ResumesStoredSchedule(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()

	t.Run("overdue schedule fires at once", func(t *testing.T) {
		overdue := time.Now().Add(-time.Hour).UnixMilli()
		require.NoError(t, kv.Set(ctx, map[string]string{"alarm.resume.next": strconv.FormatInt(overdue, 10)}))

		a := NewDurableAlarm(kv, "resume")
		defer a.Stop()
		require.NoError(t, a.Arm(ctx, time.Hour))

		select {
		case <-a.C():
		case <-time.After(time.Second):
			t.Fatal("overdue alarm did not fire")
		}
	})

	t.Run("earlier stored time wins over a new period", func(t *testing.T) {
		soon := time.Now().Add(30 * time.Millisecond)
		require.NoError(t, kv.Set(ctx, map[string]string{"alarm.soon.next": strconv.FormatInt(soon.UnixMilli(), 10)}))

		a := NewDurableAlarm(kv, "soon")
		defer a.Stop()
		require.NoError(t, a.Arm(ctx, time.Hour))

		select {
		case <-a.C():
		case <-time.After(time.Second):
			t.Fatal("stored schedule not resumed")
		}
	})
}

func TestDurableAlarm_StopKeepsScheduleClearDropsIt(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV()
	a := NewDurableAlarm(kv, "keep")

	require.NoError(t, a.Arm(ctx, time.Hour))
	a.Stop()
	values, err := kv.Get(ctx, "alarm.keep.next")
	require.NoError(t, err)
	assert.NotEmpty(t, values)

	require.NoError(t, a.Clear(ctx))
	values, err = kv.Get(ctx, "alarm.keep.next")
	require.NoError(t, err)
	assert.Empty(t, values)

	assert.Error(t, a.Arm(ctx, 0))
}

func TestBadgeText(t *testing.T) {
	assert.Equal(t, "", BadgeText(0))
	assert.Equal(t, "", BadgeText(-1))
	assert.Equal(t, "7", BadgeText(7))
	assert.Equal(t, "99+", BadgeText(150))
}

func TestWriterBadge(t *testing.T) {
	var buf bytes.Buffer
	b := &WriterBadge{W: &buf}
	ctx := context.Background()

	require.NoError(t, b.SetBadge(ctx, "3"))
	require.NoError(t, b.SetBadge(ctx, "3"))
	require.NoError(t, b.SetBadge(ctx, ""))

	assert.Equal(t, "unread: 3\nunread: -\n", buf.String())
}
