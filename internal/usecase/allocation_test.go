package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/storyvoice/internal/domain"
	"github.com/fairyhunter13/storyvoice/internal/usecase"
)

func newAllocService(voices *fakeVoiceRepo, queue *fakeQueue, locks *fakeLocker, tasks *fakeTasks, prov *fakeProvider, store *fakeStore, events *fakeEventRepo) *usecase.AllocationService {
	return usecase.NewAllocationService(slotConfig(), "en", voices, queue, locks, tasks,
		fakeRegistry{prov.name: prov}, store, newRecorder(events), []string{prov.name})
}

func TestHandleAllocate_Success(t *testing.T) {
	t.Parallel()
	v := recordedVoice("v1", "u1")
	voices := newFakeVoiceRepo(v)
	locks := newFakeLocker()
	_, _ = locks.TryAcquire(context.Background(), "voice_alloc_lock:v1", time.Minute)
	prov := &fakeProvider{name: "elevenlabs"}
	store := newFakeStore()
	store.objects[v.RecordingObjectKey] = []byte("wav")
	events := &fakeEventRepo{}
	svc := newAllocService(voices, newFakeQueue(), locks, &fakeTasks{}, prov, store, events)

	err := svc.HandleAllocate(context.Background(), domain.AllocationPayload{VoiceID: "v1", ServiceProvider: "elevenlabs"})
	require.NoError(t, err)

	got, _ := voices.Get(context.Background(), "v1")
	assert.Equal(t, domain.AllocationReady, got.AllocationStatus)
	assert.Equal(t, domain.VoiceReady, got.Status)
	require.NotNil(t, got.RemoteVoiceID)
	assert.Equal(t, "remote-papa", *got.RemoteVoiceID)
	assert.NotNil(t, got.AllocatedAt)
	assert.NotNil(t, got.SlotLockExpiresAt)

	// The inherited arbiter lock is cleared once the upstream call settles.
	assert.False(t, locks.isHeld("voice_alloc_lock:v1"))
	assert.Contains(t, events.types(), domain.EventAllocationStarted)
	assert.Contains(t, events.types(), domain.EventAllocationCompleted)
}

func TestHandleAllocate_VoiceGone(t *testing.T) {
	t.Parallel()
	queue := newFakeQueue()
	require.NoError(t, queue.Enqueue(context.Background(), "v1", domain.AllocationPayload{VoiceID: "v1"}, 0))
	locks := newFakeLocker()
	_, _ = locks.TryAcquire(context.Background(), "voice_alloc_lock:v1", time.Minute)
	svc := newAllocService(newFakeVoiceRepo(), queue, locks, &fakeTasks{}, &fakeProvider{name: "elevenlabs"}, newFakeStore(), &fakeEventRepo{})

	err := svc.HandleAllocate(context.Background(), domain.AllocationPayload{VoiceID: "v1"})
	require.NoError(t, err)

	enq, _ := queue.IsEnqueued(context.Background(), "v1")
	assert.False(t, enq)
	assert.False(t, locks.isHeld("voice_alloc_lock:v1"))
}

func TestHandleAllocate_CapacityGone_Defers(t *testing.T) {
	t.Parallel()
	voices := newFakeVoiceRepo(
		recordedVoice("v1", "u1"),
		readyVoice("v2", "u2", "r-2"),
		readyVoice("v3", "u3", "r-3"),
	)
	queue := newFakeQueue()
	events := &fakeEventRepo{}
	svc := newAllocService(voices, queue, newFakeLocker(), &fakeTasks{}, &fakeProvider{name: "elevenlabs"}, newFakeStore(), events)

	err := svc.HandleAllocate(context.Background(), domain.AllocationPayload{VoiceID: "v1", ServiceProvider: "elevenlabs"})
	require.NoError(t, err)

	enq, _ := queue.IsEnqueued(context.Background(), "v1")
	assert.True(t, enq)
	got, _ := voices.Get(context.Background(), "v1")
	assert.Equal(t, domain.AllocationRecorded, got.AllocationStatus)
	assert.Contains(t, events.types(), domain.EventAllocationQueued)
}

func TestHandleAllocate_SampleMissing_Fails(t *testing.T) {
	t.Parallel()
	voices := newFakeVoiceRepo(recordedVoice("v1", "u1"))
	events := &fakeEventRepo{}
	// Store has no object for the voice's recording key.
	svc := newAllocService(voices, newFakeQueue(), newFakeLocker(), &fakeTasks{}, &fakeProvider{name: "elevenlabs"}, newFakeStore(), events)

	err := svc.HandleAllocate(context.Background(), domain.AllocationPayload{VoiceID: "v1", ServiceProvider: "elevenlabs"})
	require.NoError(t, err)

	got, _ := voices.Get(context.Background(), "v1")
	assert.Equal(t, domain.VoiceError, got.Status)
	assert.Equal(t, domain.AllocationRecorded, got.AllocationStatus)
	assert.NotEmpty(t, got.ErrorMessage)
	assert.Contains(t, events.types(), domain.EventAllocationFailed)
}

func TestHandleAllocate_RateLimited_Defers(t *testing.T) {
	t.Parallel()
	v := recordedVoice("v1", "u1")
	voices := newFakeVoiceRepo(v)
	store := newFakeStore()
	store.objects[v.RecordingObjectKey] = []byte("wav")
	queue := newFakeQueue()
	prov := &fakeProvider{name: "elevenlabs", cloneErr: &domain.RateLimitedError{RetryAfter: 30 * time.Second}}
	svc := newAllocService(voices, queue, newFakeLocker(), &fakeTasks{}, prov, store, &fakeEventRepo{})

	err := svc.HandleAllocate(context.Background(), domain.AllocationPayload{VoiceID: "v1", ServiceProvider: "elevenlabs"})
	require.NoError(t, err)

	// First failure defers rather than giving up.
	enq, _ := queue.IsEnqueued(context.Background(), "v1")
	assert.True(t, enq)
	got, _ := voices.Get(context.Background(), "v1")
	assert.Equal(t, domain.VoiceRecorded, got.Status)
}

func TestHandleAllocate_RetriesExhausted_Fails(t *testing.T) {
	t.Parallel()
	v := recordedVoice("v1", "u1")
	voices := newFakeVoiceRepo(v)
	store := newFakeStore()
	store.objects[v.RecordingObjectKey] = []byte("wav")
	prov := &fakeProvider{name: "elevenlabs", cloneErr: assert.AnError}
	events := &fakeEventRepo{}
	svc := newAllocService(voices, newFakeQueue(), newFakeLocker(), &fakeTasks{}, prov, store, events)

	// Attempts already at the budget: one more failure is terminal.
	err := svc.HandleAllocate(context.Background(), domain.AllocationPayload{
		VoiceID: "v1", ServiceProvider: "elevenlabs", Attempts: slotConfig().AllocMaxRetries,
	})
	require.NoError(t, err)

	got, _ := voices.Get(context.Background(), "v1")
	assert.Equal(t, domain.VoiceError, got.Status)
	assert.Contains(t, events.types(), domain.EventAllocationFailed)
}

func TestHandleDrain_DispatchesWithinCapacity(t *testing.T) {
	t.Parallel()
	voices := newFakeVoiceRepo(readyVoice("v9", "u9", "r-9"))
	queue := newFakeQueue()
	require.NoError(t, queue.Enqueue(context.Background(), "v1",
		domain.AllocationPayload{VoiceID: "v1", ServiceProvider: "elevenlabs"}, 0))
	tasks := &fakeTasks{}
	svc := newAllocService(voices, queue, newFakeLocker(), tasks, &fakeProvider{name: "elevenlabs"}, newFakeStore(), &fakeEventRepo{})

	require.NoError(t, svc.HandleDrain(context.Background()))
	require.Len(t, tasks.allocations, 1)
	assert.Equal(t, "v1", tasks.allocations[0].VoiceID)
}

func TestHandleDrain_RequeuesWhenFull(t *testing.T) {
	t.Parallel()
	voices := newFakeVoiceRepo(readyVoice("v8", "u8", "r-8"), readyVoice("v9", "u9", "r-9"))
	queue := newFakeQueue()
	require.NoError(t, queue.Enqueue(context.Background(), "v1",
		domain.AllocationPayload{VoiceID: "v1", ServiceProvider: "elevenlabs"}, 0))
	tasks := &fakeTasks{}
	svc := newAllocService(voices, queue, newFakeLocker(), tasks, &fakeProvider{name: "elevenlabs"}, newFakeStore(), &fakeEventRepo{})

	require.NoError(t, svc.HandleDrain(context.Background()))
	assert.Empty(t, tasks.allocations)
	enq, _ := queue.IsEnqueued(context.Background(), "v1")
	assert.True(t, enq)
}

func TestHandleReclaim_NoWaiters_NoOp(t *testing.T) {
	t.Parallel()
	prov := &fakeProvider{name: "elevenlabs"}
	voices := newFakeVoiceRepo(readyVoice("v1", "u1", "r-1"))
	svc := newAllocService(voices, newFakeQueue(), newFakeLocker(), &fakeTasks{}, prov, newFakeStore(), &fakeEventRepo{})

	require.NoError(t, svc.HandleReclaim(context.Background()))
	assert.Empty(t, prov.deleted)
}

func TestHandleReclaim_EvictsIdleSlot(t *testing.T) {
	t.Parallel()
	stale := readyVoice("v1", "u1", "r-1")
	old := time.Now().UTC().Add(-2 * time.Hour)
	stale.LastUsedAt = &old
	stale.SlotLockExpiresAt = &old
	voices := newFakeVoiceRepo(stale)
	queue := newFakeQueue()
	require.NoError(t, queue.Enqueue(context.Background(), "waiting",
		domain.AllocationPayload{VoiceID: "waiting", ServiceProvider: "elevenlabs"}, 0))
	prov := &fakeProvider{name: "elevenlabs"}
	tasks := &fakeTasks{}
	events := &fakeEventRepo{}
	svc := newAllocService(voices, queue, newFakeLocker(), tasks, prov, newFakeStore(), events)

	require.NoError(t, svc.HandleReclaim(context.Background()))

	assert.Equal(t, []string{"r-1"}, prov.deleted)
	got, _ := voices.Get(context.Background(), "v1")
	assert.Nil(t, got.RemoteVoiceID)
	assert.Equal(t, domain.AllocationRecorded, got.AllocationStatus)
	assert.Contains(t, events.types(), domain.EventSlotEvicted)
	assert.Equal(t, 1, tasks.drains)
}
