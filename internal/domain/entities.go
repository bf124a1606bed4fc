// Package domain holds the core entities and ports of the StoryVoice
// slot allocator and credit ledger.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrVoiceSampleMissing  = errors.New("voice sample missing")
	ErrSlotManager         = errors.New("voice slot manager error")
	ErrUpstreamRateLimit   = errors.New("upstream rate limit")
	ErrUpstreamFailed      = errors.New("upstream call failed")
	ErrStorageFailed       = errors.New("object storage failed")
	ErrQueueTimeout        = errors.New("queue wait exceeded")
	ErrInternal            = errors.New("internal error")
)

// RateLimitedError carries the provider's retry hint alongside the sentinel.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upstream rate limit (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrUpstreamRateLimit }

// VoiceStatus tracks the user-visible processing state of a voice.
type VoiceStatus string

const (
	VoicePending    VoiceStatus = "pending"
	VoiceProcessing VoiceStatus = "processing"
	VoiceRecorded   VoiceStatus = "recorded"
	VoiceReady      VoiceStatus = "ready"
	VoiceError      VoiceStatus = "error"
)

// AllocationStatus tracks whether a voice holds a live upstream slot.
// Invariant: RemoteVoiceID != nil ⇔ AllocationReady.
type AllocationStatus string

const (
	AllocationRecorded   AllocationStatus = "recorded"
	AllocationAllocating AllocationStatus = "allocating"
	AllocationReady      AllocationStatus = "ready"
)

// Voice owns the identity of one cloned voice. RecordingObjectKey is written
// once at upload and never mutated; it is the source of truth for reclones.
type Voice struct {
	ID                 string
	OwnerUserID        string
	Name               string
	RecordingObjectKey string
	SampleFilename     string
	ServiceProvider    string
	RemoteVoiceID      *string
	Status             VoiceStatus
	AllocationStatus   AllocationStatus
	AllocatedAt        *time.Time
	LastUsedAt         *time.Time
	SlotLockExpiresAt  *time.Time
	ErrorMessage       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SlotEventType enumerates the allocation life-cycle audit events.
type SlotEventType string

const (
	EventRecordingUploaded         SlotEventType = "recording_uploaded"
	EventRecordingProcessingQueued SlotEventType = "recording_processing_queued"
	EventRecordingProcessed        SlotEventType = "recording_processed"
	EventRecordingProcessingFailed SlotEventType = "recording_processing_failed"
	EventAllocationQueued          SlotEventType = "allocation_queued"
	EventAllocationStarted         SlotEventType = "allocation_started"
	EventAllocationCompleted       SlotEventType = "allocation_completed"
	EventAllocationFailed          SlotEventType = "allocation_failed"
	EventSlotLockAcquired          SlotEventType = "slot_lock_acquired"
	EventSlotLockReleased          SlotEventType = "slot_lock_released"
	EventSlotEvicted               SlotEventType = "slot_evicted"
)

// VoiceSlotEvent is one append-only audit entry. VoiceID is nullable so the
// trail survives voice deletion.
type VoiceSlotEvent struct {
	ID        int64
	VoiceID   *string
	UserID    *string
	EventType SlotEventType
	Reason    string
	Metadata  map[string]any
	CreatedAt time.Time
}

// AudioStatus tracks one synthesis attempt.
type AudioStatus string

const (
	AudioPending    AudioStatus = "pending"
	AudioProcessing AudioStatus = "processing"
	AudioReady      AudioStatus = "ready"
	AudioError      AudioStatus = "error"
)

// AudioRequest is one user-visible synthesis attempt, unique per
// (story, voice) pair.
type AudioRequest struct {
	ID              string
	StoryID         string
	VoiceID         string
	UserID          string
	Status          AudioStatus
	ObjectKey       *string
	ErrorMessage    string
	CreditsCharged  *int
	DurationSeconds *float64
	FileSizeBytes   *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// User carries the denormalized credit balance. The authoritative balance is
// the sum of unexpired lot remainders; the cached column is an optimization.
type User struct {
	ID             string
	Email          string
	CreditsBalance int
	CreatedAt      time.Time
}

// Story is resolved from the out-of-scope content store.
type Story struct {
	ID      string
	Title   string
	Content string
}

// Repositories (ports)

type VoiceRepository interface {
	Create(ctx Context, v Voice) (string, error)
	Get(ctx Context, id string) (Voice, error)
	// GetByRemoteID resolves a voice from a live or historical remote clone
	// id, falling back to the allocation_completed audit trail for evicted
	// slots.
	GetByRemoteID(ctx Context, remoteID string) (Voice, error)
	Update(ctx Context, v Voice) error
	Delete(ctx Context, id string) error
	// CountActive returns voices holding or acquiring a slot
	// (allocation_status in {ready, allocating}) for one provider.
	CountActive(ctx Context, provider string) (int, error)
	// ReclaimCandidates returns ready voices whose warm hold expired,
	// least-recently-used first.
	ReclaimCandidates(ctx Context, provider string, cutoff time.Time, limit int) ([]Voice, error)
	ActiveSnapshot(ctx Context, provider string, limit int) ([]Voice, error)
}

type SlotEventRepository interface {
	Append(ctx Context, e VoiceSlotEvent) error
	RecentEvents(ctx Context, limit int) ([]VoiceSlotEvent, error)
	// DetachVoice nulls the voice reference on historical events so the audit
	// trail survives voice deletion.
	DetachVoice(ctx Context, voiceID string) error
}

type AudioRequestRepository interface {
	Create(ctx Context, a AudioRequest) (string, error)
	Get(ctx Context, id string) (AudioRequest, error)
	GetByStoryVoice(ctx Context, storyID, voiceID string) (AudioRequest, error)
	Update(ctx Context, a AudioRequest) error
	Delete(ctx Context, id string) error
}

type UserRepository interface {
	Get(ctx Context, id string) (User, error)
}

type StoryRepository interface {
	Get(ctx Context, id string) (Story, error)
}

// SlotQueue is the delay-scored KV queue of pending allocation requests.
// Duplicate enqueues for one voice collapse into a single entry.
type SlotQueue interface {
	Enqueue(ctx Context, voiceID string, payload AllocationPayload, delay time.Duration) error
	Dequeue(ctx Context) (*AllocationPayload, error)
	DequeueReadyBatch(ctx Context, limit int) ([]AllocationPayload, error)
	Remove(ctx Context, voiceID string) error
	Length(ctx Context) (int64, error)
	IsEnqueued(ctx Context, voiceID string) (bool, error)
	Position(ctx Context, voiceID string) (int64, bool, error)
	Snapshot(ctx Context, limit int) ([]QueuedAllocation, error)
}

// Locker is the single-holder TTL lock primitive backing per-voice
// allocation locks and the synthesis dedup guard. ForceRelease clears a lock
// regardless of holder; the allocation task uses it to clear the lock taken
// by the arbiter that dispatched it.
type Locker interface {
	TryAcquire(ctx Context, name string, ttl time.Duration) (bool, error)
	Release(ctx Context, name string) error
	ForceRelease(ctx Context, name string) error
}

// AllocationPayload is the queue entry for one pending upstream clone.
type AllocationPayload struct {
	VoiceID            string `json:"voice_id"`
	RecordingObjectKey string `json:"recording_object_key"`
	Filename           string `json:"filename"`
	UserID             string `json:"user_id"`
	VoiceName          string `json:"voice_name"`
	Attempts           int    `json:"attempts"`
	ServiceProvider    string `json:"service_provider"`
}

// QueuedAllocation is a snapshot row: the payload plus its eligibility score.
type QueuedAllocation struct {
	AllocationPayload
	Score float64 `json:"score"`
}

// SynthesisPayload is the task payload for one synthesis attempt.
type SynthesisPayload struct {
	AudioRequestID string `json:"audio_request_id"`
	VoiceID        string `json:"voice_id"`
	StoryID        string `json:"story_id"`
	Text           string `json:"text"`
	Attempts       int    `json:"attempts"`
}

// TaskDispatcher enqueues background work to the broker.
type TaskDispatcher interface {
	DispatchAllocation(ctx Context, p AllocationPayload) error
	DispatchSynthesis(ctx Context, p SynthesisPayload, delay time.Duration) error
	DispatchDrain(ctx Context) error
}

// VoiceServiceProvider is the capability set of one upstream TTS vendor.
type VoiceServiceProvider interface {
	Name() string
	CloneVoice(ctx Context, sample []byte, filename, voiceName, language string) (string, error)
	DeleteVoice(ctx Context, remoteVoiceID string) error
	SynthesizeSpeech(ctx Context, remoteVoiceID, text string) ([]byte, error)
}

// ProviderRegistry resolves a provider implementation by its tag.
type ProviderRegistry interface {
	Provider(name string) (VoiceServiceProvider, error)
}

// ObjectStore abstracts the blob store holding samples and rendered audio.
type ObjectStore interface {
	Upload(ctx Context, key string, data []byte, contentType string, metadata map[string]string) error
	Download(ctx Context, key string) ([]byte, error)
	Head(ctx Context, key string) (int64, error)
	Delete(ctx Context, keys ...string) error
	PresignedURL(ctx Context, key string, ttl time.Duration, responseDisposition string) (string, error)
}

// SlotEventSink mirrors audit events to an external stream (best-effort).
type SlotEventSink interface {
	Publish(ctx Context, e VoiceSlotEvent) error
}

// Context is an alias so ports stay decoupled from call sites; adapters and
// usecases pass context.Context through.
type Context = context.Context

// HasSample reports whether the voice still has a recording to clone from.
func (v Voice) HasSample() bool { return v.RecordingObjectKey != "" }

// SlotActive reports whether the voice counts against provider capacity.
func (v Voice) SlotActive() bool {
	return v.AllocationStatus == AllocationReady || v.AllocationStatus == AllocationAllocating
}
