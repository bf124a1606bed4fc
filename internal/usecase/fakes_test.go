package usecase_test

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/storyvoice/internal/domain"
	"github.com/fairyhunter13/storyvoice/internal/usecase"
)

// In-memory fakes for the usecase ports.

type fakeVoiceRepo struct {
	mu        sync.Mutex
	voices    map[string]domain.Voice
	active    map[string]int // overrides CountActive per provider when set
	updateErr error
	seq       int
}

func newFakeVoiceRepo(vs ...domain.Voice) *fakeVoiceRepo {
	r := &fakeVoiceRepo{voices: map[string]domain.Voice{}}
	for _, v := range vs {
		r.voices[v.ID] = v
	}
	return r
}

func (r *fakeVoiceRepo) Create(_ domain.Context, v domain.Voice) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.ID == "" {
		r.seq++
		v.ID = fmt.Sprintf("voice-%d", r.seq)
	}
	r.voices[v.ID] = v
	return v.ID, nil
}

func (r *fakeVoiceRepo) Get(_ domain.Context, id string) (domain.Voice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.voices[id]
	if !ok {
		return domain.Voice{}, domain.ErrNotFound
	}
	return v, nil
}

func (r *fakeVoiceRepo) GetByRemoteID(_ domain.Context, remoteID string) (domain.Voice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.voices {
		if v.RemoteVoiceID != nil && *v.RemoteVoiceID == remoteID {
			return v, nil
		}
	}
	return domain.Voice{}, domain.ErrNotFound
}

func (r *fakeVoiceRepo) Update(_ domain.Context, v domain.Voice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	if _, ok := r.voices[v.ID]; !ok {
		return domain.ErrNotFound
	}
	r.voices[v.ID] = v
	return nil
}

func (r *fakeVoiceRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.voices, id)
	return nil
}

func (r *fakeVoiceRepo) CountActive(_ domain.Context, provider string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.active[provider]; ok {
		return n, nil
	}
	n := 0
	for _, v := range r.voices {
		if v.ServiceProvider == provider && v.SlotActive() {
			n++
		}
	}
	return n, nil
}

func (r *fakeVoiceRepo) ReclaimCandidates(_ domain.Context, provider string, cutoff time.Time, limit int) ([]domain.Voice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Voice
	for _, v := range r.voices {
		if v.ServiceProvider != provider || v.AllocationStatus != domain.AllocationReady {
			continue
		}
		if v.LastUsedAt != nil && v.LastUsedAt.After(cutoff) {
			continue
		}
		if v.SlotLockExpiresAt != nil && v.SlotLockExpiresAt.After(time.Now()) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := out[i].LastUsedAt, out[j].LastUsedAt
		if li == nil {
			return true
		}
		if lj == nil {
			return false
		}
		return li.Before(*lj)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeVoiceRepo) ActiveSnapshot(_ domain.Context, provider string, limit int) ([]domain.Voice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Voice
	for _, v := range r.voices {
		if v.ServiceProvider == provider && v.SlotActive() {
			out = append(out, v)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type queueEntry struct {
	payload domain.AllocationPayload
	readyAt time.Time
}

type fakeQueue struct {
	mu      sync.Mutex
	entries map[string]queueEntry
}

func newFakeQueue() *fakeQueue { return &fakeQueue{entries: map[string]queueEntry{}} }

func (q *fakeQueue) Enqueue(_ domain.Context, voiceID string, p domain.AllocationPayload, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[voiceID] = queueEntry{payload: p, readyAt: time.Now().Add(delay)}
	return nil
}

func (q *fakeQueue) Dequeue(ctx domain.Context) (*domain.AllocationPayload, error) {
	batch, err := q.DequeueReadyBatch(ctx, 1)
	if err != nil || len(batch) == 0 {
		return nil, err
	}
	return &batch[0], nil
}

func (q *fakeQueue) DequeueReadyBatch(_ domain.Context, limit int) ([]domain.AllocationPayload, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	now := time.Now()
	for id, e := range q.entries {
		if !e.readyAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return q.entries[ids[i]].readyAt.Before(q.entries[ids[j]].readyAt)
	})
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.AllocationPayload, 0, len(ids))
	for _, id := range ids {
		out = append(out, q.entries[id].payload)
		delete(q.entries, id)
	}
	return out, nil
}

func (q *fakeQueue) Remove(_ domain.Context, voiceID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, voiceID)
	return nil
}

func (q *fakeQueue) Length(_ domain.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

func (q *fakeQueue) IsEnqueued(_ domain.Context, voiceID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[voiceID]
	return ok, nil
}

func (q *fakeQueue) Position(_ domain.Context, voiceID string) (int64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[voiceID]
	if !ok {
		return 0, false, nil
	}
	pos := int64(1)
	for id, other := range q.entries {
		if id != voiceID && other.readyAt.Before(e.readyAt) {
			pos++
		}
	}
	return pos, true, nil
}

func (q *fakeQueue) Snapshot(_ domain.Context, limit int) ([]domain.QueuedAllocation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.QueuedAllocation
	for _, e := range q.entries {
		out = append(out, domain.QueuedAllocation{
			AllocationPayload: e.payload,
			Score:             float64(e.readyAt.UnixMilli()),
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeLocker struct {
	mu            sync.Mutex
	held          map[string]bool
	forceReleased []string
}

func newFakeLocker() *fakeLocker { return &fakeLocker{held: map[string]bool{}} }

func (l *fakeLocker) TryAcquire(_ domain.Context, name string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return false, nil
	}
	l.held[name] = true
	return true, nil
}

func (l *fakeLocker) Release(_ domain.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
	return nil
}

func (l *fakeLocker) ForceRelease(_ domain.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
	l.forceReleased = append(l.forceReleased, name)
	return nil
}

func (l *fakeLocker) isHeld(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[name]
}

type dispatchedSynthesis struct {
	payload domain.SynthesisPayload
	delay   time.Duration
}

type fakeTasks struct {
	mu          sync.Mutex
	allocations []domain.AllocationPayload
	syntheses   []dispatchedSynthesis
	drains      int
	allocErr    error
	synthErr    error
}

func (t *fakeTasks) DispatchAllocation(_ domain.Context, p domain.AllocationPayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allocErr != nil {
		return t.allocErr
	}
	t.allocations = append(t.allocations, p)
	return nil
}

func (t *fakeTasks) DispatchSynthesis(_ domain.Context, p domain.SynthesisPayload, delay time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.synthErr != nil {
		return t.synthErr
	}
	t.syntheses = append(t.syntheses, dispatchedSynthesis{payload: p, delay: delay})
	return nil
}

func (t *fakeTasks) DispatchDrain(_ domain.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drains++
	return nil
}

type fakeProvider struct {
	name     string
	cloneErr error
	synthErr error
	audio    []byte
	cloned   []string
	deleted  []string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) CloneVoice(_ domain.Context, _ []byte, _, voiceName, _ string) (string, error) {
	if p.cloneErr != nil {
		return "", p.cloneErr
	}
	id := "remote-" + voiceName
	p.cloned = append(p.cloned, id)
	return id, nil
}

func (p *fakeProvider) DeleteVoice(_ domain.Context, remoteVoiceID string) error {
	p.deleted = append(p.deleted, remoteVoiceID)
	return nil
}

func (p *fakeProvider) SynthesizeSpeech(_ domain.Context, _, _ string) ([]byte, error) {
	if p.synthErr != nil {
		return nil, p.synthErr
	}
	if p.audio != nil {
		return p.audio, nil
	}
	return []byte("mp3-bytes"), nil
}

type fakeRegistry map[string]domain.VoiceServiceProvider

func (r fakeRegistry) Provider(name string) (domain.VoiceServiceProvider, error) {
	p, ok := r[name]
	if !ok {
		return nil, domain.ErrInvalidArgument
	}
	return p, nil
}

type fakeStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	downloadErr error
	uploadErr   error
}

func newFakeStore() *fakeStore { return &fakeStore{objects: map[string][]byte{}} }

func (s *fakeStore) Upload(_ domain.Context, key string, data []byte, _ string, _ map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.objects[key] = data
	return nil
}

func (s *fakeStore) Download(_ domain.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (s *fakeStore) Head(_ domain.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return int64(len(data)), nil
}

func (s *fakeStore) Delete(_ domain.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.objects, k)
	}
	return nil
}

func (s *fakeStore) PresignedURL(_ domain.Context, key string, _ time.Duration, _ string) (string, error) {
	return "https://signed.example/" + key, nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []domain.VoiceSlotEvent
}

func (r *fakeEventRepo) Append(_ domain.Context, e domain.VoiceSlotEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *fakeEventRepo) RecentEvents(_ domain.Context, limit int) ([]domain.VoiceSlotEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *fakeEventRepo) DetachVoice(_ domain.Context, voiceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].VoiceID != nil && *r.events[i].VoiceID == voiceID {
			r.events[i].VoiceID = nil
		}
	}
	return nil
}

func (r *fakeEventRepo) types() []domain.SlotEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SlotEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type fakeAudioRepo struct {
	mu   sync.Mutex
	rows map[string]domain.AudioRequest
	seq  int
}

func newFakeAudioRepo(rows ...domain.AudioRequest) *fakeAudioRepo {
	r := &fakeAudioRepo{rows: map[string]domain.AudioRequest{}}
	for _, a := range rows {
		r.rows[a.ID] = a
	}
	return r
}

func (r *fakeAudioRepo) Create(_ domain.Context, a domain.AudioRequest) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == "" {
		r.seq++
		a.ID = fmt.Sprintf("ar-%d", r.seq)
	}
	r.rows[a.ID] = a
	return a.ID, nil
}

func (r *fakeAudioRepo) Get(_ domain.Context, id string) (domain.AudioRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return domain.AudioRequest{}, domain.ErrNotFound
	}
	return a, nil
}

func (r *fakeAudioRepo) GetByStoryVoice(_ domain.Context, storyID, voiceID string) (domain.AudioRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.rows {
		if a.StoryID == storyID && a.VoiceID == voiceID {
			return a, nil
		}
	}
	return domain.AudioRequest{}, domain.ErrNotFound
}

func (r *fakeAudioRepo) Update(_ domain.Context, a domain.AudioRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[a.ID]; !ok {
		return domain.ErrNotFound
	}
	r.rows[a.ID] = a
	return nil
}

func (r *fakeAudioRepo) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

type fakeLedger struct {
	mu           sync.Mutex
	insufficient *domain.InsufficientCreditsError
	alreadyPaid  bool
	debits       []string // audio request ids
	refunds      []string
	expired      int
	summary      domain.CreditSummary
	summaryErr   error
	summaryQuery domain.HistoryQuery
}

func (l *fakeLedger) Grant(_ domain.Context, userID string, amount int, source domain.CreditSource, _ string, _ *time.Time) (domain.CreditTransaction, error) {
	return domain.CreditTransaction{UserID: userID, Amount: amount, Type: domain.TxCredit}, nil
}

func (l *fakeLedger) Debit(_ domain.Context, userID string, amount int, audioRequestID, _, _ string, _ []domain.CreditSource) (domain.DebitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insufficient != nil {
		return domain.DebitResult{Insufficient: l.insufficient}, nil
	}
	if l.alreadyPaid {
		return domain.DebitResult{AlreadyPaid: true}, nil
	}
	l.debits = append(l.debits, audioRequestID)
	return domain.DebitResult{
		Charged:     true,
		Transaction: &domain.CreditTransaction{UserID: userID, Amount: -amount, Type: domain.TxDebit},
	}, nil
}

func (l *fakeLedger) RefundByAudioRequest(_ domain.Context, _, audioRequestID, _ string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refunds = append(l.refunds, audioRequestID)
	return true, nil
}

func (l *fakeLedger) ExpireLots(_ domain.Context, _ time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expired, nil
}

func (l *fakeLedger) Summary(_ domain.Context, userID string, page domain.HistoryQuery) (domain.CreditSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summaryQuery = page
	if l.summaryErr != nil {
		return domain.CreditSummary{}, l.summaryErr
	}
	s := l.summary
	s.UserID = userID
	s.HistoryLimit = page.Limit
	s.HistoryOffset = page.Offset
	return s, nil
}

func (l *fakeLedger) Balance(_ domain.Context, _ string) (int, error) {
	return l.summary.ComputedBalance, nil
}

type fakeUserRepo struct{ users map[string]domain.User }

func (r *fakeUserRepo) Get(_ domain.Context, id string) (domain.User, error) {
	u, ok := r.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

type fakeStoryRepo struct{ stories map[string]domain.Story }

func (r *fakeStoryRepo) Get(_ domain.Context, id string) (domain.Story, error) {
	s, ok := r.stories[id]
	if !ok {
		return domain.Story{}, domain.ErrNotFound
	}
	return s, nil
}

func newRecorder(events *fakeEventRepo) *usecase.EventRecorder {
	return usecase.NewEventRecorder(events)
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
