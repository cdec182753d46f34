package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gramsetu/signal-server-go/internal/errors"
	"github.com/gramsetu/signal-server-go/internal/model"
	"github.com/gramsetu/signal-server-go/internal/registry"
	"github.com/gramsetu/signal-server-go/internal/relay"
)

type publishedEvent struct {
	userID    string
	eventType string
	payload   any
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (n *fakeNotifier) Publish(ctx context.Context, userID string, eventType string, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, publishedEvent{userID: userID, eventType: eventType, payload: payload})
	return nil
}

func (n *fakeNotifier) published() []publishedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]publishedEvent, len(n.events))
	copy(out, n.events)
	return out
}

func (n *fakeNotifier) eventsFor(userID string) []publishedEvent {
	var out []publishedEvent
	for _, e := range n.published() {
		if e.userID == userID {
			out = append(out, e)
		}
	}
	return out
}

type fakeRecordStore struct {
	mu      sync.Mutex
	records []*model.CallRecord
	ch      chan *model.CallRecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{ch: make(chan *model.CallRecord, 10)}
}

func (s *fakeRecordStore) Insert(ctx context.Context, rec *model.CallRecord) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	s.ch <- rec
	return nil
}

func (s *fakeRecordStore) waitForRecord(t *testing.T) *model.CallRecord {
	t.Helper()
	select {
	case rec := <-s.ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no call record persisted in time")
		return nil
	}
}

type fakeUserDirectory struct {
	users map[string]*model.User
}

func (d *fakeUserDirectory) FindByID(ctx context.Context, id string) (*model.User, error) {
	return d.users[id], nil
}

func newTestService() (*CallService, *fakeNotifier, *fakeRecordStore) {
	notifier := &fakeNotifier{}
	records := newFakeRecordStore()
	users := &fakeUserDirectory{users: map[string]*model.User{
		"asha-1": {ID: "asha-1", DisplayName: "Sunita Devi", Role: model.RoleASHAWorker},
		"doc-1":  {ID: "doc-1", DisplayName: "Dr. Mehta", Role: model.RoleDoctor},
	}}
	svc := NewCallService(registry.New(registry.NewMemoryStore()), notifier, records, users)
	return svc, notifier, records
}

func initiate(t *testing.T, svc *CallService) *model.CallSession {
	t.Helper()
	sess, err := svc.Initiate(context.Background(), "asha-1", InitiateParams{
		ReceiverID: "doc-1",
		CallType:   model.CallTypeVideo,
		Offer:      "v=0 offer",
	})
	require.NoError(t, err)
	return sess
}

func TestInitiate(t *testing.T) {
	t.Run("creates session and notifies receiver", func(t *testing.T) {
		svc, notifier, _ := newTestService()
		sess := initiate(t, svc)

		assert.Equal(t, model.CallStatusRinging, sess.Status)
		assert.Equal(t, "Sunita Devi", sess.CallerName)

		events := notifier.eventsFor("doc-1")
		require.Len(t, events, 1)
		assert.Equal(t, relay.EventIncomingCall, events[0].eventType)

		payload := events[0].payload.(relay.IncomingCallPayload)
		assert.Equal(t, sess.CallID, payload.CallID)
		assert.Equal(t, "asha-1", payload.From)
		assert.Equal(t, "Sunita Devi", payload.FromName)
		assert.Equal(t, "v=0 offer", payload.Offer)
	})

	t.Run("duplicate pair call is rejected", func(t *testing.T) {
		svc, _, _ := newTestService()
		initiate(t, svc)

		_, err := svc.Initiate(context.Background(), "asha-1", InitiateParams{
			ReceiverID: "doc-1",
			CallType:   model.CallTypeAudio,
			Offer:      "v=0 again",
		})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallInProgress))
	})
}

func TestAnswerFlow(t *testing.T) {
	t.Run("receiver answers, caller gets call-answered", func(t *testing.T) {
		svc, notifier, _ := newTestService()
		sess := initiate(t, svc)

		answered, err := svc.Answer(context.Background(), "doc-1", sess.CallID, "v=0 answer")
		require.NoError(t, err)
		assert.Equal(t, model.CallStatusActive, answered.Status)
		require.NotNil(t, answered.StartTime)

		events := notifier.eventsFor("asha-1")
		require.Len(t, events, 1)
		assert.Equal(t, relay.EventCallAnswered, events[0].eventType)
		payload := events[0].payload.(relay.CallAnsweredPayload)
		assert.Equal(t, "v=0 answer", payload.Answer)
	})

	t.Run("caller cannot answer own call", func(t *testing.T) {
		svc, _, _ := newTestService()
		sess := initiate(t, svc)

		_, err := svc.Answer(context.Background(), "asha-1", sess.CallID, "v=0 answer")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
	})

	t.Run("answer after reject is InvalidTransition", func(t *testing.T) {
		svc, _, _ := newTestService()
		sess := initiate(t, svc)

		_, err := svc.Reject(context.Background(), "doc-1", sess.CallID)
		require.NoError(t, err)

		_, err = svc.Answer(context.Background(), "doc-1", sess.CallID, "v=0 answer")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))
	})
}

func TestRejectFlow(t *testing.T) {
	svc, notifier, records := newTestService()
	sess := initiate(t, svc)

	rejected, err := svc.Reject(context.Background(), "doc-1", sess.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusRejected, rejected.Status)

	events := notifier.eventsFor("asha-1")
	require.Len(t, events, 1)
	assert.Equal(t, relay.EventCallRejected, events[0].eventType)

	rec := records.waitForRecord(t)
	assert.Equal(t, sess.CallID, rec.CallID)
	assert.Equal(t, model.CallStatusRejected, rec.Status)
}

func TestEndFlow(t *testing.T) {
	t.Run("either side may end, peer is notified, record persisted", func(t *testing.T) {
		svc, notifier, records := newTestService()
		sess := initiate(t, svc)

		_, err := svc.Answer(context.Background(), "doc-1", sess.CallID, "v=0 answer")
		require.NoError(t, err)

		ended, err := svc.End(context.Background(), "asha-1", sess.CallID, "")
		require.NoError(t, err)
		assert.Equal(t, model.CallStatusEnded, ended.Status)

		events := notifier.eventsFor("doc-1")
		var sawEnded bool
		for _, e := range events {
			if e.eventType == relay.EventCallEnded {
				sawEnded = true
			}
		}
		assert.True(t, sawEnded)

		rec := records.waitForRecord(t)
		assert.Equal(t, model.CallStatusEnded, rec.Status)
		assert.NotNil(t, rec.StartTime)
	})

	t.Run("second end is a no-op and persists nothing new", func(t *testing.T) {
		svc, notifier, records := newTestService()
		sess := initiate(t, svc)

		_, err := svc.End(context.Background(), "asha-1", sess.CallID, "")
		require.NoError(t, err)
		records.waitForRecord(t)

		before := len(notifier.published())
		_, err = svc.End(context.Background(), "doc-1", sess.CallID, "")
		require.NoError(t, err)

		assert.Equal(t, before, len(notifier.published()))
		select {
		case rec := <-records.ch:
			t.Fatalf("unexpected second record for %s", rec.CallID)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("non-participant may not end", func(t *testing.T) {
		svc, _, _ := newTestService()
		sess := initiate(t, svc)

		_, err := svc.End(context.Background(), "mallory", sess.CallID, "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
	})
}

func TestForwardCandidate(t *testing.T) {
	svc, notifier, _ := newTestService()
	sess := initiate(t, svc)

	require.NoError(t, svc.ForwardCandidate(context.Background(), "asha-1", sess.CallID, "cand-1"))

	events := notifier.eventsFor("doc-1")
	require.Len(t, events, 2) // incoming-call + ice-candidate
	assert.Equal(t, relay.EventICECandidate, events[1].eventType)
	payload := events[1].payload.(relay.CandidatePayload)
	assert.Equal(t, "asha-1", payload.From)
	assert.Equal(t, "cand-1", payload.Candidate)
}

func TestStatusDrainsCandidates(t *testing.T) {
	svc, _, _ := newTestService()
	sess := initiate(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.StoreCandidate(ctx, "asha-1", sess.CallID, "c1"))
	require.NoError(t, svc.StoreCandidate(ctx, "asha-1", sess.CallID, "c2"))
	require.NoError(t, svc.StoreCandidate(ctx, "doc-1", sess.CallID, "r1"))

	view, err := svc.Status(ctx, "doc-1", sess.CallID)
	require.NoError(t, err)
	require.Len(t, view.NewCandidates, 2)
	for _, c := range view.NewCandidates {
		assert.Equal(t, model.SideCaller, c.Owner)
	}

	// Nothing new on the next poll.
	view, err = svc.Status(ctx, "doc-1", sess.CallID)
	require.NoError(t, err)
	assert.Empty(t, view.NewCandidates)

	// Non-participants get no view at all.
	_, err = svc.Status(ctx, "mallory", sess.CallID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeForbidden))
}

func TestTranscriptFlow(t *testing.T) {
	svc, notifier, _ := newTestService()
	sess := initiate(t, svc)
	ctx := context.Background()

	err := svc.AppendTranscript(ctx, "asha-1", sess.CallID, model.TranscriptSegment{Text: "bukhar hai"})
	require.NoError(t, err)

	events := notifier.eventsFor("doc-1")
	require.Len(t, events, 2)
	assert.Equal(t, relay.EventTranscriptSegment, events[1].eventType)
	payload := events[1].payload.(relay.TranscriptPayload)
	assert.Equal(t, "asha-1", payload.Speaker)
	assert.Equal(t, "bukhar hai", payload.Text)

	view, err := svc.Status(ctx, "asha-1", sess.CallID)
	require.NoError(t, err)
	require.Len(t, view.Call.TranscriptSegments, 1)
	assert.Equal(t, "bukhar hai", view.Call.TranscriptSegments[0].Text)
}

func TestHandleDisconnect(t *testing.T) {
	svc, notifier, _ := newTestService()
	sess := initiate(t, svc)

	_, err := svc.Answer(context.Background(), "doc-1", sess.CallID, "v=0 answer")
	require.NoError(t, err)

	svc.HandleDisconnect(context.Background(), "asha-1")

	view, err := svc.Status(context.Background(), "doc-1", sess.CallID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusEnded, view.Call.Status)
	assert.Equal(t, "peer disconnected", view.Call.EndReason)

	var sawEnded bool
	for _, e := range notifier.eventsFor("doc-1") {
		if e.eventType == relay.EventCallEnded {
			payload := e.payload.(relay.CallEndedPayload)
			assert.Equal(t, "peer disconnected", payload.Reason)
			sawEnded = true
		}
	}
	assert.True(t, sawEnded)
}

func TestResync(t *testing.T) {
	svc, notifier, _ := newTestService()
	sess := initiate(t, svc)

	svc.Resync(context.Background(), "doc-1")

	events := notifier.eventsFor("doc-1")
	require.Len(t, events, 2) // original incoming-call + resynced copy
	assert.Equal(t, relay.EventIncomingCall, events[1].eventType)
	payload := events[1].payload.(relay.IncomingCallPayload)
	assert.Equal(t, sess.CallID, payload.CallID)
}

func TestPending(t *testing.T) {
	svc, _, _ := newTestService()
	sess := initiate(t, svc)

	pending, err := svc.Pending(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, sess.CallID, pending[0].CallID)

	pending, err = svc.Pending(context.Background(), "asha-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
