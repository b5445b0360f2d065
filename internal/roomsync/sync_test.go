// internal/roomsync/sync_test.go
package roomsync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunarlift/matchroom/internal/protocol"
	"github.com/lunarlift/matchroom/internal/queue"
	"github.com/lunarlift/matchroom/internal/room"
)

// fakeSender records outbound envelopes.
type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Envelope
	err  error
}

func (fs *fakeSender) Send(env protocol.Envelope, _ queue.Priority) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.err != nil {
		return fs.err
	}
	fs.sent = append(fs.sent, env)
	return nil
}

func (fs *fakeSender) count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.sent)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func syncMsg(code string, version uint64, full bool) protocol.RoomStateSync {
	return protocol.RoomStateSync{Code: code, Version: version, HostID: "h", Full: full}
}

func primedSync(t *testing.T) (*Synchronizer, *fakeSender) {
	t.Helper()
	fs := &fakeSender{}
	s := New(fs, quietLogger())
	s.Prime(syncMsg("1234", 3, true))
	return s, fs
}

func TestApplyNextVersion(t *testing.T) {
	s, _ := primedSync(t)
	var seen []uint64
	s.Subscribe(func(st protocol.RoomStateSync) { seen = append(seen, st.Version) })

	assert.Equal(t, Applied, s.Apply(syncMsg("1234", 4, false)))
	st, primed := s.State()
	assert.True(t, primed)
	assert.Equal(t, uint64(4), st.Version)
	assert.Equal(t, []uint64{4}, seen)
}

func TestApplyStaleIsIdempotent(t *testing.T) {
	s, fs := primedSync(t)

	assert.Equal(t, Stale, s.Apply(syncMsg("1234", 3, false)))
	assert.Equal(t, Stale, s.Apply(syncMsg("1234", 1, false)))
	st, _ := s.State()
	assert.Equal(t, uint64(3), st.Version, "version never decreases")
	assert.Equal(t, 0, fs.count(), "stale messages trigger no traffic")
}

func TestApplyGapRequestsFullResync(t *testing.T) {
	s, fs := primedSync(t)

	assert.Equal(t, Gap, s.Apply(syncMsg("1234", 7, false)))
	require.Equal(t, 1, fs.count())
	assert.Equal(t, protocol.TypeRoomResync, fs.sent[0].Type)

	var req protocol.RoomResync
	require.NoError(t, protocol.DecodeBody(fs.sent[0], &req))
	assert.Equal(t, "1234", req.Code)
	assert.Equal(t, uint64(3), req.HaveVersion)

	// Repeated gaps don't spam resync requests.
	assert.Equal(t, Gap, s.Apply(syncMsg("1234", 8, false)))
	assert.Equal(t, 1, fs.count())
}

func TestFullSnapshotResolvesGap(t *testing.T) {
	s, fs := primedSync(t)
	require.Equal(t, Gap, s.Apply(syncMsg("1234", 9, false)))

	assert.Equal(t, Applied, s.Apply(syncMsg("1234", 9, true)))
	st, _ := s.State()
	assert.Equal(t, uint64(9), st.Version)

	// The resyncing latch cleared: a later gap asks again.
	assert.Equal(t, Gap, s.Apply(syncMsg("1234", 20, false)))
	assert.Equal(t, 2, fs.count())
}

func TestFullSnapshotNeverMovesBackwards(t *testing.T) {
	s, _ := primedSync(t)
	assert.Equal(t, Stale, s.Apply(syncMsg("1234", 2, true)))
	st, _ := s.State()
	assert.Equal(t, uint64(3), st.Version)
}

func TestDeltaBeforePrimeRequestsResync(t *testing.T) {
	fs := &fakeSender{}
	s := New(fs, quietLogger())
	s.Track("1234")

	assert.Equal(t, Gap, s.Apply(syncMsg("1234", 5, false)))
	assert.Equal(t, 1, fs.count())

	// The full reply primes the mirror.
	assert.Equal(t, Applied, s.Apply(syncMsg("1234", 6, true)))
	_, primed := s.State()
	assert.True(t, primed)
}

func TestWrongRoomIgnored(t *testing.T) {
	s, fs := primedSync(t)
	assert.Equal(t, WrongRoom, s.Apply(syncMsg("9999", 4, false)))
	assert.Equal(t, 0, fs.count())

	s.Stop()
	assert.Equal(t, WrongRoom, s.Apply(syncMsg("1234", 4, false)))
}

func TestResyncSendFailureUnlatches(t *testing.T) {
	fs := &fakeSender{err: errors.New("queue full")}
	s := New(fs, quietLogger())
	s.Prime(syncMsg("1234", 3, true))

	assert.Equal(t, Gap, s.Apply(syncMsg("1234", 7, false)))

	// The failed request did not latch; the next gap retries.
	fs.mu.Lock()
	fs.err = nil
	fs.mu.Unlock()
	assert.Equal(t, Gap, s.Apply(syncMsg("1234", 8, false)))
	assert.Equal(t, 1, fs.count())
}

// TestRoomBroadcastStreamApplies runs a live room's broadcast stream through
// the mirror: every accepted mutation, including the all-ready notice that
// follows the final ready toggle, must land as Applied rather than Stale.
func TestRoomBroadcastStreamApplies(t *testing.T) {
	engine := room.NewEngine(room.Config{}, nil, quietLogger())
	t.Cleanup(engine.Close)

	host := room.Player{ID: uuid.New(), Nickname: "host"}
	rm, err := engine.CreateRoom(host, 2)
	require.NoError(t, err)

	fs := &fakeSender{}
	s := New(fs, quietLogger())
	s.Prime(rm.Snapshot())

	var mu sync.Mutex
	var outcomes []Outcome
	var kinds []room.UpdateKind
	rm.Subscribe(func(up room.Update) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, s.Apply(up.State))
		kinds = append(kinds, up.Kind)
	})

	guest := room.Player{ID: uuid.New(), Nickname: "guest"}
	_, err = engine.JoinRoom(rm.Code, guest.ID.String(), guest)
	require.NoError(t, err)
	require.NoError(t, engine.SetReady(rm.Code, host.ID, true))
	require.NoError(t, engine.SetReady(rm.Code, guest.ID, true))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []room.UpdateKind{
		room.UpdateJoined, room.UpdateReady, room.UpdateReady, room.UpdateAllReady,
	}, kinds)
	for i, outcome := range outcomes {
		assert.Equal(t, Applied, outcome, "broadcast %d (%s) must not be dropped", i, kinds[i])
	}
	st, _ := s.State()
	assert.Equal(t, rm.Version(), st.Version)
	assert.Equal(t, 0, fs.count(), "a gapless stream needs no resync")
}

// TestSubscriberMayReadMirror exercises a handler that calls back into the
// synchronizer. Updates are published after the lock is released, so a
// subscriber reading State must not deadlock.
func TestSubscriberMayReadMirror(t *testing.T) {
	fs := &fakeSender{}
	s := New(fs, quietLogger())

	var mu sync.Mutex
	var versions []uint64
	s.Subscribe(func(protocol.RoomStateSync) {
		mu.Lock()
		defer mu.Unlock()
		st, primed := s.State()
		if primed {
			versions = append(versions, st.Version)
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Prime(syncMsg("1234", 3, true))
		s.Apply(syncMsg("1234", 4, false))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("prime/apply blocked with a reentrant subscriber attached")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{3, 4}, versions)
}

func TestHandleEnvelopeFiltersTypes(t *testing.T) {
	s, _ := primedSync(t)
	var applied int
	s.Subscribe(func(protocol.RoomStateSync) { applied++ })

	s.HandleEnvelope(protocol.NewHeartbeat())
	assert.Equal(t, 0, applied)

	s.HandleEnvelope(protocol.NewRoomStateSync(syncMsg("1234", 4, false)))
	assert.Equal(t, 1, applied)
}
