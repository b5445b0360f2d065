// internal/handlers/match_broker_test.go
package handlers

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunarlift/matchroom/internal/protocol"
	"github.com/lunarlift/matchroom/internal/room"
)

// outcomeSink collects matchmaking responses for one searcher.
type outcomeSink struct {
	mu        sync.Mutex
	responses []protocol.MatchResponse
}

func (os *outcomeSink) notify(resp protocol.MatchResponse) {
	os.mu.Lock()
	defer os.mu.Unlock()
	os.responses = append(os.responses, resp)
}

func (os *outcomeSink) types() []string {
	os.mu.Lock()
	defer os.mu.Unlock()
	out := make([]string, len(os.responses))
	for i, r := range os.responses {
		out[i] = r.Type
	}
	return out
}

func newTestBroker(t *testing.T) (*MatchBroker, *room.Engine) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	rooms := room.NewEngine(room.Config{}, nil, logger)
	t.Cleanup(rooms.Close)
	return NewMatchBroker(rooms, logger), rooms
}

func searcherSeed(nick string) room.Player {
	return room.Player{ID: uuid.New(), Nickname: nick}
}

func matchReq(mode string, count int) protocol.MatchRequest {
	return protocol.MatchRequest{GameMode: mode, PlayerCount: count, MatchType: "casual"}
}

func TestBrokerPairsTwoSearchers(t *testing.T) {
	b, rooms := newTestBroker(t)
	a, c := &outcomeSink{}, &outcomeSink{}

	b.Enqueue(searcherSeed("a"), matchReq("classic", 2), a.notify)
	assert.Equal(t, 1, b.Waiting())
	assert.Empty(t, a.types(), "a lone searcher gets no outcome yet")

	b.Enqueue(searcherSeed("c"), matchReq("classic", 2), c.notify)
	assert.Equal(t, 0, b.Waiting())

	require.Equal(t, []string{"found", "game_starting"}, a.types())
	require.Equal(t, []string{"found", "game_starting"}, c.types())

	// Both landed in the same live room.
	roomID := a.responses[0].RoomID
	assert.Equal(t, roomID, c.responses[0].RoomID)
	rm, ok := rooms.Get(roomID)
	require.True(t, ok)
	assert.Equal(t, 2, rm.PlayerCount())
}

func TestBrokerBucketsAreIndependent(t *testing.T) {
	b, _ := newTestBroker(t)
	a, c := &outcomeSink{}, &outcomeSink{}

	b.Enqueue(searcherSeed("a"), matchReq("classic", 2), a.notify)
	b.Enqueue(searcherSeed("c"), matchReq("blitz", 2), c.notify)

	// Different game modes never pair with each other.
	assert.Equal(t, 2, b.Waiting())
	assert.Empty(t, a.types())
	assert.Empty(t, c.types())
}

func TestBrokerFillsLargerParties(t *testing.T) {
	b, rooms := newTestBroker(t)
	sinks := make([]*outcomeSink, 4)
	for i := range sinks {
		sinks[i] = &outcomeSink{}
		b.Enqueue(searcherSeed("p"), matchReq("classic", 4), sinks[i].notify)
	}

	for i, sink := range sinks {
		require.Equal(t, []string{"found", "game_starting"}, sink.types(), "searcher %d", i)
	}
	rm, ok := rooms.Get(sinks[0].responses[0].RoomID)
	require.True(t, ok)
	assert.Equal(t, 4, rm.PlayerCount())
}

func TestBrokerReEntryReplacesPriorSearch(t *testing.T) {
	b, _ := newTestBroker(t)
	seed := searcherSeed("a")
	first, second := &outcomeSink{}, &outcomeSink{}

	b.Enqueue(seed, matchReq("classic", 2), first.notify)
	b.Enqueue(seed, matchReq("classic", 2), second.notify)
	assert.Equal(t, 1, b.Waiting(), "same player must not occupy two slots")

	// Pairing resolves against the replacement sink only.
	b.Enqueue(searcherSeed("c"), matchReq("classic", 2), (&outcomeSink{}).notify)
	assert.Empty(t, first.types())
	assert.Equal(t, []string{"found", "game_starting"}, second.types())
}

func TestBrokerCancel(t *testing.T) {
	b, _ := newTestBroker(t)
	seed := searcherSeed("a")
	sink := &outcomeSink{}
	b.Enqueue(seed, matchReq("classic", 2), sink.notify)

	b.Cancel(seed.ID, true)
	assert.Equal(t, 0, b.Waiting())
	require.Equal(t, []string{"cancelled"}, sink.types())
	assert.Equal(t, protocol.ReasonCancelled, sink.responses[0].Reason)

	// Silent cancel of an unknown player is a no-op.
	b.Cancel(uuid.New(), false)
}

func TestBrokerRecover(t *testing.T) {
	b, _ := newTestBroker(t)
	seed := searcherSeed("a")
	old, replacement := &outcomeSink{}, &outcomeSink{}
	b.Enqueue(seed, matchReq("classic", 2), old.notify)

	// Still queued: recovery rebinds delivery to the new connection.
	b.Recover(seed.ID, replacement.notify)
	b.Enqueue(searcherSeed("c"), matchReq("classic", 2), (&outcomeSink{}).notify)
	assert.Empty(t, old.types())
	assert.Equal(t, []string{"found", "game_starting"}, replacement.types())

	// Unknown searcher: the client learns its search is gone.
	gone := &outcomeSink{}
	b.Recover(uuid.New(), gone.notify)
	require.Equal(t, []string{"cancelled"}, gone.types())
}
