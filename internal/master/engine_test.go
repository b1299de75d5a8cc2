package master

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbus/fleetbus/internal/envelope"
)

// fakePub records every broadcast request.
type fakePub struct {
	published []*envelope.Request
}

func (f *fakePub) Publish(v any) error {
	f.published = append(f.published, v.(*envelope.Request))
	return nil
}

// fakeCollector serves a scripted reply sequence without any transport.
type fakeCollector struct {
	queue []*envelope.Reply
}

func (f *fakeCollector) Poll(budget time.Duration) bool {
	return len(f.queue) > 0
}

func (f *fakeCollector) Recv() (*envelope.Reply, bool) {
	if len(f.queue) == 0 {
		return nil, false
	}
	reply := f.queue[0]
	f.queue = f.queue[1:]
	return reply, true
}

// silentCollector never has a reply; Poll burns its whole budget.
type silentCollector struct{}

func (silentCollector) Poll(budget time.Duration) bool {
	if budget > 0 {
		time.Sleep(budget)
	}
	return false
}

func (silentCollector) Recv() (*envelope.Reply, bool) { return nil, false }

func reply(reqID, agentID string) *envelope.Reply {
	return envelope.NewReply(reqID, agentID)
}

func TestSendAndCollectMintsCorrelationID(t *testing.T) {
	pub := &fakePub{}
	engine := NewEngine(pub, &fakeCollector{}, false)

	req := envelope.NewRequest("ping", nil)
	_, err := engine.SendAndCollect(req, Config{Timeout: 100, Agents: 1}, NewMissedBuffer())
	require.NoError(t, err)

	assert.NotEmpty(t, req.Req, "the minted id must be stamped on the request")
	require.Len(t, pub.published, 1)
	assert.Same(t, req, pub.published[0])
}

func TestCollectStopsAtQuorum(t *testing.T) {
	pull := &fakeCollector{queue: []*envelope.Reply{
		reply("id-1", "a1"),
		reply("id-1", "a2"),
		reply("id-1", "a3"),
	}}
	engine := NewEngine(&fakePub{}, pull, false)

	replies := engine.Collect("id-1", Config{Timeout: 1000, Agents: 2}, NewMissedBuffer())
	assert.Len(t, replies, 2)
	assert.Len(t, pull.queue, 1, "the third reply stays queued for a later poll")
}

func TestCollectFilesMismatchesAsMissed(t *testing.T) {
	pull := &fakeCollector{queue: []*envelope.Reply{
		reply("stale-1", "a1"),
		reply("id-1", "a1"),
		reply("stale-2", "a2"),
		reply("id-1", "a2"),
	}}
	engine := NewEngine(&fakePub{}, pull, false)
	missed := NewMissedBuffer()

	replies := engine.Collect("id-1", Config{Timeout: 1000, Agents: math.Inf(1)}, missed)
	require.Len(t, replies, 2)
	for _, r := range replies {
		assert.Equal(t, "id-1", r.Req)
	}
	assert.Len(t, missed["stale-1"], 1)
	assert.Len(t, missed["stale-2"], 1)
}

func TestCollectSalvagesMissedFirst(t *testing.T) {
	missed := NewMissedBuffer()
	missed.Add(reply("id-1", "a1"))
	missed.Add(reply("id-1", "a2"))

	engine := NewEngine(&fakePub{}, &fakeCollector{}, false)
	replies := engine.Collect("id-1", Config{Timeout: 50, Agents: 2}, missed)

	assert.Len(t, replies, 2, "salvaged replies satisfy the quorum without polling")
	assert.Empty(t, missed, "salvaged replies leave the buffer")
}

func TestCollectEmptyIDDrainsEverythingIntoMissed(t *testing.T) {
	pull := &fakeCollector{queue: []*envelope.Reply{
		reply("id-1", "a1"),
		reply("id-2", "a2"),
	}}
	engine := NewEngine(&fakePub{}, pull, false)
	missed := NewMissedBuffer()

	replies := engine.Collect("", Config{Timeout: 100, Agents: math.Inf(1)}, missed)
	assert.Empty(t, replies, "a drain returns nothing directly")
	assert.Len(t, missed["id-1"], 1)
	assert.Len(t, missed["id-2"], 1)
}

func TestCollectHonorsTimeout(t *testing.T) {
	engine := NewEngine(&fakePub{}, silentCollector{}, false)

	start := time.Now()
	replies := engine.Collect("id-1", Config{Timeout: 80, Agents: math.Inf(1)}, NewMissedBuffer())
	elapsed := time.Since(start)

	assert.Empty(t, replies)
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestCollectZeroQuorumReturnsImmediately(t *testing.T) {
	pull := &fakeCollector{queue: []*envelope.Reply{reply("id-1", "a1")}}
	engine := NewEngine(&fakePub{}, pull, false)

	start := time.Now()
	replies := engine.Collect("id-1", Config{Timeout: 5000, Agents: 0}, NewMissedBuffer())

	assert.Empty(t, replies, "fire and forget collects nothing")
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, pull.queue, 1, "the reply stays queued for a later poll")
}

func TestMissedBuffer(t *testing.T) {
	missed := NewMissedBuffer()
	missed.Add(reply("id-1", "a1"))
	missed.Add(reply("id-1", "a2"))
	missed.Add(reply("id-2", "a1"))

	assert.Nil(t, missed.Take(""), "the empty drain id never matches")
	assert.Len(t, missed.Take("id-1"), 2)
	assert.Nil(t, missed.Take("id-1"), "take removes")

	missed.Clear()
	assert.Empty(t, missed)
}

func TestConfigMarshalsInfiniteQuorum(t *testing.T) {
	data, err := json.Marshal(DefaultConfig())
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeout":1000,"agents":"inf"}`, string(data))

	data, err = json.Marshal(Config{Timeout: 500, Agents: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"timeout":500,"agents":3}`, string(data))
}
