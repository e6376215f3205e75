package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danl5/golobby/pkg/election"
	"github.com/danl5/golobby/pkg/model"
	"github.com/danl5/golobby/pkg/registry"
	"github.com/danl5/golobby/pkg/transport/memory"
)

// sent is one recorded broadcast with the master state observed while sending
type sent struct {
	msg   model.Message
	state model.MasterState
}

type recordingTransport struct {
	mu      sync.Mutex
	sent    []sent
	sendErr error
	observe func() model.MasterState
	events  chan model.GroupEvent
}

func (r *recordingTransport) Connect(string, int, string, model.TransportConfig) error { return nil }
func (r *recordingTransport) Join(string) error                                       { return nil }
func (r *recordingTransport) Events() <-chan model.GroupEvent                         { return r.events }
func (r *recordingTransport) Leave() error                                            { return nil }

func (r *recordingTransport) Send(msg model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	s := sent{msg: msg}
	if r.observe != nil {
		s.state = r.observe()
	}
	r.sent = append(r.sent, s)
	return nil
}

func (r *recordingTransport) kinds() []model.MessageKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.MessageKind
	for _, s := range r.sent {
		out = append(out, s.msg.Kind())
	}
	return out
}

var testLocations = map[string]string{
	"node1": "10.0.0.1:8081",
	"node2": "10.0.0.2:8082",
	"node3": "10.0.0.3:8083",
}

func newTestCoordinator(t *testing.T, self string) (*Coordinator, *recordingTransport) {
	elect, err := election.NewElection(slog.Default())
	require.NoError(t, err)
	trans := &recordingTransport{events: make(chan model.GroupEvent, 16)}
	c, err := NewCoordinator(self, trans, elect, registry.New(), testLocations, slog.Default())
	require.NoError(t, err)
	trans.observe = elect.State
	return c, trans
}

func join(joined string, members ...string) *model.MembershipChange {
	return &model.MembershipChange{Members: members, CausedByJoin: true, Joined: joined}
}

func TestNewCoordinator_Validation(t *testing.T) {
	elect, _ := election.NewElection(slog.Default())
	trans := &recordingTransport{}
	reg := registry.New()

	_, err := NewCoordinator("", trans, elect, reg, nil, slog.Default())
	assert.Error(t, err)
	_, err = NewCoordinator("node1", nil, elect, reg, nil, slog.Default())
	assert.Error(t, err)
	_, err = NewCoordinator("node1", trans, elect, reg, nil, nil)
	assert.Error(t, err)
}

func TestCoordinator_HandleMessage(t *testing.T) {
	tests := []struct {
		name        string
		prepare     func(r *registry.Registry)
		msg         model.Message
		wantPlayers map[string]string
		wantStarted bool
	}{
		{
			name:        "snapshot_overwrites",
			prepare:     func(r *registry.Registry) { _ = r.Add("Zed", "http://z") },
			msg:         &model.SnapshotMessage{Players: map[string]string{"Alice": "http://a"}},
			wantPlayers: map[string]string{"Alice": "http://a"},
		},
		{
			name: "reset_clears",
			prepare: func(r *registry.Registry) {
				r.ReplaceAll(map[string]string{"Alice": "http://a", "Bob": "http://b"})
				r.MarkStarted()
			},
			msg:         &model.ResetMessage{},
			wantPlayers: map[string]string{},
		},
		{
			name:        "start_marks_started",
			prepare:     func(r *registry.Registry) { r.ReplaceAll(map[string]string{"Alice": "http://a", "Bob": "http://b"}) },
			msg:         &model.StartMessage{},
			wantPlayers: map[string]string{"Alice": "http://a", "Bob": "http://b"},
			wantStarted: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, trans := newTestCoordinator(t, "node2")
			tt.prepare(c.Registry())

			c.HandleMessage(tt.msg, "#node1#host")

			assert.Equal(t, tt.wantPlayers, c.Registry().Snapshot())
			assert.Equal(t, tt.wantStarted, c.Registry().IsStarted())
			assert.Empty(t, trans.kinds())
		})
	}
}

func TestCoordinator_SnapshotIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t, "node2")
	msg := &model.SnapshotMessage{Players: map[string]string{"Alice": "http://a", "Bob": "http://b"}}

	c.HandleMessage(msg, "node1")
	once := c.Registry().Snapshot()
	c.HandleMessage(msg, "node1")
	assert.Equal(t, once, c.Registry().Snapshot())
}

func TestCoordinator_HandleDelivery_DropsUnknownKind(t *testing.T) {
	c, _ := newTestCoordinator(t, "node2")
	require.NoError(t, c.Registry().Add("Alice", "http://a"))

	c.HandleEvent(&model.Delivery{Sender: "node1", Envelope: model.Envelope{Kind: "update"}})

	assert.Equal(t, map[string]string{"Alice": "http://a"}, c.Registry().Snapshot())
	assert.False(t, c.Registry().IsStarted())
}

func TestCoordinator_HandleMembership_Election(t *testing.T) {
	c, trans := newTestCoordinator(t, "node1")

	c.HandleEvent(join("#node2#h", "#node2#h", "#node1#h", "#node3#h"))

	assert.True(t, c.IsMaster())
	assert.Equal(t, "node1", c.CurrentMasterID())
	// was not master before this change, nothing to hand over
	assert.Empty(t, trans.kinds())
}

func TestCoordinator_HandleMembership_Empty(t *testing.T) {
	for _, self := range []string{"node1", "node2"} {
		c, _ := newTestCoordinator(t, self)
		c.HandleMembership(join("node2", "node1", "node2"))
		require.Equal(t, "node1", c.CurrentMasterID())

		c.HandleMembership(&model.MembershipChange{})

		assert.False(t, c.IsMaster())
		assert.Empty(t, c.CurrentMasterID())
		_, err := c.MasterLocation()
		assert.ErrorIs(t, err, ErrNoMaster)
	}
}

func TestCoordinator_Handover(t *testing.T) {
	c, trans := newTestCoordinator(t, "node1")
	c.HandleMembership(join("node1", "node1"))
	require.True(t, c.IsMaster())

	require.NoError(t, c.Registry().Add("Alice", "http://a"))
	c.Registry().MarkStarted()

	c.HandleMembership(join("#node4#h", "node1", "#node4#h"))

	require.Len(t, trans.sent, 2)
	assert.Equal(t, &model.SnapshotMessage{Players: map[string]string{"Alice": "http://a"}}, trans.sent[0].msg)
	assert.Equal(t, &model.StartMessage{}, trans.sent[1].msg)
	assert.True(t, c.IsMaster())
}

func TestCoordinator_HandoverOpenLobbySkipsStart(t *testing.T) {
	c, trans := newTestCoordinator(t, "node1")
	c.HandleMembership(join("node1", "node1"))
	require.NoError(t, c.Registry().Add("Alice", "http://a"))

	c.HandleMembership(join("node2", "node1", "node2"))

	assert.Equal(t, []model.MessageKind{model.KindSnapshot}, trans.kinds())
}

// the handover uses the master status of the previous membership
func TestCoordinator_HandoverBeforeReevaluation(t *testing.T) {
	c, trans := newTestCoordinator(t, "node1")
	c.HandleMembership(join("node1", "node1", "node2"))
	require.NoError(t, c.Registry().Add("Alice", "http://a"))
	c.Registry().MarkStarted()

	// node0 joins and takes over as master
	c.HandleMembership(join("node0", "node0", "node1", "node2"))

	require.Len(t, trans.sent, 2)
	for _, s := range trans.sent {
		assert.Equal(t, model.MasterState{IsMaster: true, MasterID: "node1"}, s.state)
	}
	assert.False(t, c.IsMaster())
	assert.Equal(t, "node0", c.CurrentMasterID())
}

func TestCoordinator_NoHandover(t *testing.T) {
	tests := []struct {
		name   string
		self   string
		change *model.MembershipChange
	}{
		{
			name:   "master_on_leave",
			self:   "node1",
			change: &model.MembershipChange{Members: []string{"node1"}},
		},
		{
			name:   "follower_on_join",
			self:   "node2",
			change: join("node3", "node1", "node2", "node3"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, trans := newTestCoordinator(t, tt.self)
			c.HandleMembership(join("node2", "node1", "node2"))
			require.NoError(t, c.Registry().Add("Alice", "http://a"))

			c.HandleMembership(tt.change)
			assert.Empty(t, trans.kinds())
		})
	}
}

func TestCoordinator_SendFailureKeepsLocalState(t *testing.T) {
	c, trans := newTestCoordinator(t, "node1")
	trans.sendErr = errors.New("daemon gone")
	require.NoError(t, c.Registry().Add("Alice", "http://a"))

	assert.Error(t, c.Replicate())
	assert.Error(t, c.BroadcastReset())
	assert.Error(t, c.BroadcastStart())
	assert.Equal(t, map[string]string{"Alice": "http://a"}, c.Registry().Snapshot())
}

func TestCoordinator_Broadcasts(t *testing.T) {
	c, trans := newTestCoordinator(t, "node1")
	require.NoError(t, c.Replicate())
	require.NoError(t, c.BroadcastStart())
	require.NoError(t, c.BroadcastReset())
	assert.Equal(t, []model.MessageKind{model.KindSnapshot, model.KindStart, model.KindReset}, trans.kinds())
}

func TestCoordinator_MasterLocation(t *testing.T) {
	c, _ := newTestCoordinator(t, "node2")

	_, err := c.MasterLocation()
	assert.ErrorIs(t, err, ErrNoMaster)

	c.HandleMembership(join("node2", "node1", "node2"))
	addr, err := c.MasterLocation()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8081", addr)

	c.HandleMembership(join("node0", "node0", "node1", "node2"))
	_, err = c.MasterLocation()
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestCoordinator_RunStopsOnContext(t *testing.T) {
	c, trans := newTestCoordinator(t, "node1")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	trans.events <- join("node1", "node1")
	require.Eventually(t, c.IsMaster, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}

func TestCoordinator_RunStopsOnClosedStream(t *testing.T) {
	c, trans := newTestCoordinator(t, "node1")
	close(trans.events)
	assert.NoError(t, c.Run(context.Background()))
}

// cluster runs coordinators over one memory hub
type cluster struct {
	t    *testing.T
	hub  *memory.Hub
	ctx  context.Context
	stop context.CancelFunc
}

func newCluster(t *testing.T) *cluster {
	hub, err := memory.NewHub(slog.Default())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &cluster{t: t, hub: hub, ctx: ctx, stop: cancel}
}

func (cl *cluster) start(nodeID string) (*Coordinator, *memory.Transport) {
	trans := cl.hub.NewTransport()
	require.NoError(cl.t, trans.Connect("localhost", 0, nodeID, nil))
	elect, err := election.NewElection(slog.Default())
	require.NoError(cl.t, err)
	c, err := NewCoordinator(nodeID, trans, elect, registry.New(), testLocations, slog.Default())
	require.NoError(cl.t, err)
	go func() { _ = c.Run(cl.ctx) }()
	require.NoError(cl.t, trans.Join("lobby"))
	return c, trans
}

func TestCluster_ReplicationAndHandover(t *testing.T) {
	cl := newCluster(t)
	n1, _ := cl.start("node1")
	n2, _ := cl.start("node2")

	require.Eventually(t, func() bool {
		return n1.IsMaster() && n2.CurrentMasterID() == "node1"
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, n2.IsMaster())

	// register on the master and replicate
	require.NoError(t, n1.Registry().Add("Alice", "http://a"))
	require.NoError(t, n1.Registry().Add("Bob", "http://b"))
	require.NoError(t, n1.Replicate())
	want := n1.Registry().Snapshot()
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, n2.Registry().Snapshot())
	}, 2*time.Second, 5*time.Millisecond)

	// start the game
	n1.Registry().MarkStarted()
	require.NoError(t, n1.BroadcastStart())
	require.Eventually(t, n2.Registry().IsStarted, 2*time.Second, 5*time.Millisecond)

	// a late joiner receives the state through the handover
	n3, _ := cl.start("node3")
	require.Eventually(t, func() bool {
		return n3.Registry().IsStarted() &&
			assert.ObjectsAreEqual(want, n3.Registry().Snapshot()) &&
			n3.CurrentMasterID() == "node1"
	}, 2*time.Second, 5*time.Millisecond)

	// reset reaches everyone
	n1.Registry().Reset()
	require.NoError(t, n1.BroadcastReset())
	require.Eventually(t, func() bool {
		return !n2.Registry().IsStarted() && n3.Registry().Size() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCluster_MasterFailover(t *testing.T) {
	cl := newCluster(t)
	_, t1 := cl.start("node1")
	n2, _ := cl.start("node2")
	n3, _ := cl.start("node3")

	require.Eventually(t, func() bool {
		return n2.CurrentMasterID() == "node1" && n3.CurrentMasterID() == "node1"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, t1.Leave())

	require.Eventually(t, func() bool {
		return n2.IsMaster() && n3.CurrentMasterID() == "node2" && !n3.IsMaster()
	}, 2*time.Second, 5*time.Millisecond)
	addr, err := n3.MasterLocation()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:8082", addr)
}
