package registry

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danl5/golobby/pkg/model"
)

func TestRegistry_Add(t *testing.T) {
	type args struct {
		name     string
		callback string
	}
	tests := []struct {
		name     string
		existing map[string]string
		started  bool
		args     args
		wantErr  error
		wantSize int
	}{
		{
			name:     "first_player",
			args:     args{name: "Alice", callback: "http://a"},
			wantSize: 1,
		},
		{
			name:     "duplicate_name",
			existing: map[string]string{"Alice": "http://a"},
			args:     args{name: "Alice", callback: "http://other"},
			wantErr:  ErrDuplicateName,
			wantSize: 1,
		},
		{
			name:     "duplicate_callback",
			existing: map[string]string{"Alice": "http://a"},
			args:     args{name: "Bob", callback: "http://a"},
			wantErr:  ErrDuplicateCallback,
			wantSize: 1,
		},
		{
			name: "lobby_full",
			existing: map[string]string{
				"Alice": "http://a", "Bob": "http://b", "Carol": "http://c", "Dave": "http://d",
			},
			args:     args{name: "Eve", callback: "http://e"},
			wantErr:  ErrLobbyFull,
			wantSize: MaxPlayers,
		},
		{
			name:     "lobby_started",
			existing: map[string]string{"Alice": "http://a", "Bob": "http://b"},
			started:  true,
			args:     args{name: "Carol", callback: "http://c"},
			wantErr:  ErrLobbyStarted,
			wantSize: 2,
		},
		{
			name:    "empty_name",
			args:    args{name: "", callback: "http://a"},
			wantErr: ErrInvalidPlayer,
		},
		{
			name:    "empty_callback",
			args:    args{name: "Alice", callback: ""},
			wantErr: ErrInvalidPlayer,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			r.ReplaceAll(tt.existing)
			if tt.started {
				r.MarkStarted()
			}

			err := r.Add(tt.args.name, tt.args.callback)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantSize, r.Size())
		})
	}
}

func TestRegistry_DuplicateCallbackKeepsFirst(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("Alice", "http://a"))
	assert.ErrorIs(t, r.Add("Bob", "http://a"), ErrDuplicateCallback)
	assert.Equal(t, map[string]string{"Alice": "http://a"}, r.Snapshot())
}

func TestRegistry_Remove(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("Alice", "http://a"))

	assert.ErrorIs(t, r.Remove("Bob"), ErrPlayerNotFound)
	assert.NoError(t, r.Remove("Alice"))
	assert.ErrorIs(t, r.Remove("Alice"), ErrPlayerNotFound)
	assert.Equal(t, 0, r.Size())

	// the callback is free again
	assert.NoError(t, r.Add("Bob", "http://a"))
}

func TestRegistry_RemoveWhileStarted(t *testing.T) {
	r := New()
	r.ReplaceAll(map[string]string{"Alice": "http://a", "Bob": "http://b"})
	r.MarkStarted()

	assert.ErrorIs(t, r.Remove("Alice"), ErrLobbyStarted)
	assert.Equal(t, 2, r.Size())
}

func TestRegistry_TrySatisfyStart(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("Alice", "http://a"))
	assert.False(t, r.TrySatisfyStart())

	require.NoError(t, r.Add("Bob", "http://b"))
	assert.True(t, r.TrySatisfyStart())
	// never changes the lobby state
	assert.False(t, r.IsStarted())
	assert.Equal(t, model.LobbyOpen, r.State())
}

func TestRegistry_Lifecycle(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("Alice", "http://a"))
	require.NoError(t, r.Add("Bob", "http://b"))

	r.MarkStarted()
	assert.True(t, r.IsStarted())
	assert.Equal(t, model.LobbyStarted, r.State())

	// idempotent
	r.MarkStarted()
	assert.True(t, r.IsStarted())

	r.Reset()
	assert.False(t, r.IsStarted())
	assert.Equal(t, 0, r.Size())
	assert.NoError(t, r.Add("Carol", "http://c"))

	// reset on an open lobby is fine
	r.Reset()
	assert.Equal(t, model.LobbyOpen, r.State())
}

func TestRegistry_ReplaceAll(t *testing.T) {
	snapshot := map[string]string{"Alice": "http://a", "Bob": "http://b"}

	r := New()
	require.NoError(t, r.Add("Zed", "http://z"))

	r.ReplaceAll(snapshot)
	once := r.Snapshot()
	r.ReplaceAll(snapshot)
	assert.Equal(t, once, r.Snapshot())
	assert.Equal(t, snapshot, r.Snapshot())

	// the registry keeps its own copy
	snapshot["Carol"] = "http://c"
	assert.Equal(t, 2, r.Size())

	// callback index follows the snapshot
	assert.NoError(t, r.Add("Zed", "http://z"))
	assert.ErrorIs(t, r.Add("Eve", "http://a"), ErrDuplicateCallback)
}

func TestRegistry_ReplaceAllKeepsLobbyState(t *testing.T) {
	r := New()
	r.MarkStarted()
	r.ReplaceAll(map[string]string{"Alice": "http://a"})
	assert.True(t, r.IsStarted())
}

func TestRegistry_SnapshotIsCopy(t *testing.T) {
	r := New()
	require.NoError(t, r.Add("Alice", "http://a"))
	s := r.Snapshot()
	s["Bob"] = "http://b"
	assert.Equal(t, 1, r.Size())
}

func TestRegistry_List(t *testing.T) {
	r := New()
	assert.Empty(t, r.List())
	require.NoError(t, r.Add("Carol", "http://c"))
	require.NoError(t, r.Add("Alice", "http://a"))
	require.NoError(t, r.Add("Bob", "http://b"))
	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, r.List())
}

// random add/remove sequences never break capacity or uniqueness
func TestRegistry_RandomOperationsKeepInvariants(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	r := New()
	for i := 0; i < 2000; i++ {
		name := fmt.Sprintf("p%d", rnd.Intn(8))
		callback := fmt.Sprintf("http://c%d", rnd.Intn(8))
		switch rnd.Intn(10) {
		case 0:
			r.MarkStarted()
		case 1:
			r.Reset()
		case 2, 3, 4:
			_ = r.Remove(name)
		default:
			started := r.IsStarted()
			err := r.Add(name, callback)
			if started {
				assert.ErrorIs(t, err, ErrLobbyStarted)
			}
		}

		players := r.Snapshot()
		assert.LessOrEqual(t, len(players), MaxPlayers)
		seen := map[string]bool{}
		for _, cb := range players {
			assert.False(t, seen[cb], "duplicate callback %s", cb)
			seen[cb] = true
		}
	}
}

func TestRegistry_Visualize(t *testing.T) {
	assert.Contains(t, New().Visualize(), model.LobbyStarted.String())
}
