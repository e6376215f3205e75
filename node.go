// Package golobby runs one node of a replicated game lobby.
//
// A node joins a process group, elects the smallest member id as master, keeps a replicated
// player registry and serves the lobby over HTTP. Requests reaching a follower are redirected
// to the master.
package golobby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/danl5/golobby/pkg/api"
	"github.com/danl5/golobby/pkg/coordinator"
	"github.com/danl5/golobby/pkg/election"
	"github.com/danl5/golobby/pkg/lobby"
	"github.com/danl5/golobby/pkg/model"
	"github.com/danl5/golobby/pkg/notify"
	"github.com/danl5/golobby/pkg/registry"
)

const (
	// default group name
	defaultGroup = "lobby"
	// default callback timeout
	defaultCallBackTimeout = 5 * time.Second
)

// NewNode wires a lobby node on top of a group transport.
func NewNode(trans model.Transport, transConfig model.TransportConfig, cfg *NodeConfig, logger *slog.Logger) (*Node, error) {
	if trans == nil {
		return nil, errors.New("new node, transport is nil")
	}
	if cfg == nil {
		return nil, errors.New("new node, config is nil")
	}
	if logger == nil {
		return nil, errors.New("new node, logger is nil")
	}
	if cfg.ID == "" {
		return nil, errors.New("new node, node id is required")
	}

	elect, err := election.NewElection(logger)
	if err != nil {
		return nil, err
	}
	coord, err := coordinator.NewCoordinator(cfg.ID, trans, elect, registry.New(), cfg.Nodes, logger)
	if err != nil {
		return nil, err
	}
	notifier, err := notify.NewClient(cfg.HTTPClient, cfg.NotifyTimeout, logger)
	if err != nil {
		return nil, err
	}
	service, err := lobby.NewService(coord, notifier, logger)
	if err != nil {
		return nil, err
	}
	server, err := api.NewServer(service, logger)
	if err != nil {
		return nil, err
	}

	group := cfg.Group
	if group == "" {
		group = defaultGroup
	}
	callBackTimeout := cfg.CallBackTimeout
	if callBackTimeout <= 0 {
		callBackTimeout = defaultCallBackTimeout
	}
	callBacks := cfg.CallBacks
	if callBacks == nil {
		callBacks = &RoleCallBacks{}
	}

	return &Node{
		cfg:             cfg,
		group:           group,
		transport:       trans,
		transConfig:     transConfig,
		election:        elect,
		coordinator:     coord,
		service:         service,
		server:          server,
		callBacks:       callBacks,
		callBackTimeout: callBackTimeout,
		errChan:         make(chan error, 10),
		done:            make(chan struct{}),
		logger:          logger.With("component", "node"),
	}, nil
}

// Node is one member of the lobby cluster
type Node struct {
	cfg   *NodeConfig
	group string

	transport   model.Transport
	transConfig model.TransportConfig
	election    *election.Election
	coordinator *coordinator.Coordinator
	service     *lobby.Service
	server      *api.Server

	// callBacks stores the callbacks to be triggered when the role changes
	callBacks       *RoleCallBacks
	callBackTimeout time.Duration
	// errChan is a channel for callback errors
	errChan chan error

	// done is closed when the coordinator loop returned
	done      chan struct{}
	// cancel stops the event loop context of a running node
	cancel    context.CancelFunc
	closeOnce sync.Once
	logger    *slog.Logger
}

// Run connects to the group and starts processing group events.
// It returns once the node joined; ctx bounds the lifetime of the event loop.
// When joining fails the event loop is stopped before Run returns.
func (n *Node) Run(ctx context.Context) error {
	err := n.transport.Connect(n.cfg.Host, n.cfg.Port, n.cfg.ID, n.transConfig)
	if err != nil {
		n.logger.Error("failed to connect to group transport", "error", err.Error())
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	// the event loop must be running before the first membership change arrives
	go func() {
		defer close(n.done)
		if err := n.coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error("coordinator stopped", "error", err.Error())
		}
	}()
	go n.handleStateTransition(ctx, n.election.Transitions())

	if err := n.transport.Join(n.group); err != nil {
		n.logger.Error("failed to join group", "group", n.group, "error", err.Error())
		cancel()
		<-n.done
		return err
	}
	n.cancel = cancel

	n.logger.Info("node started", "node", n.cfg.ID, "group", n.group)
	return nil
}

// Close leaves the group and waits for the event loop to drain.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.transport.Leave()
		if err != nil {
			n.logger.Warn("failed to leave group", "error", err.Error())
			return
		}
		<-n.done
		if n.cancel != nil {
			n.cancel()
		}
		n.logger.Info("node stopped", "node", n.cfg.ID)
	})
	return err
}

// Errors returns a receive-only channel of callback errors.
func (n *Node) Errors() <-chan error {
	return n.errChan
}

// Handler returns the HTTP handler of the lobby endpoints.
func (n *Node) Handler() http.Handler {
	return n.server.Handler()
}

func (n *Node) Service() *lobby.Service {
	return n.service
}

func (n *Node) Coordinator() *coordinator.Coordinator {
	return n.coordinator
}

// IsMaster reports whether this node is the master.
func (n *Node) IsMaster() bool {
	return n.coordinator.IsMaster()
}

// CurrentRole returns the election role of this node.
func (n *Node) CurrentRole() string {
	return n.coordinator.Role().String()
}

func (n *Node) sendError(err error) {
	select {
	case n.errChan <- err:
	default:
	}
}

func (n *Node) handleStateTransition(ctx context.Context, stateChan <-chan model.StateTransition) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case st := <-stateChan:
			n.logger.Debug("role transition", "type", st.Type.String(), "state", st.State, "src", st.SrcState, "master", st.MasterID)
			var err error
			switch st.Type {
			case model.TransitionTypeLeave:
				switch st.State {
				case model.NodeStateMaster:
					err = n.execStateHandler(n.callBacks.LeaveMaster, st)
				case model.NodeStateFollower:
					err = n.execStateHandler(n.callBacks.LeaveFollower, st)
				case model.NodeStateIsolated:
					err = n.execStateHandler(n.callBacks.LeaveIsolated, st)
				}
			case model.TransitionTypeEnter:
				switch st.State {
				case model.NodeStateMaster:
					err = n.execStateHandler(n.callBacks.EnterMaster, st)
				case model.NodeStateFollower:
					err = n.execStateHandler(n.callBacks.EnterFollower, st)
				case model.NodeStateIsolated:
					err = n.execStateHandler(n.callBacks.EnterIsolated, st)
				}
			}
			if err != nil {
				n.sendError(err)
			}
		}
	}
}

func (n *Node) execStateHandler(sh StateHandler, st model.StateTransition) error {
	if sh == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.callBackTimeout)
	defer cancel()

	if err := sh(ctx, st); err != nil {
		return fmt.Errorf("%s %s callback: %w", st.Type.String(), st.State, err)
	}
	return nil
}

// NodeConfig is the configuration of a lobby node.
type NodeConfig struct {
	// ID is the logical node id, the smallest id of the group is the master
	ID string
	// Group is the process group to join, defaults to "lobby"
	Group string
	// Host and Port are passed to the transport
	Host string
	Port int
	// Nodes maps every node id to the address of its HTTP endpoints, used for redirects
	Nodes map[string]string
	// NotifyTimeout bounds one start notification, defaults to 5s
	NotifyTimeout time.Duration
	// HTTPClient is used for start notifications
	HTTPClient *http.Client
	// CallBacks are called on role transitions
	CallBacks *RoleCallBacks
	// CallBackTimeout bounds one callback, defaults to 5s
	CallBackTimeout time.Duration
}

type StateHandler func(ctx context.Context, st model.StateTransition) error

// RoleCallBacks is a struct to hold role callbacks
type RoleCallBacks struct {
	// EnterMaster is called when this node becomes the master
	EnterMaster StateHandler
	// LeaveMaster is called when this node stops being the master
	LeaveMaster StateHandler
	// EnterFollower is called when this node starts following a master
	EnterFollower StateHandler
	// LeaveFollower is called when this node stops following
	LeaveFollower StateHandler
	// EnterIsolated is called when this node loses the group
	EnterIsolated StateHandler
	// LeaveIsolated is called when this node sees a group again
	LeaveIsolated StateHandler
}
