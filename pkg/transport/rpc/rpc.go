// Package rpc implements a networked group transport on top of net/rpc.
//
// Every node serves the MessagePack RPC codec and keeps a connection pool per configured peer.
// Membership is derived from a periodic probe of the static peer list: a peer is a member while
// it answers the probe for the same group. Broadcasts are a parallel fan-out to the members found
// by the last probe.
//
// This transport does NOT provide virtual synchrony: two nodes may observe a membership change
// and a concurrent broadcast in different orders, and a partition is seen as members leaving.
// The memory transport is the reference for the delivery order the coordinator expects.
package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"os"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/silenceper/pool"
	"github.com/ugorji/go/codec"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	wire "github.com/danl5/golobby/pkg/codec"
	"github.com/danl5/golobby/pkg/model"
	"github.com/danl5/golobby/pkg/transport/queue"
)

const (
	// initial capacity of the pool
	poolInitCap = 0
	// maximum number of idle connections in the pool
	poolMaxIdle = 5
	// maximum time a connection can be idle before being closed
	poolMaxIdleTime = 15
	// maximum number of connections in the pool
	poolMaxCap = 20
)

var (
	ErrNotConnected     = errors.New("transport is not connected")
	ErrAlreadyConnected = errors.New("transport is already connected")
	ErrNotJoined        = errors.New("transport has not joined a group")
	ErrAlreadyJoined    = errors.New("transport already joined a group")
	ErrBadCommand       = errors.New("bad command")
	ErrClosed           = errors.New("transport is closed")
)

func NewRPC(logger *slog.Logger) (*RPC, error) {
	if logger == nil {
		return nil, fmt.Errorf("new rpc, logger is nil")
	}

	rpc := &RPC{
		Server: Server{
			logger: logger.With("component", "rpc server"),
		},
		Client: Client{
			logger: logger.With("component", "rpc client"),
		},
		queue:  queue.New(),
		logger: logger.With("component", "rpc transport"),
	}

	return rpc, nil
}

type RPCHandler struct {
	CmdHandler model.CommandHandler
}

func (h *RPCHandler) Handle(request *model.Request, response *model.Response) error {
	return h.CmdHandler(request, response)
}

func (h *RPCHandler) Ping(_ struct{}, reply *string) error {
	*reply = "pong"
	return nil
}

// RPC is a group member reachable over net/rpc.
type RPC struct {
	Server
	Client

	queue  *queue.Queue
	logger *slog.Logger

	mu sync.Mutex
	// node is this node, Address is the rpc listen address
	node model.Node
	// name is the raw member name of this node
	name  string
	cfg   *Config
	group string
	// members maps the node id of every live member, self included, to its raw member name
	members map[string]string
	// stopProbe stops the probe loop, probeDone is closed when it returned
	stopProbe context.CancelFunc
	probeDone chan struct{}
	// closed is set by Leave, a closed transport cannot join again
	closed bool
}

var _ model.Transport = &RPC{}

// Connect starts the rpc server on host:port and prepares the peer connection pools.
func (r *RPC) Connect(host string, port int, nodeID string, config model.TransportConfig) error {
	cfg, ok := config.(*Config)
	if !ok {
		return errors.New("not a valid rpc transport config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if nodeID == "" {
		return errors.New("node id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.node.ID != "" {
		return ErrAlreadyConnected
	}

	listenAddress := net.JoinHostPort(host, strconv.Itoa(port))
	if err := r.Server.Start(listenAddress, r.handleRequest, cfg); err != nil {
		return err
	}

	var peers []*model.Node
	for id, addr := range cfg.Peers {
		if id == nodeID {
			// skip self
			continue
		}
		peers = append(peers, &model.Node{ID: id, Address: addr})
	}
	if err := r.Client.InitConnections(peers, cfg); err != nil {
		_ = r.Server.Stop()
		return err
	}

	r.node = model.Node{ID: nodeID, Address: r.Server.Address()}
	r.name = model.PrivateName(nodeID, host)
	r.cfg = cfg
	r.logger.Info("rpc transport connected", "node", nodeID, "address", r.node.Address, "peers", len(peers))
	return nil
}

// Join joins the group and starts probing the peers.
// The first view is published once the peers were probed, so it already holds every live member.
func (r *RPC) Join(group string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.node.ID == "" {
		r.mu.Unlock()
		return ErrNotConnected
	}
	if r.group != "" {
		r.mu.Unlock()
		return ErrAlreadyJoined
	}
	// peers probing this node see it as a member from now on
	r.group = group
	r.members = map[string]string{r.node.ID: r.name}
	header := r.buildHeaderLocked()
	r.mu.Unlock()

	alive := r.probePeers(context.Background(), group, header)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.group != group {
		return ErrClosed
	}
	for _, id := range sortedKeys(alive) {
		r.members[id] = r.memberNameLocked(model.Node{ID: id, Address: r.Client.PeerAddress(id)})
	}
	r.queue.Push(&model.MembershipChange{
		Members:      r.namesLocked(),
		CausedByJoin: true,
		Joined:       r.name,
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.stopProbe = cancel
	r.probeDone = make(chan struct{})
	go r.runProbe(ctx, r.cfg.probeInterval(), r.probeDone)

	r.logger.Info("joined group", "group", group, "member", r.name, "members", len(r.members))
	return nil
}

// Send fans msg out to every live peer. Per-peer failures are joined into the returned error.
func (r *RPC) Send(msg model.Message) error {
	r.mu.Lock()
	group := r.group
	targets := r.peerIDsLocked()
	header := r.buildHeaderLocked()
	r.mu.Unlock()
	if group == "" {
		return ErrNotJoined
	}

	env := model.NewEnvelope(msg, group, header.Node.ID)
	var (
		errsMu sync.Mutex
		errs   []error
	)
	g := errgroup.Group{}
	for _, peerID := range targets {
		peerID := peerID
		g.Go(func() error {
			resp := &model.Response{}
			err := r.Client.SendRequest(peerID, &model.Request{
				Header:      header,
				CommandCode: model.CommandDeliver,
				Command:     env,
			}, resp)
			if err == nil && !resp.Ok {
				err = fmt.Errorf("peer %s rejected message: %s", peerID, resp.Message)
			}
			if err != nil {
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("deliver to %s: %w", peerID, err))
				errsMu.Unlock()
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Error("broadcast incomplete", "kind", msg.Kind().String(), "id", env.ID, "error", err.Error())
	}
	return errors.Join(errs...)
}

func (r *RPC) Events() <-chan model.GroupEvent {
	return r.queue.Out()
}

// Leave tells the peers that this node leaves, emits an empty membership and closes the stream.
func (r *RPC) Leave() error {
	r.mu.Lock()
	if r.group == "" {
		r.mu.Unlock()
		return ErrNotJoined
	}
	targets := r.peerIDsLocked()
	header := r.buildHeaderLocked()
	r.group = ""
	r.members = nil
	r.closed = true
	stop, done := r.stopProbe, r.probeDone
	r.mu.Unlock()

	// nil while Join is still probing
	if stop != nil {
		stop()
		<-done
	}

	g := errgroup.Group{}
	for _, peerID := range targets {
		peerID := peerID
		g.Go(func() error {
			return r.Client.SendRequest(peerID, &model.Request{
				Header:      header,
				CommandCode: model.CommandLeave,
			}, &model.Response{})
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("failed to announce leave", "error", err.Error())
	}

	r.queue.Push(&model.MembershipChange{})
	r.queue.Close()
	r.Client.Close()
	if err := r.Server.Stop(); err != nil {
		r.logger.Warn("failed to stop rpc server", "error", err.Error())
	}
	r.logger.Info("left group", "member", r.name)
	return nil
}

func (r *RPC) Decode(raw any, target any) error {
	return Decode(raw, target)
}

// Decode decodes a msgpack generic value into target, target must be a non nil pointer.
func Decode(raw any, target any) error {
	decodeHook := func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if t.Kind() == reflect.String && f.Kind() == reflect.Slice {
			if bytes, ok := data.([]uint8); ok {
				return string(bytes), nil
			}
		}
		return data, nil
	}

	paramCheck := func(a any) bool {
		t := reflect.TypeOf(a)
		if t != nil && t.Kind() == reflect.Ptr {
			return !reflect.ValueOf(a).IsNil()
		}

		return false
	}

	if !paramCheck(target) {
		return fmt.Errorf("wrong receiver for decode")
	}

	decoderConfig := &mapstructure.DecoderConfig{
		DecodeHook: decodeHook,
		Result:     target,
	}

	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

func (r *RPC) handleRequest(request *model.Request, response *model.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	response.Header = r.buildHeaderLocked()

	switch request.CommandCode {
	case model.CommandDeliver:
		env := model.Envelope{}
		if err := r.Decode(request.Command, &env); err != nil {
			r.logger.Error("failed to decode envelope", "peer", request.Node.ID, "error", err.Error())
			return ErrBadCommand
		}
		if r.group == "" || env.Group != r.group {
			response.Message = fmt.Sprintf("not a member of group %q", env.Group)
			return nil
		}
		r.queue.Push(&model.Delivery{Sender: r.memberNameLocked(request.Node), Envelope: env})
		response.Ok = true
		r.logger.Debug("message delivered", "peer", request.Node.ID, "kind", env.Kind.String(), "id", env.ID)
		return nil
	case model.CommandLeave:
		if _, ok := r.members[request.Node.ID]; ok && r.group != "" {
			delete(r.members, request.Node.ID)
			r.queue.Push(&model.MembershipChange{Members: r.namesLocked()})
			r.logger.Info("peer left", "peer", request.Node.ID)
		}
		response.Ok = true
		return nil
	case model.CommandProbe:
		group, _ := request.Command.(string)
		response.Ok = r.group != "" && group == r.group
		return nil
	default:
		return fmt.Errorf("%w: code %d", ErrBadCommand, request.CommandCode)
	}
}

func (r *RPC) runProbe(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probe(ctx)
		}
	}
}

// probe asks every configured peer for its membership and publishes the difference.
func (r *RPC) probe(ctx context.Context) {
	r.mu.Lock()
	group := r.group
	header := r.buildHeaderLocked()
	r.mu.Unlock()
	if group == "" {
		return
	}

	alive := r.probePeers(ctx, group, header)
	if ctx.Err() != nil {
		return
	}
	r.applyProbe(alive)
}

// probePeers returns the ids of the peers that are members of group.
func (r *RPC) probePeers(ctx context.Context, group string, header model.Header) map[string]bool {
	var (
		aliveMu sync.Mutex
		alive   = map[string]bool{}
	)
	g := errgroup.Group{}
	for _, peerID := range r.Client.Peers() {
		peerID := peerID
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			resp := &model.Response{}
			err := r.Client.SendRequest(peerID, &model.Request{
				Header:      header,
				CommandCode: model.CommandProbe,
				Command:     group,
			}, resp)
			if err != nil {
				return fmt.Errorf("probe %s: %w", peerID, err)
			}
			if !resp.Ok {
				return nil
			}
			aliveMu.Lock()
			alive[peerID] = true
			aliveMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Debug("probe incomplete", "error", err.Error())
	}
	return alive
}

// applyProbe emits one view per lost member, then one join view per new member.
func (r *RPC) applyProbe(alive map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.group == "" {
		return
	}

	var lost, found []string
	for id := range r.members {
		if id != r.node.ID && !alive[id] {
			lost = append(lost, id)
		}
	}
	for _, id := range sortedKeys(alive) {
		if _, ok := r.members[id]; !ok {
			found = append(found, id)
		}
	}
	slices.Sort(lost)

	for _, id := range lost {
		delete(r.members, id)
		r.queue.Push(&model.MembershipChange{Members: r.namesLocked()})
		r.logger.Info("member lost", "member", id)
	}
	for _, id := range found {
		name := r.memberNameLocked(model.Node{ID: id, Address: r.Client.PeerAddress(id)})
		r.members[id] = name
		r.queue.Push(&model.MembershipChange{
			Members:      r.namesLocked(),
			CausedByJoin: true,
			Joined:       name,
		})
		r.logger.Info("member joined", "member", id)
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (r *RPC) namesLocked() []string {
	names := make([]string, 0, len(r.members))
	for _, name := range r.members {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *RPC) peerIDsLocked() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		if id != r.node.ID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func (r *RPC) memberNameLocked(node model.Node) string {
	if name, ok := r.members[node.ID]; ok {
		return name
	}
	host, _, err := net.SplitHostPort(node.Address)
	if err != nil {
		host = node.Address
	}
	return model.PrivateName(node.ID, host)
}

func (r *RPC) buildHeaderLocked() model.Header {
	return model.Header{Node: r.node}
}

type Server struct {
	rpcHandler *RPCHandler
	listener   net.Listener
	logger     *slog.Logger
}

// Start initiates the server to begin listening on the specified address.
func (s *Server) Start(listenAddress string, handler model.CommandHandler, serverConfig model.TransportConfig) error {
	cfg, ok := serverConfig.(*Config)
	if !ok {
		return errors.New("not a valid rpc server config")
	}

	err := cfg.Validate()
	if err != nil {
		return err
	}

	s.rpcHandler = &RPCHandler{
		CmdHandler: handler,
	}

	err = s.startServer(listenAddress, s.rpcHandler, cfg)
	if err != nil {
		s.logger.Error("failed to start rpc server", "error", err.Error())
		return err
	}

	s.logger.Info("rpc server started", "listenAddress", s.Address())
	return nil
}

// Address returns the bound listen address.
func (s *Server) Address() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener, open connections are served until the peers close them.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) startServer(listenAddress string, handler *RPCHandler, cfg *Config) error {
	tlsConfig, err := s.loadTLSConfig(cfg)
	if err != nil {
		return err
	}

	rpcServer := rpc.NewServer()
	err = rpcServer.Register(handler)
	if err != nil {
		return err
	}

	var l net.Listener
	if tlsConfig != nil {
		l, err = tls.Listen("tcp", listenAddress, tlsConfig)
		if err != nil {
			return err
		}
	} else {
		l, err = net.Listen("tcp", listenAddress)
		if err != nil {
			return err
		}
	}
	s.listener = l

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					s.logger.Info("rpc server stopped")
					return
				}
				s.logger.Error("failed to accept rpc connection", "error", err.Error())
				continue
			}

			rpcCodec := codec.MsgpackSpecRpc.ServerCodec(conn, wire.Handle())
			go rpcServer.ServeCodec(rpcCodec)
		}
	}()
	return nil
}

func (s *Server) loadTLSConfig(cfg *Config) (*tls.Config, error) {
	// if no TLS config is provided, return nil
	if cfg.ServerCert == "" || cfg.ServerKey == "" {
		return nil, nil
	}

	config := &tls.Config{}
	cert, err := tls.LoadX509KeyPair(cfg.ServerCert, cfg.ServerKey)
	if err != nil {
		return nil, err
	}
	config.Certificates = []tls.Certificate{cert}

	caCertPool, err := loadCertPool(cfg.ServerCAs)
	if err != nil {
		return nil, err
	}
	config.ClientCAs = caCertPool
	config.ClientAuth = tls.RequireAndVerifyClientCert
	if cfg.ServerSkipVerify {
		config.ClientAuth = tls.NoClientCert
	}

	return config, nil
}

type Client struct {
	// node id to client
	// string -> pool.Pool
	clients sync.Map
	// node id to rpc address
	addresses sync.Map
	timeout   time.Duration

	logger *slog.Logger
}

// InitConnections initializes a set of connection pools to the given nodes.
// Pools dial lazily, an unreachable node is not an error here.
func (c *Client) InitConnections(nodes []*model.Node, cfg model.TransportConfig) error {
	clientCfg, ok := cfg.(*Config)
	if !ok {
		return errors.New("not a valid rpc client config")
	}
	c.timeout = clientCfg.connectTimeout()

	for _, node := range nodes {
		p, err := c.createClient(*node, clientCfg)
		if err != nil {
			c.logger.Error("error connecting to node", "node", node.ID)
			return err
		}
		c.clients.Store(node.ID, p)
		c.addresses.Store(node.ID, node.Address)
	}
	return nil
}

// Peers returns the sorted ids of the nodes with a connection pool.
func (c *Client) Peers() []string {
	var ids []string
	c.clients.Range(func(key, _ any) bool {
		ids = append(ids, key.(string))
		return true
	})
	slices.Sort(ids)
	return ids
}

// PeerAddress returns the rpc address of a peer.
func (c *Client) PeerAddress(nodeId string) string {
	addr, ok := c.addresses.Load(nodeId)
	if !ok {
		return ""
	}
	return addr.(string)
}

// SendRequest sends the command request
func (c *Client) SendRequest(nodeId string, request *model.Request, response *model.Response) error {
	err := c.call(nodeId, "RPCHandler.Handle", request, response)
	if err != nil {
		return fmt.Errorf("failed to call rpc handler: %w", err)
	}

	c.logger.Debug("send rpc request", "command", request.CommandCode.String(), "to", nodeId)
	return nil
}

// Close releases every connection pool.
func (c *Client) Close() {
	c.clients.Range(func(key, value any) bool {
		value.(pool.Pool).Release()
		c.clients.Delete(key)
		return true
	})
}

func (c *Client) call(nodeId string, method string, args any, reply any) error {
	rpcClient, err := c.getClient(nodeId)
	if err != nil {
		return err
	}

	call := rpcClient.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		err = call.Error
	case <-time.After(c.timeout):
		err = fmt.Errorf("call %s to node %s timed out after %s", method, nodeId, c.timeout)
	}
	if err != nil {
		// the connection state is unknown, drop it
		c.closeClient(nodeId, rpcClient)
		return err
	}

	if err := c.putClient(nodeId, rpcClient); err != nil {
		c.logger.Error("failed to put rpc client back to pool", "error", err.Error())
	}
	return nil
}

func (c *Client) createClient(node model.Node, cfg *Config) (pool.Pool, error) {
	poolConfig := &pool.Config{
		InitialCap:  poolInitCap,
		MaxIdle:     poolMaxIdle,
		MaxCap:      poolMaxCap,
		IdleTimeout: poolMaxIdleTime * time.Second,
		Factory: func() (interface{}, error) {
			tlsConfig, err := c.loadTLSConfig(cfg)
			if err != nil {
				return nil, err
			}
			var conn net.Conn
			dialer := &net.Dialer{
				Timeout: cfg.connectTimeout(),
			}
			if tlsConfig != nil {
				conn, err = tls.DialWithDialer(dialer, "tcp", node.Address, tlsConfig)
				if err != nil {
					return nil, err
				}
			} else {
				conn, err = dialer.Dial("tcp", node.Address)
				if err != nil {
					return nil, err
				}
			}

			rpcCodec := codec.MsgpackSpecRpc.ClientCodec(conn, wire.Handle())
			return rpc.NewClientWithCodec(rpcCodec), nil
		},
		Close: func(v interface{}) error { return v.(*rpc.Client).Close() },
		Ping: func(v interface{}) error {
			var reply string
			return v.(*rpc.Client).Call("RPCHandler.Ping", struct{}{}, &reply)
		},
	}
	p, err := pool.NewChannelPool(poolConfig)
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (c *Client) getClient(nodeId string) (*rpc.Client, error) {
	clientPoolInf, ok := c.clients.Load(nodeId)
	if !ok {
		return nil, fmt.Errorf("no client pool found for node %s", nodeId)
	}
	clientPool := clientPoolInf.(pool.Pool)
	conn, err := clientPool.Get()
	if err != nil {
		return nil, fmt.Errorf("can not get client from pool for node %s: %s", nodeId, err.Error())
	}

	return conn.(*rpc.Client), nil
}

func (c *Client) putClient(nodeId string, client *rpc.Client) error {
	clientPoolInf, ok := c.clients.Load(nodeId)
	if !ok {
		return client.Close()
	}
	clientPool := clientPoolInf.(pool.Pool)
	err := clientPool.Put(client)
	if err != nil {
		return fmt.Errorf("failed to put client back to pool for node %s: %s", nodeId, err.Error())
	}

	return nil
}

func (c *Client) closeClient(nodeId string, client *rpc.Client) {
	clientPoolInf, ok := c.clients.Load(nodeId)
	if !ok {
		_ = client.Close()
		return
	}
	if err := clientPoolInf.(pool.Pool).Close(client); err != nil {
		c.logger.Debug("failed to close rpc client", "node", nodeId, "error", err.Error())
	}
}

func (c *Client) loadTLSConfig(cfg *Config) (*tls.Config, error) {
	// if no TLS config is provided, return nil
	if cfg.ClientCert == "" || cfg.ClientKey == "" {
		return nil, nil
	}

	config := &tls.Config{}
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, err
	}
	config.Certificates = []tls.Certificate{cert}

	caCertPool, err := loadCertPool(cfg.ClientCAs)
	if err != nil {
		return nil, err
	}
	config.RootCAs = caCertPool
	config.InsecureSkipVerify = cfg.ClientSkipVerify

	return config, nil
}

func loadCertPool(files []string) (*x509.CertPool, error) {
	caCertPool := x509.NewCertPool()
	for _, file := range files {
		caCert, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
			return nil, fmt.Errorf("no certificate found in %s", file)
		}
	}
	return caCertPool, nil
}
