package membership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/distcache/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	NodeID         string
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	LeaveTimeout   time.Duration
}

// GossipSource discovers members through memberlist. Each node advertises its
// cache address as node metadata.
type GossipSource struct {
	config     GossipConfig
	self       model.Address
	memberlist *memberlist.Memberlist
	tracker    *tracker
	logger     *zap.Logger

	mu    sync.Mutex
	nodes map[string]model.Address
	// joining holds views back until the seed nodes were contacted
	joining bool
}

// NewGossipSource creates a gossip source advertising self
func NewGossipSource(cfg GossipConfig, self model.Address, logger *zap.Logger) *GossipSource {
	if cfg.NodeID == "" {
		cfg.NodeID = self.String()
	}
	return &GossipSource{
		config:  cfg,
		self:    self,
		tracker: newTracker(logger),
		logger:  logger,
		nodes:   make(map[string]model.Address),
	}
}

// Start creates the memberlist and joins the seed nodes
func (g *GossipSource) Start(ctx context.Context, handler ViewHandler) error {
	g.tracker.setHandler(handler)

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = g.config.NodeID
	if g.config.BindAddr != "" {
		mlConfig.BindAddr = g.config.BindAddr
		mlConfig.AdvertiseAddr = g.config.BindAddr
	}
	mlConfig.BindPort = g.config.BindPort
	mlConfig.AdvertisePort = g.config.BindPort
	if g.config.GossipInterval > 0 {
		mlConfig.GossipInterval = g.config.GossipInterval
	}
	if g.config.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = g.config.ProbeTimeout
	}
	if g.config.ProbeInterval > 0 {
		mlConfig.ProbeInterval = g.config.ProbeInterval
	}
	mlConfig.Delegate = &gossipDelegate{source: g}
	mlConfig.Events = &gossipEventDelegate{source: g}
	mlConfig.LogOutput = zap.NewStdLog(g.logger).Writer()

	g.mu.Lock()
	g.joining = true
	g.mu.Unlock()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.mu.Lock()
	g.memberlist = ml
	g.mu.Unlock()

	if len(g.config.SeedNodes) > 0 {
		n, err := ml.Join(g.config.SeedNodes)
		if err != nil {
			g.logger.Warn("Failed to join some seed nodes",
				zap.Error(err),
				zap.Int("joined", n))
		} else {
			g.logger.Info("Joined cluster",
				zap.Int("nodes_contacted", n))
		}
	}

	g.deliverJoinedViews()

	g.logger.Info("Gossip source started",
		zap.String("node_id", g.config.NodeID),
		zap.String("address", g.self.String()),
		zap.Uint16("bind_port", ml.LocalNode().Port))
	return nil
}

// Members returns the latest sorted member list
func (g *GossipSource) Members() []model.Address {
	return g.tracker.current()
}

// LocalPort returns the bound gossip port
func (g *GossipSource) LocalPort() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.memberlist == nil {
		return 0
	}
	return int(g.memberlist.LocalNode().Port)
}

// Stop leaves the cluster and shuts down memberlist
func (g *GossipSource) Stop() error {
	g.mu.Lock()
	ml := g.memberlist
	g.memberlist = nil
	g.mu.Unlock()
	if ml == nil {
		return nil
	}

	timeout := g.config.LeaveTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := ml.Leave(timeout); err != nil {
		g.logger.Warn("Failed to leave cluster gracefully", zap.Error(err))
	}
	return ml.Shutdown()
}

// deliverJoinedViews ends the join. The cluster without self comes first so
// the view adding self names the members it joined.
func (g *GossipSource) deliverJoinedViews() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.joining = false

	members := g.membersLocked()
	others := make([]model.Address, 0, len(members))
	for _, a := range members {
		if a != g.self {
			others = append(others, a)
		}
	}
	if len(others) > 0 {
		g.tracker.update(others, 0)
	}
	g.tracker.update(members, 0)
}

// nodeJoined and nodeLeft run inside memberlist callbacks, so they never call
// back into memberlist.
func (g *GossipSource) nodeJoined(node *memberlist.Node) {
	addr := model.Address(node.Meta)
	if addr == "" {
		addr = model.Address(node.Name)
	}
	g.mu.Lock()
	g.nodes[node.Name] = addr
	members, joining := g.membersLocked(), g.joining
	g.mu.Unlock()
	if !joining {
		g.tracker.update(members, 0)
	}
}

func (g *GossipSource) nodeLeft(node *memberlist.Node) {
	g.mu.Lock()
	delete(g.nodes, node.Name)
	members, joining := g.membersLocked(), g.joining
	g.mu.Unlock()
	if !joining {
		g.tracker.update(members, 0)
	}
}

func (g *GossipSource) membersLocked() []model.Address {
	members := make([]model.Address, 0, len(g.nodes))
	for _, addr := range g.nodes {
		members = append(members, addr)
	}
	return members
}

type gossipDelegate struct {
	source *GossipSource
}

// NodeMeta advertises the cache address
func (d *gossipDelegate) NodeMeta(limit int) []byte {
	meta := []byte(d.source.self)
	if len(meta) > limit {
		return meta[:limit]
	}
	return meta
}

func (d *gossipDelegate) NotifyMsg([]byte)                           {}
func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *gossipDelegate) LocalState(join bool) []byte                { return nil }
func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool)     {}

type gossipEventDelegate struct {
	source *GossipSource
}

func (e *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	e.source.logger.Info("Node joined", zap.String("node", node.Name))
	e.source.nodeJoined(node)
}

func (e *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	e.source.logger.Info("Node left", zap.String("node", node.Name))
	e.source.nodeLeft(node)
}

func (e *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	e.source.nodeJoined(node)
}
