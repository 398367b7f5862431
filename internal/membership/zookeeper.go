package membership

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/devrev/distcache/internal/model"
	"github.com/samuel/go-zookeeper/zk"
	"go.uber.org/zap"
)

// ZooKeeperConfig holds ZooKeeper connection settings
type ZooKeeperConfig struct {
	Servers        []string
	Root           string
	SessionTimeout time.Duration
}

// ZooKeeperSource registers an ephemeral znode per member under Root and
// watches its children. The view id is the children version of Root, which
// every member observes identically. The znode is registered again when the
// session expires and a new one is established.
type ZooKeeperSource struct {
	config  ZooKeeperConfig
	self    model.Address
	conn    *zk.Conn
	tracker *tracker
	logger  *zap.Logger

	// retryInterval spaces failed re-registrations
	retryInterval time.Duration

	stopOnce    sync.Once
	stopCh      chan struct{}
	done        chan struct{}
	sessionDone chan struct{}
}

// NewZooKeeperSource creates a source for self
func NewZooKeeperSource(cfg ZooKeeperConfig, self model.Address, logger *zap.Logger) *ZooKeeperSource {
	if cfg.Root == "" {
		cfg.Root = "/distcache/members"
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 3 * time.Second
	}
	return &ZooKeeperSource{
		config:  cfg,
		self:    self,
		tracker: newTracker(logger),
		logger:  logger,

		retryInterval: time.Second,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		sessionDone:   make(chan struct{}),
	}
}

// Start connects, registers self and starts the watch loop
func (z *ZooKeeperSource) Start(ctx context.Context, handler ViewHandler) error {
	z.tracker.setHandler(handler)

	conn, events, err := zk.Connect(z.config.Servers, z.config.SessionTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	conn.SetLogger(&zkLogger{logger: z.logger})
	z.conn = conn
	fail := func(err error) error {
		conn.Close()
		z.conn = nil
		return err
	}

	if err := ensurePathRecursive(conn, z.config.Root); err != nil {
		return fail(fmt.Errorf("failed to create %s: %w", z.config.Root, err))
	}

	// the cluster as it was before this member joined, so the first view
	// that contains self carries the members it joins
	children, stat, err := conn.Children(z.config.Root)
	if err != nil {
		return fail(fmt.Errorf("failed to list %s: %w", z.config.Root, err))
	}
	if others := withoutAddress(membersFromChildren(children), z.self); len(others) > 0 {
		z.tracker.update(others, int(stat.Cversion))
	}

	if err := z.register(); err != nil {
		return fail(err)
	}
	z.logger.Info("Registered in zookeeper",
		zap.String("path", memberPath(z.config.Root, z.self)),
		zap.Strings("servers", z.config.Servers))

	go z.watch()
	go func() {
		defer close(z.sessionDone)
		z.followSession(events, z.register)
	}()
	return nil
}

// register creates the ephemeral member node. A node left behind by an
// earlier session of this member is replaced.
func (z *ZooKeeperSource) register() error {
	node := memberPath(z.config.Root, z.self)
	for attempt := 0; attempt < 2; attempt++ {
		_, err := z.conn.Create(node, []byte(z.self), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
		if err == nil {
			return nil
		}
		if err != zk.ErrNodeExists {
			return fmt.Errorf("failed to register %s: %w", node, err)
		}

		_, stat, err := z.conn.Get(node)
		if err == zk.ErrNoNode {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", node, err)
		}
		if stat.EphemeralOwner == z.conn.SessionID() {
			return nil
		}
		if err := z.conn.Delete(node, stat.Version); err != nil && err != zk.ErrNoNode {
			return fmt.Errorf("failed to replace stale %s: %w", node, err)
		}
	}
	return fmt.Errorf("failed to register %s: node keeps reappearing", node)
}

// followSession registers the member node again once a session that
// expired has been replaced. Failed attempts are retried every
// retryInterval until they succeed or the source stops.
func (z *ZooKeeperSource) followSession(events <-chan zk.Event, register func() error) {
	expired := false
	var retry <-chan time.Time
	for {
		select {
		case <-z.stopCh:
			return
		case <-retry:
			retry = nil
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.State {
			case zk.StateExpired:
				expired = true
				z.logger.Warn("ZooKeeper session expired, member node was dropped")
				continue
			case zk.StateHasSession:
			default:
				continue
			}
		}

		if !expired {
			continue
		}
		if err := register(); err != nil {
			z.logger.Error("Failed to register again after session expiry", zap.Error(err))
			retry = time.After(z.retryInterval)
			continue
		}
		expired = false
		retry = nil
		z.logger.Info("Registered again after session expiry",
			zap.String("path", memberPath(z.config.Root, z.self)))
	}
}

func (z *ZooKeeperSource) watch() {
	defer close(z.done)
	for {
		children, stat, eventCh, err := z.conn.ChildrenW(z.config.Root)
		if err != nil {
			z.logger.Error("Failed to watch members", zap.Error(err))
			select {
			case <-z.stopCh:
				return
			case <-time.After(time.Second):
				continue
			}
		}
		z.tracker.update(membersFromChildren(children), int(stat.Cversion))

		select {
		case <-z.stopCh:
			return
		case ev := <-eventCh:
			if ev.Err != nil {
				z.logger.Warn("Member watch event failed", zap.Error(ev.Err))
			}
		}
	}
}

// Members returns the latest sorted member list
func (z *ZooKeeperSource) Members() []model.Address {
	return z.tracker.current()
}

// Stop ends the watch loop and closes the session, which removes the
// ephemeral member node.
func (z *ZooKeeperSource) Stop() error {
	z.stopOnce.Do(func() {
		close(z.stopCh)
		if z.conn != nil {
			<-z.done
			<-z.sessionDone
			z.conn.Close()
		}
	})
	return nil
}

func memberPath(root string, addr model.Address) string {
	return path.Join(root, addr.String())
}

func membersFromChildren(children []string) []model.Address {
	members := make([]model.Address, 0, len(children))
	for _, c := range children {
		if c = strings.TrimSpace(c); c != "" {
			members = append(members, model.Address(c))
		}
	}
	return model.SortAddresses(members)
}

func withoutAddress(members []model.Address, addr model.Address) []model.Address {
	out := make([]model.Address, 0, len(members))
	for _, a := range members {
		if a != addr {
			out = append(out, a)
		}
	}
	return out
}

func ensurePathRecursive(conn *zk.Conn, p string) error {
	cp := "/"
	for _, d := range strings.Split(p, "/") {
		if d == "" {
			continue
		}
		cp = path.Join(cp, d)
		exists, _, err := conn.Exists(cp)
		if err != nil {
			return err
		}
		if !exists {
			_, err = conn.Create(cp, []byte(""), 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

type zkLogger struct {
	logger *zap.Logger
}

func (l *zkLogger) Printf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
