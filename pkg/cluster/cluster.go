// Package cluster implements master election among warden manager
// nodes (hashicorp/raft, grounded on the teacher's pkg/manager) and the
// worker-to-master enrollment forwarding RPC (pkg/cluster/rpc.go,
// grounded on the teacher's mTLS dial/listen plumbing in
// pkg/worker/worker.go, with JSON replacing generated protobuf — see
// DESIGN.md).
package cluster

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/warden/pkg/metrics"
)

// Config configures a manager node's participation in master election.
type Config struct {
	NodeID   string
	BindAddr string // raft transport address
	DataDir  string
}

// Cluster wraps the raft instance that decides which manager node is
// master. Standalone deployments never construct one; worker nodes
// never construct one either — they only dial the master via rpc.go.
type Cluster struct {
	cfg  Config
	raft *raft.Raft
	fsm  *membershipFSM
}

// New constructs a Cluster without starting raft. Call Bootstrap for
// the first node in a cluster, or Join for every subsequent one.
func New(cfg Config) *Cluster {
	return &Cluster{cfg: cfg, fsm: newMembershipFSM()}
}

func (c *Cluster) newRaft() (*raft.Raft, *raft.NetworkTransport, error) {
	if err := os.MkdirAll(c.cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("cluster: create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(c.cfg.NodeID)
	// Tuned for LAN/edge failover rather than raft's WAN-conservative
	// defaults, matching the teacher's manager bootstrap.
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: new transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(c.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: new snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: new log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: new stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, c.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("cluster: new raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap starts a brand new single-node cluster with this node as
// the only voter. Call once, on the first manager.
func (c *Cluster) Bootstrap() error {
	r, transport, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(c.cfg.NodeID), Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: bootstrap: %w", err)
	}
	return nil
}

// Join starts the local raft instance without bootstrapping a
// configuration. It does not add this node to the cluster: that takes
// an AddVoter call on the current master, and the cluster RPC in
// rpc.go carries only enrollment forwarding, not AddVoter.
func (c *Cluster) Join() error {
	r, _, err := c.newRaft()
	if err != nil {
		return err
	}
	c.raft = r
	return nil
}

// AddVoter adds a new manager to the raft configuration. Only the
// master may call this successfully.
func (c *Cluster) AddVoter(nodeID, addr string) error {
	if !c.IsMaster() {
		return fmt.Errorf("cluster: not master, current leader is %s", c.LeaderAddr())
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer removes a manager from the raft configuration.
func (c *Cluster) RemoveServer(nodeID string) error {
	if !c.IsMaster() {
		return fmt.Errorf("cluster: not master")
	}
	future := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	return future.Error()
}

// IsMaster reports whether this node currently holds raft leadership.
// Updates metrics.ClusterIsMaster as a side effect, so the gauge is
// current as of the last call; its only callers are AddVoter and
// RemoveServer, and nothing polls it.
func (c *Cluster) IsMaster() bool {
	if c.raft == nil {
		return false
	}
	isMaster := c.raft.State() == raft.Leader
	if isMaster {
		metrics.ClusterIsMaster.Set(1)
	} else {
		metrics.ClusterIsMaster.Set(0)
	}
	return isMaster
}

// LeaderAddr returns the raft transport address of the current leader,
// or "" if none is known.
func (c *Cluster) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	addr, _ := c.raft.LeaderWithID()
	return string(addr)
}

// Shutdown stops the raft instance.
func (c *Cluster) Shutdown() error {
	if c.raft == nil {
		return nil
	}
	if err := c.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("cluster: shutdown: %w", err)
	}
	return nil
}
