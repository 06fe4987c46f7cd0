package transport

import (
	"context"
	"fmt"
	"time"
)

// Pool holds one Transport per compute node, indexed by node number.
type Pool struct {
	nodes []*Transport
}

// PoolConfig is the shared bastion/auth configuration plus the per-node
// addresses the pool dials.
type PoolConfig struct {
	BastionAddress    string
	BastionUser       string
	BastionSecondary  string
	KeyPath           string
	NodeAddresses     []string
	RemoteUser        string
	RemoteSecret      string
	ConnectTimeout    int // seconds
	ExecTimeout       int // seconds
	KeepaliveInterval int // seconds
	ReconnectBudget   int
}

// NewPool builds one Transport per configured node address. Connections
// are not established until the caller calls Connect.
func NewPool(cfg PoolConfig) (*Pool, error) {
	pool := &Pool{nodes: make([]*Transport, len(cfg.NodeAddresses))}
	for i, addr := range cfg.NodeAddresses {
		resolved, err := staticResolve(addr)
		if err != nil {
			return nil, err
		}
		pool.nodes[i] = New(Config{
			BastionAddress:    cfg.BastionAddress,
			BastionUser:       cfg.BastionUser,
			BastionSecondary:  cfg.BastionSecondary,
			KeyPath:           cfg.KeyPath,
			NodeAddress:       resolved,
			RemoteUser:        cfg.RemoteUser,
			RemoteSecret:      cfg.RemoteSecret,
			ConnectTimeout:    secondsToDuration(cfg.ConnectTimeout),
			ExecTimeout:       secondsToDuration(cfg.ExecTimeout),
			KeepaliveInterval: secondsToDuration(cfg.KeepaliveInterval),
			ReconnectBudget:   cfg.ReconnectBudget,
		})
	}
	return pool, nil
}

// Node returns the Transport for a given node index.
func (p *Pool) Node(index int) (*Transport, error) {
	if index < 0 || index >= len(p.nodes) {
		return nil, fmt.Errorf("node index %d out of range", index)
	}
	return p.nodes[index], nil
}

// ConnectAll connects every node in the pool, returning the first error
// but continuing to attempt the rest so one dead node doesn't block startup.
func (p *Pool) ConnectAll(ctx context.Context) error {
	var firstErr error
	for i, t := range p.nodes {
		if err := t.Connect(ctx); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("node %d: %w", i, err)
			}
		}
	}
	return firstErr
}

// CloseAll tears down every connection in the pool.
func (p *Pool) CloseAll() {
	for _, t := range p.nodes {
		t.Close()
	}
}

// Size returns the number of nodes in the pool.
func (p *Pool) Size() int { return len(p.nodes) }

func secondsToDuration(s int) (d time.Duration) {
	return time.Duration(s) * time.Second
}
