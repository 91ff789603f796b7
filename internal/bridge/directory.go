package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bdobrica/meshbridge/internal/store"
)

// NodeStore is the persistence surface of the name directory.
type NodeStore interface {
	UpsertNode(ctx context.Context, node store.Node) error
	LoadNodes(ctx context.Context) ([]store.Node, error)
}

type nodeNames struct {
	short string
	long  string
}

// Directory maps node ids to the names learned from NODEINFO broadcasts.
// Lookups are served from memory; every update is written through to the
// store so names survive restarts.
type Directory struct {
	mu    sync.RWMutex
	names map[string]nodeNames
	store NodeStore
}

// NewDirectory builds an empty directory. st may be nil in tests.
func NewDirectory(st NodeStore) *Directory {
	return &Directory{
		names: make(map[string]nodeNames),
		store: st,
	}
}

// Load rehydrates the directory from the store.
func (d *Directory) Load(ctx context.Context) error {
	if d.store == nil {
		return nil
	}
	nodes, err := d.store.LoadNodes(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, n := range nodes {
		d.names[n.ID] = nodeNames{short: n.ShortName, long: n.LongName}
	}
	d.mu.Unlock()
	slog.Debug("node directory loaded", "nodes", len(nodes))
	return nil
}

// Upsert records a node's names. Empty incoming names keep whatever is
// already known.
func (d *Directory) Upsert(ctx context.Context, nodeID, shortName, longName string) {
	if nodeID == "" || (shortName == "" && longName == "") {
		return
	}

	d.mu.Lock()
	current := d.names[nodeID]
	if shortName != "" {
		current.short = shortName
	}
	if longName != "" {
		current.long = longName
	}
	d.names[nodeID] = current
	d.mu.Unlock()

	if d.store != nil {
		if err := d.store.UpsertNode(ctx, store.Node{ID: nodeID, ShortName: shortName, LongName: longName}); err != nil {
			slog.Warn("failed to persist node name", "node", nodeID, "err", err)
		}
	}
}

// DisplayName resolves a node id to its short name, falling back to the long
// name and finally to "Node" plus the raw id.
func (d *Directory) DisplayName(nodeID string) string {
	d.mu.RLock()
	names, ok := d.names[nodeID]
	d.mu.RUnlock()
	if ok {
		if names.short != "" {
			return names.short
		}
		if names.long != "" {
			return names.long
		}
	}
	return "Node" + nodeID
}
