package node

import "context"

// Status is a point-in-time view of the node, served on /status.
type Status struct {
	Name       string           `json:"name"`
	Server     bool             `json:"server"`
	LockExempt bool             `json:"lock_exempt"`
	Peers      []PeerStatus     `json:"peers"`
	Registries []RegistryStatus `json:"registries"`
	Unmatched  []string         `json:"unmatched_mods,omitempty"`
}

// PeerStatus describes one connection.
type PeerStatus struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Identity   string `json:"identity,omitempty"`
	Verified   bool   `json:"verified"`
	Syncing    bool   `json:"syncing"`
	QueueDepth int    `json:"queue_depth"`
}

// RegistryStatus describes one registry.
type RegistryStatus struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	MinimumVersion string `json:"minimum_version"`
	Required       bool   `json:"required"`
	Locked         bool   `json:"locked"`
	SourceOfTruth  bool   `json:"source_of_truth"`
	Fields         int    `json:"fields"`
}

// Snapshot collects the status on the event loop.
func (n *Node) Snapshot(ctx context.Context) (*Status, error) {
	var st *Status
	if err := n.Do(ctx, func() { st = n.status() }); err != nil {
		return nil, err
	}
	return st, nil
}

func (n *Node) status() *Status {
	st := &Status{
		Name:       n.cfg.Name,
		Server:     n.cfg.Server,
		LockExempt: n.manager.LockExempt(),
		Peers:      make([]PeerStatus, 0, len(n.order)),
		Unmatched:  n.gate.Unmatched(),
	}
	for _, id := range n.order {
		p := n.peers[id]
		st.Peers = append(st.Peers, PeerStatus{
			ID:         id,
			Name:       p.conn.Name(),
			Identity:   p.conn.Identity(),
			Verified:   p.verified,
			Syncing:    p.syncing,
			QueueDepth: p.conn.QueueDepth(),
		})
	}
	for _, r := range n.manager.Registries() {
		st.Registries = append(st.Registries, RegistryStatus{
			Name:           r.Name(),
			Version:        r.CurrentVersion(),
			MinimumVersion: r.MinimumRequiredVersion(),
			Required:       r.ModRequired(),
			Locked:         r.IsLocked(),
			SourceOfTruth:  r.IsSourceOfTruth(),
			Fields:         len(r.Fields()),
		})
	}
	return st
}
