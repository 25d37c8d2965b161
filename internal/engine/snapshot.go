package engine

import "livesync/internal/telemetry"

// Snapshot is a point-in-time view of the group. It allocates a sequence
// when first retained and bounds how much value history is kept: captures
// are pruned only once every earlier snapshot has been released.
type Snapshot struct {
	lifecycle
	group    *Group
	sequence int64
	retired  bool
	updates  []*Update
}

func newSnapshot(g *Group) *Snapshot {
	s := &Snapshot{group: g}
	s.owner = s
	return s
}

func (s *Snapshot) retain() *Snapshot {
	s.lifecycle.retain()
	return s
}

// Sequence returns the sequence the snapshot reads at.
func (s *Snapshot) Sequence() int64 {
	return s.sequence
}

func (s *Snapshot) register() {
	g := s.group
	s.sequence = g.currentSequence
	g.currentSequence++
	g.snapshots = append(g.snapshots, s)
	telemetry.OutstandingSnapshots.Set(float64(len(g.snapshots)))
}

func (s *Snapshot) unregister() {
	g := s.group
	s.retired = true

	// history can only be dropped for a retired prefix of the list
	n := 0
	for n < len(g.snapshots) && g.snapshots[n].retired {
		n++
	}
	if n == 0 {
		return
	}
	prefix := g.snapshots[:n]
	g.snapshots = append([]*Snapshot(nil), g.snapshots[n:]...)
	for _, retired := range prefix {
		for _, u := range retired.updates {
			for key := range u.values {
				u.object.discardEarlierValues(key, retired.sequence)
			}
			u.object.versions.Prune(retired.sequence)
			u.release()
		}
		retired.updates = nil
	}
	telemetry.OutstandingSnapshots.Set(float64(len(g.snapshots)))
}

// addUpdate records an update actuated at this snapshot so its history can be
// pruned when the snapshot retires.
func (s *Snapshot) addUpdate(u *Update) {
	s.updates = append(s.updates, u.retain())
}
