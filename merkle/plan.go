package merkle

// Pair holds the local and remote tree of a topic.
type Pair struct {
	Local  *Tree
	Remote *Tree
}

// SyncPlan lists per topic which records to fetch from the remote and which
// to send to it. Topics without differences are absent.
type SyncPlan struct {
	Downloads map[string][][]byte
	Uploads   map[string][][]byte
}

// Empty returns whether nothing needs to be transferred.
func (p SyncPlan) Empty() bool {
	return len(p.Downloads) == 0 && len(p.Uploads) == 0
}

// Add adds the differences of a topic to the plan. Conflicting keys are both
// downloaded and uploaded, each side needs the other version to reconcile.
func (p *SyncPlan) Add(topic string, d Diff) {
	if p.Downloads == nil {
		p.Downloads = map[string][][]byte{}
	}
	if p.Uploads == nil {
		p.Uploads = map[string][][]byte{}
	}
	if down := mergeKeys(d.NeededBySelf, d.Conflicting); len(down) > 0 {
		p.Downloads[topic] = mergeKeys(p.Downloads[topic], down)
	}
	if up := mergeKeys(d.NeededByOther, d.Conflicting); len(up) > 0 {
		p.Uploads[topic] = mergeKeys(p.Uploads[topic], up)
	}
}

// CreateSyncPlan compares the trees of each topic and returns what to
// transfer. A topic missing a tree on one side is compared against an empty
// tree.
func CreateSyncPlan(topics map[string]Pair) SyncPlan {
	p := SyncPlan{Downloads: map[string][][]byte{}, Uploads: map[string][][]byte{}}
	for topic, pair := range topics {
		l, r := pair.Local, pair.Remote
		if l == nil {
			l = New(nil)
		}
		if r == nil {
			r = New(nil)
		}
		if l.Root() == r.Root() {
			continue
		}
		p.Add(topic, Compare(l, r))
	}
	return p
}

// Stats summarizes the trees of a set of topics.
type Stats struct {
	TotalItems   int
	ActiveTopics int // Topics with at least one item.
}

// TreeStats returns stats for the trees.
func TreeStats(trees map[string]*Tree) Stats {
	var s Stats
	for _, t := range trees {
		if t == nil || t.Len() == 0 {
			continue
		}
		s.TotalItems += t.Len()
		s.ActiveTopics++
	}
	return s
}
