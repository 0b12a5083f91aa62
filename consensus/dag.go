package consensus

import (
	"github.com/gitzhang10/narwhal/primary"
	"github.com/gitzhang10/narwhal/types"
	"github.com/google/btree"
)

type roundEntry struct {
	round uint64
	certs map[string]*primary.Certificate // map from author to certificate
}

// Dag is the certificates known to consensus, indexed by round and by digest.
type Dag struct {
	rounds   *btree.BTreeG[*roundEntry]
	byDigest map[types.Digest]*primary.Certificate
}

func newDag() *Dag {
	return &Dag{
		rounds:   btree.NewG(16, func(a, b *roundEntry) bool { return a.round < b.round }),
		byDigest: make(map[types.Digest]*primary.Certificate),
	}
}

// insert adds c unless its slot is already taken.
func (d *Dag) insert(c *primary.Certificate) bool {
	entry, ok := d.rounds.Get(&roundEntry{round: c.Round()})
	if !ok {
		entry = &roundEntry{round: c.Round(), certs: make(map[string]*primary.Certificate)}
		d.rounds.ReplaceOrInsert(entry)
	}
	if _, ok := entry.certs[c.Origin()]; ok {
		return false
	}
	entry.certs[c.Origin()] = c
	d.byDigest[c.Digest()] = c
	return true
}

func (d *Dag) get(round uint64, author string) (*primary.Certificate, bool) {
	entry, ok := d.rounds.Get(&roundEntry{round: round})
	if !ok {
		return nil, false
	}
	c, ok := entry.certs[author]
	return c, ok
}

func (d *Dag) round(round uint64) map[string]*primary.Certificate {
	entry, ok := d.rounds.Get(&roundEntry{round: round})
	if !ok {
		return nil
	}
	return entry.certs
}

func (d *Dag) certificate(digest types.Digest) (*primary.Certificate, bool) {
	c, ok := d.byDigest[digest]
	return c, ok
}

func (d *Dag) maxRound() uint64 {
	entry, ok := d.rounds.Max()
	if !ok {
		return 0
	}
	return entry.round
}

func (d *Dag) len() int {
	return d.rounds.Len()
}

// pruneTo removes the rounds at or below round.
func (d *Dag) pruneTo(round uint64) {
	for {
		entry, ok := d.rounds.Min()
		if !ok || entry.round > round {
			return
		}
		d.rounds.DeleteMin()
		for _, c := range entry.certs {
			delete(d.byDigest, c.Digest())
		}
	}
}

// linked reports whether there is a path of parent links from from down to to.
func (d *Dag) linked(from, to *primary.Certificate) bool {
	target := to.Digest()
	frontier := []*primary.Certificate{from}
	for round := from.Round(); round > to.Round(); round-- {
		next := make(map[types.Digest]*primary.Certificate)
		for _, c := range frontier {
			for _, parent := range c.Header.Parents {
				if parent == target {
					return true
				}
				if p, ok := d.byDigest[parent]; ok {
					next[parent] = p
				}
			}
		}
		if len(next) == 0 {
			return false
		}
		frontier = frontier[:0]
		for _, c := range next {
			frontier = append(frontier, c)
		}
	}
	return false
}
