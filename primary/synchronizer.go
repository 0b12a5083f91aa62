package primary

import (
	"context"

	"github.com/gitzhang10/narwhal/store"
	"github.com/gitzhang10/narwhal/types"
)

type waiterKind uint8

const (
	syncBatches waiterKind = iota
	syncParents
)

// waiterMsg asks the header waiter to fetch what header misses.
type waiterMsg struct {
	kind    waiterKind
	header  *Header
	batches map[types.Digest]types.WorkerID // for syncBatches
	parents []types.Digest                  // for syncParents
}

// Synchronizer checks whether the dependencies of headers and certificates are in the store,
// and hands what cannot be processed yet to the waiters.
type Synchronizer struct {
	name                string
	store               *store.Store
	genesis             map[types.Digest]*Certificate
	txHeaderWaiter      chan<- waiterMsg
	txCertificateWaiter chan<- *Certificate
}

func newSynchronizer(name string, st *store.Store, genesis []*Certificate, txHeaderWaiter chan<- waiterMsg,
	txCertificateWaiter chan<- *Certificate) *Synchronizer {
	s := &Synchronizer{
		name:                name,
		store:               st,
		genesis:             make(map[types.Digest]*Certificate, len(genesis)),
		txHeaderWaiter:      txHeaderWaiter,
		txCertificateWaiter: txCertificateWaiter,
	}
	for _, c := range genesis {
		s.genesis[c.Digest()] = c
	}
	return s
}

// MissingPayload reports whether some batches of header are not stored by our workers yet.
// If so, the header waiter is told to fetch them.
func (s *Synchronizer) MissingPayload(ctx context.Context, header *Header) (bool, error) {
	// our own payload was stored by our workers before it reached the proposer
	if header.Author == s.name {
		return false, nil
	}

	missing := make(map[types.Digest]types.WorkerID)
	for _, p := range header.Payload {
		data, err := s.store.Read(payloadKey(p.Digest, p.WorkerID))
		if err != nil {
			return false, err
		}
		if data == nil {
			missing[p.Digest] = p.WorkerID
		}
	}
	if len(missing) == 0 {
		return false, nil
	}

	select {
	case s.txHeaderWaiter <- waiterMsg{kind: syncBatches, header: header, batches: missing}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return true, nil
}

// GetParents returns the parent certificates of header, or nil if some are missing,
// in which case the header waiter is told to fetch them.
func (s *Synchronizer) GetParents(ctx context.Context, header *Header) ([]*Certificate, error) {
	var missing []types.Digest
	parents := make([]*Certificate, 0, len(header.Parents))
	for _, digest := range header.Parents {
		if c, ok := s.genesis[digest]; ok {
			parents = append(parents, c)
			continue
		}
		c, err := readCertificate(s.store, digest)
		if err != nil {
			return nil, err
		}
		if c == nil {
			missing = append(missing, digest)
			continue
		}
		parents = append(parents, c)
	}
	if len(missing) == 0 {
		return parents, nil
	}

	select {
	case s.txHeaderWaiter <- waiterMsg{kind: syncParents, header: header, parents: missing}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, nil
}

// DeliverCertificate reports whether all parents of certificate are in the store. If not,
// the certificate waiter holds it until they are.
func (s *Synchronizer) DeliverCertificate(ctx context.Context, certificate *Certificate) (bool, error) {
	for _, digest := range certificate.Header.Parents {
		if _, ok := s.genesis[digest]; ok {
			continue
		}
		data, err := s.store.Read(certificateKey(digest))
		if err != nil {
			return false, err
		}
		if data == nil {
			select {
			case s.txCertificateWaiter <- certificate:
			case <-ctx.Done():
				return false, ctx.Err()
			}
			return false, nil
		}
	}
	return true, nil
}
