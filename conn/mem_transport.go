package conn

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnreachable is returned when the target of a MemTransport is unknown or down.
var ErrUnreachable = errors.New("target is unreachable")

// MemNetwork connects the MemTransports of one process, e.g. a local test cluster.
// Payloads still go through the msgpack codec, so receivers never share values with senders.
type MemNetwork struct {
	lock  sync.RWMutex
	nodes map[string]*MemTransport
	down  map[string]bool
}

// NewMemNetwork creates an empty in-memory network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		nodes: make(map[string]*MemTransport),
		down:  make(map[string]bool),
	}
}

// NewTransport registers a transport listening on addr.
func (m *MemNetwork) NewTransport(addr string, msgChanSize int, reflectedTypesMap map[uint8]reflect.Type) *MemTransport {
	if msgChanSize < 1 {
		msgChanSize = 1
	}
	t := &MemTransport{
		addr:              addr,
		network:           m,
		msgCh:             make(chan MsgWithSig, msgChanSize),
		reflectedTypesMap: reflectedTypesMap,
		shutdownCh:        make(chan struct{}),
	}
	m.lock.Lock()
	m.nodes[addr] = t
	m.lock.Unlock()
	return t
}

// SetDown disconnects (or reconnects) addr: frames from and to it fail.
func (m *MemNetwork) SetDown(addr string, down bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.down[addr] = down
}

func (m *MemNetwork) route(from, to string) (*MemTransport, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.down[from] || m.down[to] {
		return nil, ErrUnreachable
	}
	t, ok := m.nodes[to]
	if !ok || t.IsShutdown() {
		return nil, ErrUnreachable
	}
	return t, nil
}

// MemTransport implements Transport over a MemNetwork.
type MemTransport struct {
	addr              string
	network           *MemNetwork
	msgCh             chan MsgWithSig
	reflectedTypesMap map[uint8]reflect.Type

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

var _ Transport = (*MemTransport)(nil)

// SendTo implements the Transport interface.
func (t *MemTransport) SendTo(target string, rpcType uint8, sender string, payload, sig []byte) error {
	if t.IsShutdown() {
		return ErrTransportShutdown
	}
	dst, err := t.network.route(t.addr, target)
	if err != nil {
		return err
	}
	msgBody, err := decodeMsg(dst.reflectedTypesMap, rpcType, payload)
	if err != nil {
		return err
	}
	select {
	case dst.msgCh <- MsgWithSig{Type: rpcType, Sender: sender, Msg: msgBody, Payload: payload, Sig: sig}:
		return nil
	case <-dst.shutdownCh:
		return ErrUnreachable
	case <-t.shutdownCh:
		return ErrTransportShutdown
	}
}

// MsgChan implements the Transport interface.
func (t *MemTransport) MsgChan() chan MsgWithSig {
	return t.msgCh
}

// LocalAddr implements the Transport interface.
func (t *MemTransport) LocalAddr() string {
	return t.addr
}

// IsShutdown reports whether Close was called.
func (t *MemTransport) IsShutdown() bool {
	select {
	case <-t.shutdownCh:
		return true
	default:
		return false
	}
}

// Close implements the Transport interface.
func (t *MemTransport) Close() error {
	t.shutdownLock.Lock()
	defer t.shutdownLock.Unlock()
	if !t.shutdown {
		close(t.shutdownCh)
		t.shutdown = true
	}
	return nil
}
