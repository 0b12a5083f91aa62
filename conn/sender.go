package conn

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/gitzhang10/narwhal/sign"
	"github.com/hashicorp/go-hclog"
)

const (
	sendRetries   = 3
	sendBaseDelay = 50 * time.Millisecond
	sendMaxDelay  = time.Second
)

type outMsg struct {
	rpcType uint8
	payload []byte
	sig     []byte
}

// SignedBytes returns what the ED25519 signature of a frame covers: the tag, then the payload.
func SignedBytes(rpcType uint8, payload []byte) []byte {
	data := make([]byte, 0, len(payload)+1)
	data = append(data, rpcType)
	return append(data, payload...)
}

// VerifyFrame checks the signature of a received frame against the key of its sender.
func VerifyFrame(pub ed25519.PublicKey, msg MsgWithSig) (bool, error) {
	return sign.VerifySignEd25519(pub, SignedBytes(msg.Type, msg.Payload), msg.Sig)
}

// Sender encodes and signs outgoing messages and delivers them through one bounded queue per
// target, each drained by its own goroutine. A full queue blocks the caller until it drains
// or ctx is done. A frame that still fails after its retries is dropped, and the target is
// then tried once per frame until it answers again.
type Sender struct {
	name       string
	privateKey ed25519.PrivateKey
	trans      Transport
	queueSize  int
	logger     hclog.Logger

	lock   sync.Mutex
	queues map[string]chan outMsg

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewSender creates a Sender. A nil privateKey sends unsigned frames.
func NewSender(name string, privateKey ed25519.PrivateKey, trans Transport, queueSize int, logger hclog.Logger) *Sender {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Sender{
		name:       name,
		privateKey: privateKey,
		trans:      trans,
		queueSize:  queueSize,
		logger:     logger,
		queues:     make(map[string]chan outMsg),
		shutdownCh: make(chan struct{}),
	}
}

// Send encodes, signs and queues msg for target.
func (s *Sender) Send(ctx context.Context, target string, rpcType uint8, msg interface{}) error {
	m, err := s.seal(rpcType, msg)
	if err != nil {
		return err
	}
	return s.enqueue(ctx, target, m)
}

// Broadcast encodes and signs msg once and queues it for every target.
func (s *Sender) Broadcast(ctx context.Context, targets []string, rpcType uint8, msg interface{}) error {
	m, err := s.seal(rpcType, msg)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if err := s.enqueue(ctx, target, m); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the delivery goroutines. Queued messages are abandoned.
func (s *Sender) Close() {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if !s.shutdown {
		close(s.shutdownCh)
		s.shutdown = true
	}
}

func (s *Sender) seal(rpcType uint8, msg interface{}) (outMsg, error) {
	payload, err := Encode(msg)
	if err != nil {
		return outMsg{}, err
	}
	var sig []byte
	if s.privateKey != nil {
		sig = sign.SignEd25519(s.privateKey, SignedBytes(rpcType, payload))
	}
	return outMsg{rpcType: rpcType, payload: payload, sig: sig}, nil
}

func (s *Sender) enqueue(ctx context.Context, target string, m outMsg) error {
	s.lock.Lock()
	q, ok := s.queues[target]
	if !ok {
		q = make(chan outMsg, s.queueSize)
		s.queues[target] = q
		go s.sendLoop(target, q)
	}
	s.lock.Unlock()

	select {
	case q <- m:
		return nil
	default:
	}
	s.logger.Debug("send queue is full, waiting", "target", target, "type", m.rpcType)
	select {
	case q <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdownCh:
		return ErrTransportShutdown
	}
}

func (s *Sender) sendLoop(target string, q chan outMsg) {
	failing := false
	for {
		select {
		case <-s.shutdownCh:
			return
		case m := <-q:
			failing = !s.deliver(target, m, failing)
		}
	}
}

// deliver retries a failed frame with exponential backoff before giving up on it. A target
// that is already failing gets a single attempt. It reports whether the frame was delivered.
func (s *Sender) deliver(target string, m outMsg, failing bool) bool {
	delay := sendBaseDelay
	for attempt := 0; ; attempt++ {
		err := s.trans.SendTo(target, m.rpcType, s.name, m.payload, m.sig)
		if err == nil {
			return true
		}
		if err == ErrTransportShutdown || failing || attempt >= sendRetries {
			s.logger.Debug("fail to send msg", "target", target, "type", m.rpcType, "error", err)
			return false
		}
		select {
		case <-s.shutdownCh:
			return false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > sendMaxDelay {
			delay = sendMaxDelay
		}
	}
}
