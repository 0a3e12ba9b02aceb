package peernode

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/minibit/minibit/internal/wire"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrNotHandshake is returned when the first frame on a connection isn't a
// handshake — the connection lifecycle requires closing immediately.
var ErrNotHandshake = errors.New("peernode: first frame was not a handshake")

// Hooks are the callbacks a Peer invokes as it dispatches incoming
// messages. The node supplies these instead of handing the connection a
// back-pointer to itself, keeping Peer ignorant of Node's internals (see
// design notes on breaking the cyclic peer/node reference).
type Hooks struct {
	OnHave         func(peerID string, blocks []string)
	OnRequestBlock func(peerID string, blockID string)
	OnBlockData    func(peerID string, blockID string, data []byte)
	OnChoke        func(peerID string)
	OnUnchoke      func(peerID string)
}

// Peer is one connection's worth of MiniBit state: the transport, the
// CHOKED_BY_THEM/CHOKED_BY_US flags, an outbox funneling every outgoing
// message through a single write loop, and per-connection transfer
// counters reported by Stats.
type Peer struct {
	log   *slog.Logger
	conn  net.Conn
	id    string // remote peer id, known once the handshake completes
	addr  string
	hooks Hooks

	outbox chan *wire.Message

	chokedByThem atomic.Bool // they will not serve us; true initially
	chokedByUs   atomic.Bool // we will not serve them; true initially

	blocksSent     atomic.Uint64
	blocksReceived atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// newPeer wraps an accepted or dialed connection. The handshake has not
// happened yet; ID() is empty until handshakeAsInitiator/handshakeAsReceiver
// succeeds.
func newPeer(conn net.Conn, hooks Hooks, log *slog.Logger, outboxSize int) *Peer {
	p := &Peer{
		log:    log,
		conn:   conn,
		addr:   conn.RemoteAddr().String(),
		hooks:  hooks,
		outbox: make(chan *wire.Message, outboxSize),
		closed: make(chan struct{}),
	}
	p.chokedByThem.Store(true)
	p.chokedByUs.Store(true)
	return p
}

// ID returns the remote peer id established during the handshake.
func (p *Peer) ID() string { return p.id }

// Addr returns the remote network address.
func (p *Peer) Addr() string { return p.addr }

// handshakeAsInitiator sends our handshake first, then expects one back.
func (p *Peer) handshakeAsInitiator(selfID string) error {
	if err := wire.WriteMessage(p.conn, wire.NewHandshake(selfID)); err != nil {
		return errors.Wrap(err, "peernode: send handshake")
	}
	return p.readHandshakeReply()
}

// handshakeAsReceiver expects the first frame to be a handshake, then
// replies with our own. Any other first frame is a protocol violation that
// closes the connection without mutating any state (scenario: handshake
// rejection).
func (p *Peer) handshakeAsReceiver(selfID string) error {
	if err := p.readHandshakeReply(); err != nil {
		return err
	}
	return wire.WriteMessage(p.conn, wire.NewHandshake(selfID))
}

func (p *Peer) readHandshakeReply() error {
	msg, err := wire.ReadMessage(p.conn)
	if err != nil {
		return errors.Wrap(err, "peernode: read handshake")
	}
	if msg.Type != wire.TypeHandshake || msg.PeerID == "" {
		return ErrNotHandshake
	}
	p.id = msg.PeerID
	return nil
}

// Run drives the read and write loops until the connection closes or ctx
// is canceled, returning the first error encountered.
func (p *Peer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.readLoop(ctx) })
	g.Go(func() error { return p.writeLoop(ctx) })
	g.Go(func() error {
		// Closing the connection unblocks a read loop waiting in ReadMessage.
		<-ctx.Done()
		p.Close()
		return nil
	})

	err := g.Wait()
	p.Close()
	return err
}

func (p *Peer) readLoop(ctx context.Context) error {
	for {
		msg, err := wire.ReadMessage(p.conn)
		if err != nil {
			return err
		}

		switch msg.Type {
		case wire.TypeHave:
			if p.hooks.OnHave != nil {
				p.hooks.OnHave(p.id, msg.Blocks)
			}
		case wire.TypeRequestBlock:
			if p.hooks.OnRequestBlock != nil {
				p.hooks.OnRequestBlock(p.id, msg.BlockID)
			}
		case wire.TypeBlockData:
			data, err := msg.DecodeBlockData()
			if err != nil {
				return err
			}
			if p.hooks.OnBlockData != nil {
				p.hooks.OnBlockData(p.id, msg.BlockID, data)
			}
			p.blocksReceived.Add(1)
		case wire.TypeChoke:
			p.chokedByThem.Store(true)
			if p.hooks.OnChoke != nil {
				p.hooks.OnChoke(p.id)
			}
		case wire.TypeUnchoke:
			p.chokedByThem.Store(false)
			if p.hooks.OnUnchoke != nil {
				p.hooks.OnUnchoke(p.id)
			}
		default:
			return errors.Errorf("peernode: unknown message type %q", msg.Type)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (p *Peer) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return nil
		case msg, ok := <-p.outbox:
			if !ok {
				return nil
			}
			if err := wire.WriteMessage(p.conn, msg); err != nil {
				return err
			}
			if msg.Type == wire.TypeBlockData {
				p.blocksSent.Add(1)
			}
		}
	}
}

// enqueue attempts a non-blocking send to the outbox, dropping the message
// (with a warning) if the peer isn't draining fast enough.
func (p *Peer) enqueue(msg *wire.Message) {
	select {
	case p.outbox <- msg:
	default:
		p.log.Warn("outbox full, dropping message", "peer_id", p.id, "type", msg.Type)
	}
}

// SendHave advertises the full owned block set.
func (p *Peer) SendHave(blocks []string) { p.enqueue(wire.NewHave(blocks)) }

// SendRequestBlock asks this peer for one block.
func (p *Peer) SendRequestBlock(blockID string) { p.enqueue(wire.NewRequestBlock(blockID)) }

// SendBlockData delivers one block's bytes.
func (p *Peer) SendBlockData(blockID string, data []byte) {
	p.enqueue(wire.NewBlockData(blockID, data))
}

// SendChoke announces we will no longer serve this peer.
func (p *Peer) SendChoke() {
	p.chokedByUs.Store(true)
	p.enqueue(wire.NewChoke())
}

// SendUnchoke announces we will serve this peer's requests.
func (p *Peer) SendUnchoke() {
	p.chokedByUs.Store(false)
	p.enqueue(wire.NewUnchoke())
}

// IsChokedByThem reports whether this peer currently refuses to serve us.
func (p *Peer) IsChokedByThem() bool { return p.chokedByThem.Load() }

// IsChokedByUs reports whether we currently refuse to serve this peer.
func (p *Peer) IsChokedByUs() bool { return p.chokedByUs.Load() }

// Stats returns the cumulative block_data frames sent and received over
// this connection.
func (p *Peer) Stats() (sent, received uint64) {
	return p.blocksSent.Load(), p.blocksReceived.Load()
}

// Close tears down the connection. Safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}
