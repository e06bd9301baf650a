// Package transport implements one symmetric connection between region
// controllers.
//
// A Peer owns a single TCP connection. Its read loop routes every incoming
// frame: responses go to the caller waiting on that sequence number,
// requests are answered by the local handler on their own goroutine, and
// heartbeats are dropped. Either end may therefore issue calls over the same
// link, and many calls may be in flight at once.
//
//	goroutine-1 ──Call(seq=1)──┐
//	goroutine-2 ──Call(seq=2)──┼──→ one TCP conn ──→ remote Peer
//	remote req  ←──────────────┘                     (answers with its handler)
//
//	readLoop: ←── response(seq=2) → pending[2] → goroutine-2 wakes up
//	          ←── request(seq=9)  → go handle → response(seq=9)
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jjqq2013/maas/codec"
	"github.com/jjqq2013/maas/message"
	"github.com/jjqq2013/maas/middleware"
	"github.com/jjqq2013/maas/protocol"
	"go.uber.org/zap"
)

// ErrClosed is returned by calls on a Peer whose connection has gone away.
var ErrClosed = errors.New("transport: connection closed")

// RemoteError is a failure reported by the answering side of a call.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error: %s", e.Command, e.Message)
}

const unhandledCommand = "unhandled command"

// Option configures a Peer.
type Option func(*Peer)

// WithHandler sets the handler answering requests sent by the remote end.
// Without one, every incoming request is answered with an error.
func WithHandler(h middleware.HandlerFunc) Option {
	return func(p *Peer) { p.handler = h }
}

// WithCodec selects the envelope encoding for outgoing requests. Responses
// always use the codec of the request they answer.
func WithCodec(ct codec.CodecType) Option {
	return func(p *Peer) { p.codec = ct }
}

// WithHeartbeat sets the interval between keep-alive frames. Zero disables them.
func WithHeartbeat(interval time.Duration) Option {
	return func(p *Peer) { p.heartbeat = interval }
}

// WithLogger sets the logger used for connection-level events.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Peer) { p.logger = logger }
}

// Peer manages one multiplexed, symmetric connection.
type Peer struct {
	conn      net.Conn
	codec     codec.CodecType
	handler   middleware.HandlerFunc
	heartbeat time.Duration
	logger    *zap.Logger

	seq     uint32     // Protected by sending
	sending sync.Mutex // Serializes whole frames onto conn
	pending sync.Map   // map[uint32]chan *message.Message

	ctx       context.Context // Cancelled when the peer closes; parent of inbound handler contexts
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
	inflight  sync.WaitGroup
}

// NewPeer wraps conn. The caller must run Serve to start processing frames.
func NewPeer(conn net.Conn, opts ...Option) *Peer {
	p := &Peer{
		conn:      conn,
		codec:     codec.CodecTypeJSON,
		heartbeat: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Dial connects to addr and starts serving the connection in the background.
func Dial(ctx context.Context, addr string, opts ...Option) (*Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	p := NewPeer(conn, opts...)
	go p.Serve()
	return p, nil
}

// Serve runs the read loop until the connection fails or Close is called.
// It waits for in-flight inbound requests before returning.
func (p *Peer) Serve() error {
	if p.heartbeat > 0 {
		go p.heartbeatLoop(p.heartbeat)
	}

	err := p.readLoop()
	p.Close()
	p.inflight.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (p *Peer) readLoop() error {
	for {
		header, body, err := protocol.Decode(p.conn)
		if err != nil {
			p.failPending(err)
			return err
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeResponse:
			p.deliver(header, body)
		case protocol.MsgTypeRequest:
			// Each request gets its own goroutine so a slow handler never
			// blocks frames behind it on the same connection.
			p.inflight.Add(1)
			go func() {
				defer p.inflight.Done()
				p.answer(header, body)
			}()
		}
	}
}

func (p *Peer) deliver(header *protocol.Header, body []byte) {
	resp := &message.Message{}
	if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
		resp = message.Failed("", fmt.Sprintf("decode response: %v", err))
	}
	if ch, ok := p.pending.LoadAndDelete(header.Seq); ok {
		ch.(chan *message.Message) <- resp
		return
	}
	p.logger.Debug("dropping response with no waiting caller", zap.Uint32("seq", header.Seq))
}

func (p *Peer) answer(header *protocol.Header, body []byte) {
	cdc := codec.GetCodec(codec.CodecType(header.CodecType))

	req := &message.Message{}
	var resp *message.Message
	switch {
	case cdc.Decode(body, req) != nil:
		resp = message.Failed("", "malformed request")
	case p.handler == nil:
		resp = message.Failed(req.Command, fmt.Sprintf("%s: %s", unhandledCommand, req.Command))
	default:
		resp = p.handler(withPeer(p.ctx, p), req)
	}

	out, err := cdc.Encode(resp)
	if err != nil {
		p.logger.Warn("failed to encode response", zap.String("command", req.Command), zap.Error(err))
		return
	}

	p.sending.Lock()
	defer p.sending.Unlock()
	reply := protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}
	if err := protocol.Encode(p.conn, &reply, out); err != nil {
		p.logger.Debug("failed to write response", zap.String("command", req.Command), zap.Error(err))
	}
}

// Invoke sends req and waits for the matching response. Transport failures
// come back as a response whose Error field is set, so Invoke can sit at the
// bottom of a middleware chain.
func (p *Peer) Invoke(ctx context.Context, req *message.Message) *message.Message {
	ch, seq, err := p.send(req)
	if err != nil {
		return message.Failed(req.Command, err.Error())
	}

	select {
	case resp := <-ch:
		return resp
	case <-p.ctx.Done():
		if _, ok := p.pending.LoadAndDelete(seq); ok {
			return message.Failed(req.Command, ErrClosed.Error())
		}
		// The read loop already claimed the entry and is delivering to ch.
		return <-ch
	case <-ctx.Done():
		p.pending.Delete(seq)
		return message.Failed(req.Command, ctx.Err().Error())
	}
}

// Call issues command with args and decodes the answer into reply.
func (p *Peer) Call(ctx context.Context, command string, args, reply any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%s: encode args: %w", command, err)
	}
	resp := p.Invoke(ctx, &message.Message{Command: command, Payload: payload})
	return DecodeReply(command, resp, reply)
}

// DecodeReply turns a response into the caller's reply value, or a RemoteError.
func DecodeReply(command string, resp *message.Message, reply any) error {
	if resp.Error != "" {
		return &RemoteError{Command: command, Message: resp.Error}
	}
	if reply == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return fmt.Errorf("%s: decode reply: %w", command, err)
	}
	return nil
}

func (p *Peer) send(req *message.Message) (chan *message.Message, uint32, error) {
	if p.ctx.Err() != nil {
		return nil, 0, ErrClosed
	}

	cdc := codec.GetCodec(p.codec)
	body, err := cdc.Encode(req)
	if err != nil {
		return nil, 0, err
	}

	p.sending.Lock()
	defer p.sending.Unlock()

	p.seq++
	seq := p.seq

	// Register before writing so the read loop can never see the response first.
	ch := make(chan *message.Message, 1)
	p.pending.Store(seq, ch)

	header := protocol.Header{
		CodecType: byte(p.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(p.conn, &header, body); err != nil {
		p.pending.Delete(seq)
		return nil, 0, err
	}
	return ch, seq, nil
}

// failPending answers every waiting caller when the connection breaks.
func (p *Peer) failPending(err error) {
	p.pending.Range(func(key, value any) bool {
		if _, ok := p.pending.LoadAndDelete(key); ok {
			value.(chan *message.Message) <- message.Failed("", err.Error())
		}
		return true
	})
}

func (p *Peer) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		p.sending.Lock()
		err := protocol.Encode(p.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		p.sending.Unlock()
		if err != nil {
			return
		}
	}
}

type peerKey struct{}

func withPeer(ctx context.Context, p *Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, p)
}

// FromContext returns the peer that delivered the request being handled, so
// a responder can issue calls back over the same connection.
func FromContext(ctx context.Context) (*Peer, bool) {
	p, ok := ctx.Value(peerKey{}).(*Peer)
	return p, ok
}

// Done is closed once the peer has been closed.
func (p *Peer) Done() <-chan struct{} {
	return p.ctx.Done()
}

// RemoteAddr returns the address of the other end.
func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

// Close shuts the connection. Pending callers are failed by the read loop.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}
