package dcutr

import (
	"fmt"
	"io"

	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers for the HolePunch message, matching the protobuf
// schema this protocol has always used: Type = 1 (varint enum), ObsAddrs =
// 2 (repeated bytes). Encoded and decoded by hand with protowire rather
// than generated code, since the message shape never changes.
const (
	fieldType     = protowire.Number(1)
	fieldObsAddrs = protowire.Number(2)
)

type msgType int32

const (
	msgConnect msgType = 100
	msgSync    msgType = 300
)

const (
	// maxMessageSize bounds a single CONNECT/SYNC frame on the wire.
	maxMessageSize = 4 * 1024
	// maxObsAddrs bounds how many observed addresses a CONNECT may carry.
	maxObsAddrs = 30
	// maxAddrSize bounds the encoded length of a single multiaddr.
	maxAddrSize = 1024
)

// holePunchMsg is the wire representation of a CONNECT or SYNC message.
// SYNC carries no addresses; only CONNECT populates obsAddrs.
type holePunchMsg struct {
	typ      msgType
	obsAddrs [][]byte
}

func (m *holePunchMsg) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.typ))
	for _, a := range m.obsAddrs {
		b = protowire.AppendTag(b, fieldObsAddrs, protowire.BytesType)
		b = protowire.AppendBytes(b, a)
	}
	return b
}

func unmarshalHolePunch(b []byte) (*holePunchMsg, error) {
	msg := &holePunchMsg{typ: -1}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag: %w", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldType:
			if typ != protowire.VarintType {
				return nil, fmt.Errorf("%w: type field has wrong wire type", ErrMalformedMessage)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad type value: %w", ErrMalformedMessage, protowire.ParseError(n))
			}
			b = b[n:]
			msg.typ = msgType(v)
		case fieldObsAddrs:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("%w: obs_addrs field has wrong wire type", ErrMalformedMessage)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad obs_addrs entry: %w", ErrMalformedMessage, protowire.ParseError(n))
			}
			b = b[n:]
			if len(v) > maxAddrSize {
				return nil, fmt.Errorf("%w: obs_addrs entry too large", ErrMalformedMessage)
			}
			if len(msg.obsAddrs) >= maxObsAddrs {
				return nil, fmt.Errorf("%w: too many obs_addrs entries", ErrMalformedMessage)
			}
			msg.obsAddrs = append(msg.obsAddrs, append([]byte(nil), v...))
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad unknown field: %w", ErrMalformedMessage, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if msg.typ != msgConnect && msg.typ != msgSync {
		return nil, fmt.Errorf("%w: unrecognized message type %d", ErrMalformedMessage, msg.typ)
	}
	return msg, nil
}

// wireConn frames CONNECT/SYNC messages as length-delimited varint records
// over a stream, the same framing go-libp2p's own protocols use.
type wireConn struct {
	w msgio.WriteCloser
	r msgio.ReadCloser
}

func newWireConn(rw io.ReadWriteCloser) *wireConn {
	return &wireConn{
		w: msgio.NewVarintWriter(rw),
		r: msgio.NewVarintReaderSize(rw, maxMessageSize),
	}
}

func addrsToBytes(addrs []ma.Multiaddr) [][]byte {
	out := make([][]byte, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Bytes())
	}
	return out
}

func addrsFromBytes(raw [][]byte) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(raw))
	for _, b := range raw {
		a, err := ma.NewMultiaddrBytes(b)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *wireConn) writeConnect(addrs []ma.Multiaddr) error {
	return c.w.WriteMsg((&holePunchMsg{typ: msgConnect, obsAddrs: addrsToBytes(addrs)}).marshal())
}

func (c *wireConn) writeSync() error {
	return c.w.WriteMsg((&holePunchMsg{typ: msgSync}).marshal())
}

func (c *wireConn) read() (*holePunchMsg, error) {
	b, err := c.r.ReadMsg()
	if err != nil {
		return nil, err
	}
	defer c.r.ReleaseMsg(b)
	return unmarshalHolePunch(b)
}

// readConnect reads the next frame, requires it to be a CONNECT, and
// returns its decoded addresses. A CONNECT with zero addresses is rejected
// as malformed rather than silently accepted.
func (c *wireConn) readConnect() ([]ma.Multiaddr, error) {
	msg, err := c.read()
	if err != nil {
		return nil, err
	}
	if msg.typ != msgConnect {
		return nil, fmt.Errorf("%w: expected CONNECT, got %d", ErrUnexpectedMessage, msg.typ)
	}
	addrs := addrsFromBytes(msg.obsAddrs)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: CONNECT carried no usable addresses", ErrMalformedMessage)
	}
	return addrs, nil
}

// readSync reads the next frame and requires it to be a SYNC.
func (c *wireConn) readSync() error {
	msg, err := c.read()
	if err != nil {
		return err
	}
	if msg.typ != msgSync {
		return fmt.Errorf("%w: expected SYNC, got %d", ErrUnexpectedMessage, msg.typ)
	}
	return nil
}

func (c *wireConn) Close() error {
	rerr := c.r.Close()
	werr := c.w.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}
