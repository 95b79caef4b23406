// Package sconn provides the encrypted datagram channel
// underneath the state-synchronization transport.
//
// Every datagram is sealed with ChaCha20-Poly1305 under a symmetric key
// and a monotonically increasing 64-bit sequence number.
// The high bit of the sequence separates the two directions of the
// connection, so the client and server never reuse a nonce
// even though they share one key.
//
// The peer address is learned from the source of every successfully
// authenticated inbound datagram, which lets the peer roam
// across networks mid-session.
package sconn

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// DefaultMTU is the largest payload handed to [*Connection.Send]
	// unless the application overrides it.
	DefaultMTU = 500

	// KeySize is the symmetric key length in bytes.
	KeySize = chacha20poly1305.KeySize

	seqLen       = 8
	directionBit = uint64(1) << 63

	// How many inbound sequence numbers to remember
	// for replay suppression.
	seenSeqCount = 2048

	readBufSize = 64 * 1024
)

// ErrNoDatagram is returned from [*Connection.Recv]
// when no authenticated datagram arrived before the timeout.
var ErrNoDatagram = errors.New("no datagram within timeout")

// Connection is an encrypted, unreliable datagram channel to a single peer.
//
// Methods on Connection are not safe for concurrent use.
type Connection struct {
	log *slog.Logger

	sock *net.UDPConn

	key  []byte
	aead cipher.AEAD

	// Servers set the direction bit on outbound sequence numbers;
	// clients leave it clear.
	server bool

	nextSeq uint64

	seen *lru.Cache[uint64, struct{}]

	// Last known peer address, nil until the first
	// authenticated datagram arrives (server side)
	// or the dial target (client side).
	remote *net.UDPAddr

	mtu int

	readBuf []byte
}

// NewServerConnection binds a UDP socket on desiredIP
// with a kernel-assigned port and generates a fresh session key.
// The peer address is learned from the first authenticated datagram.
func NewServerConnection(log *slog.Logger, desiredIP string) (*Connection, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	addr := &net.UDPAddr{IP: net.ParseIP(desiredIP)}
	sock, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind datagram socket: %w", err)
	}

	return newConnection(log, sock, key, true, nil)
}

// NewClientConnection connects to a server at ip:port
// using a key previously produced by [*Connection.Key].
func NewClientConnection(log *slog.Logger, keyStr, ip string, port int) (*Connection, error) {
	key, err := ParseKey(keyStr)
	if err != nil {
		return nil, err
	}

	remote := &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	if remote.IP == nil {
		return nil, fmt.Errorf("failed to parse server IP %q", ip)
	}

	sock, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to bind datagram socket: %w", err)
	}

	return newConnection(log, sock, key, false, remote)
}

func newConnection(
	log *slog.Logger,
	sock *net.UDPConn,
	key []byte,
	server bool,
	remote *net.UDPAddr,
) (*Connection, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	seen, err := lru.New[uint64, struct{}](seenSeqCount)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize replay cache: %w", err)
	}

	return &Connection{
		log: log,

		sock: sock,

		key:  key,
		aead: aead,

		server: server,

		seen: seen,

		remote: remote,

		mtu: DefaultMTU,

		readBuf: make([]byte, readBufSize),
	}, nil
}

// Send seals payload and transmits it to the last known peer address.
//
// Transient socket failures are logged and swallowed;
// only a closed or otherwise unusable socket surfaces an error.
// Sending before any peer address is known is a silent no-op.
func (c *Connection) Send(payload []byte) error {
	if c.remote == nil {
		c.log.Debug("Dropping outbound datagram: no peer address yet")
		return nil
	}

	seq := c.nextSeq
	c.nextSeq++
	if c.server {
		seq |= directionBit
	}

	var seqBytes [seqLen]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)

	var nonce [chacha20poly1305.NonceSize]byte
	copy(nonce[4:], seqBytes[:])

	dgram := make([]byte, seqLen, seqLen+len(payload)+c.aead.Overhead())
	copy(dgram, seqBytes[:])
	dgram = c.aead.Seal(dgram, nonce[:], payload, seqBytes[:])

	if _, err := c.sock.WriteToUDP(dgram, c.remote); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to send datagram: %w", err)
		}
		c.log.Warn("Transient datagram send failure", "err", err)
	}
	return nil
}

// Recv waits up to timeout for an authenticated datagram
// and returns its plaintext payload.
//
// Datagrams that fail authentication, carry a replayed sequence number,
// or travel in the wrong direction are dropped silently and do not
// consume the timeout. Returns [ErrNoDatagram] if nothing
// acceptable arrived in time.
func (c *Connection) Recv(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		// A deadline must sit in the future to pick up
		// datagrams already queued on the socket.
		timeout = time.Millisecond
	}
	if err := c.sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("failed to set read deadline: %w", err)
	}

	for {
		n, src, err := c.sock.ReadFromUDP(c.readBuf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ErrNoDatagram
			}
			return nil, fmt.Errorf("failed to read datagram: %w", err)
		}

		payload, ok := c.open(c.readBuf[:n])
		if !ok {
			continue
		}

		// Authenticated traffic from a new source address
		// means the peer has roamed.
		c.remote = src

		return payload, nil
	}
}

// open authenticates and decrypts one raw datagram.
func (c *Connection) open(dgram []byte) ([]byte, bool) {
	if len(dgram) < seqLen+c.aead.Overhead() {
		c.log.Debug("Dropping runt datagram", "len", len(dgram))
		return nil, false
	}

	seqBytes := dgram[:seqLen]
	seq := binary.BigEndian.Uint64(seqBytes)

	// Inbound traffic must carry the peer's direction bit.
	if (seq&directionBit != 0) == c.server {
		c.log.Debug("Dropping datagram with own direction bit")
		return nil, false
	}

	if c.seen.Contains(seq) {
		c.log.Debug("Dropping replayed datagram", "seq", seq)
		return nil, false
	}

	var nonce [chacha20poly1305.NonceSize]byte
	copy(nonce[4:], seqBytes)

	payload, err := c.aead.Open(nil, nonce[:], dgram[seqLen:], seqBytes)
	if err != nil {
		c.log.Debug("Dropping datagram that failed authentication")
		return nil, false
	}

	c.seen.Add(seq, struct{}{})

	return payload, true
}

// Close releases the underlying socket.
func (c *Connection) Close() error {
	return c.sock.Close()
}

// Key returns the session key in the textual form
// accepted by [NewClientConnection].
func (c *Connection) Key() string {
	return base64.StdEncoding.EncodeToString(c.key)
}

// ParseKey decodes a key string produced by [*Connection.Key].
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("bad key length: %d bytes, want %d", len(key), KeySize)
	}
	return key, nil
}

// Port returns the local UDP port.
func (c *Connection) Port() int {
	return c.sock.LocalAddr().(*net.UDPAddr).Port
}

// Fd returns the socket's file descriptor,
// for integration with an external event loop.
func (c *Connection) Fd() (int, error) {
	rc, err := c.sock.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("failed to access raw socket: %w", err)
	}
	var fd int
	if err := rc.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return 0, fmt.Errorf("failed to read socket descriptor: %w", err)
	}
	return fd, nil
}

// Attached reports whether a peer address is known.
func (c *Connection) Attached() bool {
	return c.remote != nil
}

// RemoteAddr returns the last known peer address, or nil.
func (c *Connection) RemoteAddr() *net.UDPAddr {
	return c.remote
}

func (c *Connection) MTU() int { return c.mtu }

// SetMTU overrides the maximum payload size per datagram.
func (c *Connection) SetMTU(mtu int) { c.mtu = mtu }
