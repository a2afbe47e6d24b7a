package radius

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Default dynamic-authorization port (RFC 5176).
const DefaultPort = 3799

var (
	// ErrTimeout indicates no matching response arrived within the retry
	// budget. The NAS may or may not have applied the change.
	ErrTimeout = errors.New("radius: timeout waiting for NAS response")

	// ErrNak indicates the NAS explicitly rejected the request. Not
	// retriable: the NAS understood the request and refused it.
	ErrNak = errors.New("radius: NAS rejected request")

	// ErrNetwork indicates a socket-level failure.
	ErrNetwork = errors.New("radius: network error")
)

// NAS identifies one dynamic-authorization endpoint.
type NAS struct {
	Addr   string `json:"addr" yaml:"addr"` // host or host:port; port defaults to 3799
	Secret string `json:"-" yaml:"secret"`  // shared secret, never logged
}

// HostPort returns the address with the default port applied if missing.
func (n NAS) HostPort() string {
	if strings.Contains(n.Addr, ":") {
		return n.Addr
	}
	return fmt.Sprintf("%s:%d", n.Addr, DefaultPort)
}

// ClientConfig configures the CoA client.
type ClientConfig struct {
	Timeout    time.Duration // per-attempt response wait (default: 5s)
	MaxRetries int           // retransmissions after the first send (default: 3)
}

// DefaultClientConfig returns the defaults used by FUP dispatch.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	}
}

// Client sends CoA/Disconnect requests to NAS devices. Each Send owns its
// own socket and identifier, so concurrent calls to different NAS devices
// proceed independently; serialization per subscriber is the caller's
// responsibility.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	// identifier sequence, seeded randomly so restarts do not replay
	// identifiers against a NAS still tracking the previous run
	nextID uint32

	sent     uint64
	acks     uint64
	naks     uint64
	timeouts uint64
}

// NewClient creates a CoA client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		nextID: rand.Uint32(),
	}
}

// Send encodes and delivers one request to the NAS and waits for its
// ACK/NAK. On timeout the identical payload is retransmitted with the same
// identifier, up to MaxRetries times; CoA semantics require retransmission
// to be idempotent at the NAS, so identifier and authenticator must not
// change between attempts. A socket-level write failure is retried once,
// then surfaced as ErrNetwork.
//
// The returned packet is non-nil for both ACK and NAK; a NAK additionally
// returns ErrNak so callers can record the NAS response.
func (c *Client) Send(ctx context.Context, nas NAS, code Code, attrs []Attribute) (*Packet, error) {
	identifier := uint8(atomic.AddUint32(&c.nextID, 1))

	request, err := Encode(code, identifier, nas.Secret, attrs)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", code, err)
	}
	var requestAuth [16]byte
	copy(requestAuth[:], request[4:20])

	conn, err := net.Dial("udp", nas.HostPort())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNetwork, nas.Addr, err)
	}
	defer conn.Close()

	attempts := c.cfg.MaxRetries + 1
	networkRetried := false

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		atomic.AddUint64(&c.sent, 1)
		if _, err := conn.Write(request); err != nil {
			if !networkRetried {
				networkRetried = true
				c.logger.Warn("CoA write failed, retrying once",
					zap.String("nas", nas.Addr),
					zap.Error(err),
				)
				attempt--
				continue
			}
			return nil, fmt.Errorf("%w: write to %s: %v", ErrNetwork, nas.Addr, err)
		}

		response, err := c.awaitResponse(ctx, conn, nas.Secret, identifier, requestAuth)
		if err == nil {
			if response.IsACK() {
				atomic.AddUint64(&c.acks, 1)
				return response, nil
			}
			atomic.AddUint64(&c.naks, 1)
			return response, ErrNak
		}
		if !errors.Is(err, ErrTimeout) {
			return nil, err
		}

		if attempt < attempts {
			c.logger.Warn("no NAS response, retransmitting",
				zap.String("nas", nas.Addr),
				zap.String("code", code.String()),
				zap.Uint8("identifier", identifier),
				zap.Int("attempt", attempt),
			)
		}
	}

	atomic.AddUint64(&c.timeouts, 1)
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrTimeout, nas.Addr, attempts)
}

// awaitResponse reads datagrams until one decodes as a response to our
// identifier or the attempt deadline passes. Datagrams with a different
// identifier are stale responses to earlier exchanges and are dropped.
func (c *Client) awaitResponse(ctx context.Context, conn net.Conn, secret string, identifier uint8, requestAuth [16]byte) (*Packet, error) {
	deadline := time.Now().Add(c.cfg.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	buf := make([]byte, maxPacketLen)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}

		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("%w: read: %v", ErrNetwork, err)
		}

		response, err := Decode(buf[:n], secret, requestAuth)
		if err != nil {
			// Misconfigured secret or corrupt datagram. Fatal for this
			// request, no point retransmitting.
			return nil, err
		}
		if response.Identifier != identifier {
			c.logger.Debug("dropping response with stale identifier",
				zap.Uint8("got", response.Identifier),
				zap.Uint8("want", identifier),
			)
			continue
		}
		return response, nil
	}
}

// Stats returns transport counters.
func (c *Client) Stats() map[string]uint64 {
	return map[string]uint64{
		"datagrams_sent": atomic.LoadUint64(&c.sent),
		"acks_received":  atomic.LoadUint64(&c.acks),
		"naks_received":  atomic.LoadUint64(&c.naks),
		"timeouts":       atomic.LoadUint64(&c.timeouts),
	}
}
