package client

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/pjlink/protocol"
	"github.com/luma/pjlink/transport"
)

const (
	defaultCooldown     = 200 * time.Millisecond
	minCooldown         = 200 * time.Millisecond
	defaultKeepAlive    = 25 * time.Second
	defaultInputRefresh = 30 * time.Minute

	// Bound on transport retries and on scroll attempts.
	commandRetryAttempts = 10
	commandRetryInterval = 200 * time.Millisecond

	// After a control the next poll returns the cached snapshot, giving
	// the device time to settle.
	controlCooldown = 5 * time.Second

	// A host that has not polled for this long is considered paused and
	// the supervisor releases the TCP session.
	statsValidity = 3 * time.Minute
)

// Client is a PJLink protocol engine bound to one device. It maintains a
// single TCP session, performs the one-shot authentication handshake when
// the device requests it, serializes every byte exchange behind one mutex
// and keeps the most recent successful snapshot cached.
//
// Two long-lived actors drive a Client: the host's poll/control calls and
// the keep-alive supervisor. Both contend for the same mutex; a whole
// poll cycle and a whole control dispatch are each one critical section,
// so a control can never interleave into the middle of a polling sequence.
type Client struct {
	transport transport.Transport
	password  string
	metadata  MetadataProvider

	cooldown     time.Duration
	keepAlive    time.Duration
	inputRefresh time.Duration

	mu sync.Mutex

	// Session state, guarded by mu.
	class       protocol.Class
	unsupported map[string]struct{}
	probedVols  bool

	inputs            *inputCatalog
	inputsRefreshedAt time.Time

	snapshot *Snapshot

	lastCommandAt      time.Time
	lastControlAt      time.Time
	validStatsDeadline time.Time

	paused   bool
	stop     chan struct{}
	stopOnce sync.Once
	keeper   sync.WaitGroup

	// sleep is swapped out by tests.
	sleep func(time.Duration)

	log *zap.Logger
}

// New builds a Client over the provided transport. When keep-alive is
// enabled the supervisor goroutine starts immediately; the session itself
// is only dialed on the first exchange.
func New(options Options) *Client {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	cooldown := options.CommandsCooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	} else if cooldown < minCooldown {
		cooldown = minCooldown
	}

	keepAlive := options.ConnectionKeepAlive
	if options.ConnectionKeepAlive == 0 {
		keepAlive = defaultKeepAlive
	}

	inputRefresh := options.InputRefreshInterval
	if inputRefresh <= 0 {
		inputRefresh = defaultInputRefresh
	}

	c := &Client{
		transport:    options.Transport,
		password:     options.Password,
		metadata:     options.Metadata,
		cooldown:     cooldown,
		keepAlive:    keepAlive,
		inputRefresh: inputRefresh,
		unsupported:  make(map[string]struct{}),
		inputs:       emptyInputCatalog(),
		paused:       true,
		stop:         make(chan struct{}),
		sleep:        time.Sleep,
		log:          log.Named("client"),
	}

	if keepAlive > 0 {
		c.lastCommandAt = time.Now()
		c.keeper.Add(1)
		go c.runKeeper()
	}

	return c
}

// Close stops the supervisor and releases the TCP session.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.keeper.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.transport.Close()
}

// exchange is the transport gate: one full request/response with the
// device. It enforces the inter-command cooldown and retries transient
// transport failures with the same bytes. Callers hold c.mu.
func (c *Client) exchange(data []byte) ([]byte, error) {
	if !c.lastCommandAt.IsZero() {
		if wait := c.cooldown - time.Since(c.lastCommandAt); wait > 0 {
			c.sleep(wait)
		}
	}

	c.lastCommandAt = time.Now()

	line, err := c.roundTrip(data)
	if err == nil {
		return line, nil
	}

	for attempt := 1; attempt <= commandRetryAttempts; attempt++ {
		c.log.Warn("Socket communication recovery attempt",
			zap.Int("attempt", attempt),
			zap.Error(err))

		c.lastCommandAt = time.Now()

		line, err = c.roundTrip(data)
		if err == nil {
			return line, nil
		}
	}

	c.log.Warn("Socket communication recovery attempts exhausted",
		zap.Int("attempts", commandRetryAttempts))

	return nil, fmt.Errorf("%w: %v", protocol.ErrTransport, err)
}

// roundTrip writes data (when non-empty) and reads one CR-framed reply.
// A read timeout on a blank exchange means the device simply has nothing
// queued and yields an empty reply instead of an error.
func (c *Client) roundTrip(data []byte) ([]byte, error) {
	if c.transport.State() != transport.Connected {
		if err := c.transport.Open(); err != nil {
			return nil, err
		}
	}

	if len(data) > 0 {
		if err := c.transport.Write(data); err != nil {
			return nil, err
		}
	}

	line, err := c.transport.ReadUntil('\r')
	if err != nil {
		if len(data) == 0 && isTimeout(err) {
			return nil, nil
		}

		return nil, err
	}

	return line, nil
}

func isTimeout(err error) bool {
	netErr, ok := err.(net.Error)
	return ok && netErr.Timeout()
}

// exchangeSession routes data through the session handshake when the
// transport is not known to be connected, then performs the exchange and
// parses the reply. Callers hold c.mu.
func (c *Client) exchangeSession(data []byte) (*protocol.Response, error) {
	if c.transport.State() != transport.Connected && len(data) > 0 {
		greeting, err := c.exchange(nil)
		if err != nil {
			return nil, err
		}

		resp := protocol.Parse(greeting)
		switch {
		case resp.Type == protocol.RespErr && resp.Err == protocol.ErrAuthFailed:
			return nil, protocol.ErrAuthFailed

		case resp.Type == protocol.RespBanner && resp.RequiresAuth:
			return c.authorize(data, resp.Nonce)
		}

		// "PJLINK 0", an empty line or no banner at all: the device
		// needs no authentication, send the command as-is.
	}

	line, err := c.exchange(data)
	if err != nil {
		return nil, err
	}

	resp := protocol.Parse(line)

	if resp.Type == protocol.RespBanner {
		// A greeting in the middle of an established session means the
		// device restarted the conversation. Drop the session; the next
		// exchange re-runs the handshake.
		c.log.Warn("Received a banner mid-session, dropping the connection",
			zap.String("raw", resp.Raw))

		if err := c.transport.Close(); err != nil {
			c.log.Warn("Unable to drop the session cleanly", zap.Error(err))
		}

		return nil, fmt.Errorf("%w: unexpected banner %q", protocol.ErrTransport, resp.Raw)
	}

	return resp, nil
}

// authorize sends data prefixed with the MD5 digest of (nonce || password)
// as the one authenticated command that establishes the session.
func (c *Client) authorize(data []byte, nonce string) (*protocol.Response, error) {
	c.log.Debug("Authenticating session", zap.String("nonce", nonce))

	sum := md5.Sum([]byte(nonce + c.password))
	command := append([]byte(hex.EncodeToString(sum[:])), data...)

	resp, err := c.exchangeSession(command)
	if err != nil {
		return nil, err
	}

	if resp.ErrorOrNil() == protocol.ErrAuthFailed {
		if cerr := c.transport.Close(); cerr != nil {
			c.log.Warn("Unable to drop the session after auth failure", zap.Error(cerr))
		}

		return nil, protocol.ErrAuthFailed
	}

	return resp, nil
}

// sendWithRetry sends a command and, while the reply is neither a PJLink
// error nor a reply carrying the expected tag, scrolls past stale replies
// with blank exchanges. On exhaustion it returns the N/A sentinel.
func (c *Client) sendWithRetry(data []byte, tag string) (*protocol.Response, error) {
	resp, err := c.exchangeSession(data)
	if err != nil {
		return nil, err
	}

	if resp.Matches(tag) {
		return resp, nil
	}

	for attempt := 0; attempt < commandRetryAttempts; attempt++ {
		c.log.Debug("Scrolling past a stale reply",
			zap.String("expected", tag),
			zap.String("received", resp.Raw))

		c.sleep(commandRetryInterval)

		resp, err = c.exchangeSession(nil)
		if err != nil {
			return nil, err
		}

		if resp.Matches(tag) {
			return resp, nil
		}
	}

	return &protocol.Response{Type: protocol.RespValue, Value: protocol.NotAvailable}, nil
}

// queryValue runs a status command and returns its value. Device errors
// are absorbed: ERR1 marks the tag unsupported so the command is skipped
// from then on, and any ERRn yields "" so the property is omitted.
// AuthFailed and Transport errors propagate.
func (c *Client) queryValue(cmd protocol.Command) (string, error) {
	if c.isUnsupported(cmd.Tag) {
		return "", nil
	}

	resp, err := c.sendWithRetry(cmd.Clone(), cmd.Tag)
	if err != nil {
		return "", err
	}

	if derr := resp.ErrorOrNil(); derr != nil {
		if derr == protocol.ErrAuthFailed {
			return "", derr
		}

		if derr == protocol.ErrUnsupported {
			c.markUnsupported(cmd.Tag)
		}

		c.log.Warn("Device rejected status command",
			zap.String("tag", cmd.Tag),
			zap.Error(derr))

		return "", nil
	}

	if resp.Value == protocol.NotAvailable {
		return "", nil
	}

	return resp.Value, nil
}

func (c *Client) isUnsupported(key string) bool {
	_, found := c.unsupported[key]
	return found
}

func (c *Client) markUnsupported(key string) {
	c.unsupported[key] = struct{}{}
}
