package transport

import (
	"bufio"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State describes what the transport knows about its connection.
type State int

const (
	Disconnected State = iota
	Connected
	Unknown
)

// Transport is the byte-level collaborator the client drives. One
// Transport is bound to one device address. Implementations are not
// required to be safe for concurrent use; the client serializes every
// exchange behind its own mutex.
type Transport interface {
	Open() error
	Close() error
	Write(data []byte) error
	ReadUntil(delim byte) ([]byte, error)
	State() State
}

// TCP is the production Transport: one TCP connection to the device with
// CR-framed reads.
type TCP struct {
	addr        string
	dialTimeout time.Duration
	readTimeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &TCP{
		addr:        net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		dialTimeout: options.DialTimeout,
		readTimeout: options.ReadTimeout,
		log:         log,
	}
}

// Open dials the device. Opening an already-open transport is a no-op.
func (t *TCP) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	t.log.Debug("Dialing device", zap.String("addr", t.addr))

	conn, err := net.DialTimeout("tcp", t.addr, t.dialTimeout)
	if err != nil {
		return err
	}

	t.conn = conn
	t.reader = bufio.NewReader(conn)

	return nil
}

// Close tears the connection down. Closing a closed transport is a no-op.
func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.teardown()
}

func (t *TCP) Write(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return net.ErrClosed
	}

	if _, err := conn.Write(data); err != nil {
		t.dropConn()
		return err
	}

	return nil
}

// ReadUntil reads one response framed by delim. The delimiter is included
// in the returned bytes. A read deadline is applied when ReadTimeout is
// configured; timeouts surface as net.Error with Timeout() == true and do
// not tear the connection down.
func (t *TCP) ReadUntil(delim byte) ([]byte, error) {
	t.mu.Lock()
	conn, reader := t.conn, t.reader
	t.mu.Unlock()

	if conn == nil {
		return nil, net.ErrClosed
	}

	if t.readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return nil, err
		}
	}

	line, err := reader.ReadBytes(delim)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return line, err
		}

		t.dropConn()
		return line, err
	}

	return line, nil
}

func (t *TCP) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return Disconnected
	}

	return Connected
}

func (t *TCP) dropConn() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.teardown(); err != nil {
		t.log.Warn("Connection did not close cleanly", zap.Error(err))
	}
}

func (t *TCP) teardown() error {
	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	t.reader = nil

	return err
}

var _ Transport = (*TCP)(nil)
