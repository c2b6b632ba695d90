package simulator

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Device is a scripted PJLink projector: a TCP server that greets with
// the configured banner, verifies the authentication digest when the
// banner requests one, and answers each command line from its Script.
// It backs the end-to-end tests and the `simulate` command.
type Device struct {
	script *Script
	log    *zap.Logger

	listener net.Listener
	loops    sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	requests []string
	closed   bool
}

// Start listens on addr (e.g. "127.0.0.1:4352"; use port 0 for an
// ephemeral port) and begins accepting connections.
func Start(addr string, script *Script, log *zap.Logger) (*Device, error) {
	if log == nil {
		log = zap.NewNop()
	}

	listener, err := reuseport.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	d := &Device{
		script:   script,
		log:      log.Named("simulator"),
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}

	d.loops.Add(1)
	go d.acceptLoop()

	return d, nil
}

// Addr is the address the device listens on.
func (d *Device) Addr() net.Addr {
	return d.listener.Addr()
}

// Requests returns every command line received so far, in arrival order,
// with authentication digests stripped.
func (d *Device) Requests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, len(d.requests))
	copy(out, d.requests)

	return out
}

// Close stops accepting and tears down every active connection.
func (d *Device) Close() error {
	d.mu.Lock()
	d.closed = true
	err := d.listener.Close()

	for conn := range d.conns {
		err = multierr.Append(err, conn.Close())
		delete(d.conns, conn)
	}
	d.mu.Unlock()

	d.loops.Wait()

	return err
}

func (d *Device) acceptLoop() {
	defer d.loops.Done()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			netOpError := new(net.OpError)

			if errors.As(err, &netOpError) || d.isClosed() {
				// The listener was closed under us, that's fine.
				return
			}

			d.log.Warn("Accept failed", zap.Error(err))
			return
		}

		d.addConn(conn)

		d.loops.Add(1)
		go func() {
			defer d.loops.Done()
			d.serveConn(conn)
		}()
	}
}

func (d *Device) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		d.removeConn(conn)
	}()

	log := d.log.Named("conn").With(zap.String("remote", conn.RemoteAddr().String()))

	// Every PJLink conversation starts with the device's greeting.
	if err := d.writeLine(conn, d.script.Banner); err != nil {
		log.Warn("Failed to send banner", zap.Error(err))
		return
	}

	expectedDigest := d.expectedDigest()
	authPending := expectedDigest != ""

	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadBytes('\r')
		if err != nil {
			return
		}

		request := strings.TrimSuffix(string(line), "\r")

		if authPending {
			if len(request) < 32 || !strings.EqualFold(request[:32], expectedDigest) {
				if err := d.writeLine(conn, "PJLINK ERRA"); err != nil {
					return
				}
				continue
			}

			request = request[32:]
			authPending = false
		}

		d.recordRequest(request)

		if err := d.writeLine(conn, d.script.next(request)); err != nil {
			log.Warn("Failed to reply", zap.String("request", request), zap.Error(err))
			return
		}
	}
}

// expectedDigest derives the digest an authenticating client must prepend
// to its first command, or "" when the banner requests no authentication.
func (d *Device) expectedDigest() string {
	const authPrefix = "PJLINK 1 "

	if !strings.HasPrefix(d.script.Banner, authPrefix) {
		return ""
	}

	nonce := strings.TrimSpace(d.script.Banner[len(authPrefix):])
	sum := md5.Sum([]byte(nonce + d.script.Password))

	return hex.EncodeToString(sum[:])
}

// writeLine writes one or more CR-terminated lines. Embedded '\r' in the
// payload splits it into multiple lines, which lets a script queue stale
// replies behind a real one.
func (d *Device) writeLine(conn net.Conn, payload string) error {
	_, err := conn.Write([]byte(payload + "\r"))
	return err
}

func (d *Device) recordRequest(request string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, request)
}

func (d *Device) addConn(conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.conns[conn] = struct{}{}
}

func (d *Device) removeConn(conn net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.conns, conn)
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closed
}
