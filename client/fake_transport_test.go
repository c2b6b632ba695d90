package client_test

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/luma/pjlink/transport"
)

// timeoutError is what a blank read yields when the device has nothing
// queued, mirroring a socket read deadline.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeDevice is an in-memory transport.Transport scripted like a PJLink
// device: Open queues the banner, every Write queues the scripted reply
// and ReadUntil pops one queued line. Replies may contain embedded '\r'
// to queue stale lines behind a real one.
type fakeDevice struct {
	mu sync.Mutex

	banner   string
	password string
	replies  map[string]string
	unknown  string

	state       transport.State
	authPending bool
	pending     []string

	// requests are the command lines received, digests stripped;
	// rawRequests keeps the lines exactly as written.
	requests    []string
	rawRequests []string

	openErr  error
	writeErr error
}

func newFakeDevice(banner, password string, replies map[string]string) *fakeDevice {
	return &fakeDevice{
		banner:   banner,
		password: password,
		replies:  replies,
		unknown:  "ERR1",
		state:    transport.Disconnected,
	}
}

func (f *fakeDevice) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.openErr != nil {
		return f.openErr
	}

	f.state = transport.Connected
	f.pending = append(f.pending, f.banner)
	f.authPending = strings.HasPrefix(f.banner, "PJLINK 1 ")

	return nil
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.state = transport.Disconnected
	f.pending = nil

	return nil
}

func (f *fakeDevice) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}

	request := strings.TrimSuffix(string(data), "\r")
	f.rawRequests = append(f.rawRequests, request)

	if f.authPending {
		digest := f.expectedDigest()

		if len(request) < 32 || !strings.EqualFold(request[:32], digest) {
			f.pending = append(f.pending, "PJLINK ERRA")
			return nil
		}

		request = request[32:]
		f.authPending = false
	}

	f.requests = append(f.requests, request)

	reply, scripted := f.replies[request]
	if !scripted {
		reply = f.unknown
	}

	f.pending = append(f.pending, strings.Split(reply, "\r")...)

	return nil
}

func (f *fakeDevice) ReadUntil(delim byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return nil, timeoutError{}
	}

	line := f.pending[0]
	f.pending = f.pending[1:]

	return append([]byte(line), delim), nil
}

func (f *fakeDevice) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

func (f *fakeDevice) expectedDigest() string {
	const authPrefix = "PJLINK 1 "

	nonce := strings.TrimSpace(f.banner[len(authPrefix):])
	sum := md5.Sum([]byte(nonce + f.password))

	return hex.EncodeToString(sum[:])
}

func (f *fakeDevice) setReply(request, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.replies[request] = reply
}

func (f *fakeDevice) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.requests))
	copy(out, f.requests)

	return out
}

func (f *fakeDevice) RawRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.rawRequests))
	copy(out, f.rawRequests)

	return out
}

func (f *fakeDevice) countRequests(request string) int {
	count := 0
	for _, r := range f.Requests() {
		if r == request {
			count++
		}
	}

	return count
}

var _ transport.Transport = (*fakeDevice)(nil)
