package att

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTransactionTimeout is the ATT transaction timeout.
const DefaultTransactionTimeout = 30 * time.Second

// RequestTracker enforces the one-outstanding-request rule on the client
// side of a bearer and matches responses to the request that caused them.
type RequestTracker struct {
	mu      sync.Mutex
	pending *pendingRequest
	timeout time.Duration
}

type pendingRequest struct {
	opcode   uint8
	handle   uint16
	response chan Response
	timer    *time.Timer
	sentAt   time.Time
}

// Response is what a caller receives for its request: the decoded response
// packet, or an error (peer Error Response, timeout, cancellation).
type Response struct {
	Packet interface{}
	Error  error
}

// NewRequestTracker creates a tracker; a zero timeout selects the ATT default.
func NewRequestTracker(timeout time.Duration) *RequestTracker {
	if timeout == 0 {
		timeout = DefaultTransactionTimeout
	}
	return &RequestTracker{timeout: timeout}
}

// Start registers a request. It fails while another request is outstanding.
func (rt *RequestTracker) Start(opcode uint8, handle uint16) (<-chan Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending != nil {
		return nil, fmt.Errorf("att: %s already pending on handle 0x%04X",
			OpcodeName(rt.pending.opcode), rt.pending.handle)
	}
	if ResponseOpcode(opcode) == 0 {
		return nil, fmt.Errorf("att: %s is not a request", OpcodeName(opcode))
	}

	p := &pendingRequest{
		opcode:   opcode,
		handle:   handle,
		response: make(chan Response, 1),
		sentAt:   time.Now(),
	}
	p.timer = time.AfterFunc(rt.timeout, func() { rt.expire(p) })
	rt.pending = p
	return p.response, nil
}

func (rt *RequestTracker) expire(p *pendingRequest) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending != p {
		return
	}
	rt.finish(Response{Error: fmt.Errorf("att: %s timed out after %v (handle 0x%04X)",
		OpcodeName(p.opcode), rt.timeout, p.handle)})
}

// finish delivers r and clears the pending slot. Caller holds mu.
func (rt *RequestTracker) finish(r Response) {
	p := rt.pending
	rt.pending = nil
	p.timer.Stop()
	p.response <- r
	close(p.response)
}

// Complete delivers a response PDU. Error Responses for the pending request
// are delivered as *Error.
func (rt *RequestTracker) Complete(responseOpcode uint8, packet interface{}) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return fmt.Errorf("att: unsolicited %s", OpcodeName(responseOpcode))
	}

	if errResp, ok := packet.(*ErrorResponse); ok {
		rt.finish(Response{Error: NewError(errResp.ErrorCode, errResp.RequestOpcode, errResp.Handle)})
		return nil
	}

	expected := ResponseOpcode(rt.pending.opcode)
	if responseOpcode != expected {
		return fmt.Errorf("att: unexpected %s for %s (expected %s)",
			OpcodeName(responseOpcode), OpcodeName(rt.pending.opcode), OpcodeName(expected))
	}

	rt.finish(Response{Packet: packet})
	return nil
}

// Fail fails the pending request with err. No-op when nothing is pending.
func (rt *RequestTracker) Fail(err error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending != nil {
		rt.finish(Response{Error: err})
	}
}

// Pending reports the outstanding request, if any.
func (rt *RequestTracker) Pending() (opcode uint8, handle uint16, age time.Duration, ok bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.pending == nil {
		return 0, 0, 0, false
	}
	return rt.pending.opcode, rt.pending.handle, time.Since(rt.pending.sentAt), true
}
