package att

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultMTU is the ATT MTU before any exchange.
const DefaultMTU = 23

var (
	// ErrQueueOffset is returned when a prepared fragment does not continue
	// the value already queued for its handle.
	ErrQueueOffset = errors.New("att: prepare write offset does not continue queued value")
	// ErrQueueFull is returned when the prepare queue would exceed its byte limit.
	ErrQueueFull = errors.New("att: prepare queue full")
)

// PrepareQueue holds Prepare Write fragments per handle until an Execute
// Write commits or cancels them. Used only from the connection's processing
// goroutine.
type PrepareQueue struct {
	limit  int
	queued int
	values map[uint16][]byte
}

// NewPrepareQueue creates a queue that accepts at most limit bytes across
// all handles. A limit of 0 means no limit.
func NewPrepareQueue(limit int) *PrepareQueue {
	return &PrepareQueue{
		limit:  limit,
		values: make(map[uint16][]byte),
	}
}

// Add appends a fragment. Fragments for a handle must arrive in order with
// no gaps.
func (q *PrepareQueue) Add(req *PrepareWriteRequest) error {
	if req == nil {
		return fmt.Errorf("att: nil prepare write request")
	}

	current := q.values[req.Handle]
	if int(req.Offset) != len(current) {
		return ErrQueueOffset
	}
	if q.limit > 0 && q.queued+len(req.Value) > q.limit {
		return ErrQueueFull
	}

	q.values[req.Handle] = append(current, req.Value...)
	q.queued += len(req.Value)
	return nil
}

// Value returns the reassembled value for a handle, nil when nothing is queued.
func (q *PrepareQueue) Value(handle uint16) []byte {
	v, ok := q.values[handle]
	if !ok {
		return nil
	}
	return append([]byte{}, v...)
}

// Handles returns the queued handles in ascending order.
func (q *PrepareQueue) Handles() []uint16 {
	handles := make([]uint16, 0, len(q.values))
	for h := range q.values {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

// Len returns the number of queued bytes.
func (q *PrepareQueue) Len() int {
	return q.queued
}

// Reset drops everything queued. Called after Execute Write and on disconnect.
func (q *PrepareQueue) Reset() {
	q.values = make(map[uint16][]byte)
	q.queued = 0
}

// ShouldFragment reports whether value is too large for a single Write
// Request at the given MTU ([opcode][handle][value]).
func ShouldFragment(mtu int, value []byte) bool {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return len(value) > mtu-3
}

// FragmentWrite splits value into Prepare Write requests that each fit the
// MTU ([opcode][handle][offset][value]).
func FragmentWrite(handle uint16, value []byte, mtu int) ([]*PrepareWriteRequest, error) {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if !ShouldFragment(mtu, value) {
		return nil, fmt.Errorf("att: value does not need fragmentation (len=%d, mtu=%d)", len(value), mtu)
	}
	if len(value) > 0xFFFF {
		return nil, fmt.Errorf("att: value too long for prepared writes (len=%d)", len(value))
	}

	chunk := mtu - 5
	if chunk <= 0 {
		return nil, fmt.Errorf("att: MTU too small for fragmentation (mtu=%d)", mtu)
	}

	var requests []*PrepareWriteRequest
	for offset := 0; offset < len(value); offset += chunk {
		end := offset + chunk
		if end > len(value) {
			end = len(value)
		}
		requests = append(requests, &PrepareWriteRequest{
			Handle: handle,
			Offset: uint16(offset),
			Value:  append([]byte{}, value[offset:end]...),
		})
	}
	return requests, nil
}
