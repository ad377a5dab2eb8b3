package conversation

import (
	"context"
	"io"
	"sync"
)

// Frame is one outbound transport message: either an audio payload or a named mark.
type Frame struct {
	Payload []byte // μ-law 8 kHz
	Mark    string
}

// IsMark reports whether the frame is a mark rather than audio.
func (f Frame) IsMark() bool { return f.Mark != "" }

// AudioQueue is an unbounded FIFO of outbound frames with a single consumer.
// Push never blocks; Next blocks until a frame is available or the queue is closed and empty.
type AudioQueue struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
	ready  chan struct{}
}

// NewAudioQueue creates an empty open queue.
func NewAudioQueue() *AudioQueue {
	return &AudioQueue{ready: make(chan struct{}, 1)}
}

// Push appends a frame. It reports false if the queue is closed.
func (q *AudioQueue) Push(f Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	q.signal()
	return true
}

// Close stops further pushes. Frames already queued are still returned by Next.
func (q *AudioQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of queued frames.
func (q *AudioQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Next returns the oldest frame, or io.EOF once the queue is closed and drained.
func (q *AudioQueue) Next(ctx context.Context) (Frame, error) {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			f := q.frames[0]
			q.frames[0] = Frame{}
			q.frames = q.frames[1:]
			q.mu.Unlock()
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			q.signal()
			return Frame{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-q.ready:
		}
	}
}

func (q *AudioQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
