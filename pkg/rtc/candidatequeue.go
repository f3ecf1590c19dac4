package rtc

import (
	"github.com/gammazero/deque"

	"github.com/peerdial/peerdial/pkg/engine"
)

// candidateQueue buffers remote ICE candidates that arrive before both
// descriptions are set. A nil pending deque means the queue has already
// been drained and candidates go straight to the engine; present but
// empty means initialized with nothing buffered yet. The distinction
// drives forwarding, so the queue is never re-created after draining.
//
// All methods run on the client's ops queue, which is the only
// synchronization this type gets.
type candidateQueue struct {
	eng     engine.Engine
	pending *deque.Deque[engine.IceCandidate]
}

func (q *candidateQueue) init(eng engine.Engine) {
	q.eng = eng
	q.pending = &deque.Deque[engine.IceCandidate]{}
	// Minimum capacity 2^4 = 16 items (deque v0.2.x SetMinCapacity is the
	// exponent form of v1's SetBaseCap(16)).
	q.pending.SetMinCapacity(4)
}

// enqueueOrForward buffers while undrained, forwards after.
func (q *candidateQueue) enqueueOrForward(c engine.IceCandidate) {
	if q.pending != nil {
		q.pending.PushBack(c)
	} else {
		q.eng.AddCandidate(c)
	}
}

// drain forwards buffered candidates in arrival order and marks the
// queue drained. Draining twice is a no-op.
func (q *candidateQueue) drain() {
	if q.pending == nil {
		return
	}
	for q.pending.Len() != 0 {
		q.eng.AddCandidate(q.pending.PopFront())
	}
	q.pending = nil
}

// remove drains first so removals cannot overtake buffered additions.
func (q *candidateQueue) remove(cs []engine.IceCandidate) {
	q.drain()
	q.eng.RemoveCandidates(cs)
}
