package utils

import (
	"sync"

	"github.com/peerdial/peerdial/pkg/logger"
)

// OpsQueue serializes operations onto a single goroutine. Connection
// state is only ever touched from inside queued ops, so the queue is the
// synchronization primitive for the whole negotiation core.
type OpsQueue struct {
	logger logger.Logger
	name   string
	size   int

	lock      sync.RWMutex
	ops       chan func()
	isStopped bool
	done      chan struct{}
}

func NewOpsQueue(l logger.Logger, name string, size int) *OpsQueue {
	return &OpsQueue{
		logger: l,
		name:   name,
		size:   size,
		ops:    make(chan func(), size),
		done:   make(chan struct{}),
	}
}

func (oq *OpsQueue) SetLogger(l logger.Logger) {
	oq.logger = l
}

func (oq *OpsQueue) Start() {
	go oq.process()
}

// Stop closes the queue. Ops already enqueued still run; later enqueues
// are dropped. Done unblocks once the last op has finished.
func (oq *OpsQueue) Stop() {
	oq.lock.Lock()
	if oq.isStopped {
		oq.lock.Unlock()
		return
	}

	oq.isStopped = true
	close(oq.ops)
	oq.lock.Unlock()
}

func (oq *OpsQueue) Done() <-chan struct{} {
	return oq.done
}

func (oq *OpsQueue) Enqueue(op func()) {
	oq.lock.RLock()
	if oq.isStopped {
		oq.lock.RUnlock()
		return
	}

	select {
	case oq.ops <- op:
	default:
		oq.logger.Errorw("ops queue full", nil, "name", oq.name, "size", oq.size)
	}
	oq.lock.RUnlock()
}

func (oq *OpsQueue) process() {
	for op := range oq.ops {
		op()
	}
	close(oq.done)
}
