package proxy

import (
	"sync"

	"github.com/romshark/queueproxy/hsa"
)

// Registry maps doorbell signal identities to the proxy queues owning them.
// It is safe for concurrent use: lookups run on every intercepted call and
// may overlap with registrations from other queues being created or
// destroyed.
type Registry struct {
	lock   sync.RWMutex
	queues map[uint64]*ProxyQueue
}

func NewRegistry() *Registry {
	return &Registry{queues: make(map[uint64]*ProxyQueue)}
}

// Register maps signal to q. It fails if signal is already registered.
func (r *Registry) Register(signal hsa.Signal, q *ProxyQueue) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.queues[signal.Handle]; ok {
		return ErrAlreadyRegistered
	}
	r.queues[signal.Handle] = q
	return nil
}

// Lookup returns the proxy queue owning signal, if any.
func (r *Registry) Lookup(signal hsa.Signal) (*ProxyQueue, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	q, ok := r.queues[signal.Handle]
	return q, ok
}

// Unregister removes signal and reports whether it was registered.
func (r *Registry) Unregister(signal hsa.Signal) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.queues[signal.Handle]; !ok {
		return false
	}
	delete(r.queues, signal.Handle)
	return true
}

// Len returns the number of registered queues.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.queues)
}
