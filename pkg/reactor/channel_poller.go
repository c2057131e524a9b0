package reactor

import (
	"context"
	"sync"
)

// ChannelPoller is the production Poller: a buffered channel of Tasks,
// grounded on juanpablocruz-maep/pkg/transport/mem.go's Switch/Endpoint
// shape (an inbox channel per endpoint, drained by one consumer). Its
// name reflects the pluggable delivery seam, not literal socket polling.
type ChannelPoller struct {
	tasks  chan Task
	closed chan struct{}
	once   sync.Once
}

// NewChannelPoller returns a ChannelPoller whose task queue holds up to n
// pending Tasks before Post blocks.
func NewChannelPoller(n int) *ChannelPoller {
	if n <= 0 {
		n = 1
	}
	return &ChannelPoller{
		tasks:  make(chan Task, n),
		closed: make(chan struct{}),
	}
}

func (c *ChannelPoller) Post(t Task) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.tasks <- t:
		return true
	case <-c.closed:
		return false
	}
}

func (c *ChannelPoller) Wait(ctx context.Context) (Task, bool) {
	select {
	case t, ok := <-c.tasks:
		if !ok {
			return nil, false
		}
		return t, true
	case <-c.closed:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (c *ChannelPoller) Close() {
	c.once.Do(func() { close(c.closed) })
}
