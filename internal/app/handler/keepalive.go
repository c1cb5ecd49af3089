package handler

import (
	"sync"
	"time"
)

// keepAlive sends on a fixed interval until stopped.
type keepAlive struct {
	stop chan struct{}
	once sync.Once
}

func startKeepAlive(interval time.Duration, send func()) *keepAlive {
	k := &keepAlive{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-k.stop:
				return
			case <-ticker.C:
				send()
			}
		}
	}()
	return k
}

func (k *keepAlive) Stop() {
	k.once.Do(func() { close(k.stop) })
}
