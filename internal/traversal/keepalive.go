package traversal

import (
	"net/netip"
	"time"

	"github.com/matst80/natpunch/internal/obs"
	"github.com/matst80/natpunch/internal/spoof"
)

// keepAliveSettings is captured once per session; the ticker goroutine only reads it.
type keepAliveSettings struct {
	source   netip.AddrPort
	service  netip.AddrPort
	datagram []byte
}

type keepAlive struct {
	stop chan struct{}
	done chan struct{}
}

// startKeepAlive sends settings.datagram every interval, first at +interval.
func startKeepAlive(settings keepAliveSettings, sp spoof.Spoofer, interval time.Duration) *keepAlive {
	k := &keepAlive{stop: make(chan struct{}), done: make(chan struct{})}

	go func() {
		defer close(k.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-k.stop:
				return
			case <-ticker.C:
				if err := sp.Send(settings.source, settings.service, settings.datagram); err != nil {
					obs.Debug("keepalive.send", obs.Fields{"src": settings.source.String(), "err": err.Error()})
					continue
				}
				obs.KeepAlivesSentTotal.Inc()
			}
		}
	}()
	return k
}

// Stop returns after the ticker goroutine has exited; no send happens afterwards.
func (k *keepAlive) Stop() {
	close(k.stop)
	<-k.done
}
