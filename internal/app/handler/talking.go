package handler

import "sync"

const (
	// Audio levels are -dBov: 0 is loudest, 127 silence.
	talkThreshold = 50
	// About one second of 20ms audio packets.
	quietPackets = 50
)

// talkDetector turns per-packet audio levels into talking transitions.
type talkDetector struct {
	mu      sync.Mutex
	talking bool
	quiet   int
}

func (d *talkDetector) push(level uint8) (talking, changed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if level <= talkThreshold {
		d.quiet = 0
		if !d.talking {
			d.talking = true
			return true, true
		}
		return true, false
	}
	d.quiet++
	if d.talking && d.quiet >= quietPackets {
		d.talking = false
		return false, true
	}
	return d.talking, false
}
