// Package optimistic keeps short-lived predictions of device state that
// zone-level readers see before the device confirms a write.
package optimistic

import (
	"sync"
	"time"

	"github.com/dokzlo13/thermd/internal/device"
)

// DefaultTimeout is how long a prediction stays visible.
const DefaultTimeout = 10 * time.Second

// Mismatch is a predicted field whose confirmed value differs.
type Mismatch struct {
	Field     device.Field
	Predicted float64
	Actual    float64
}

// prediction holds the predicted fields with their creation time.
type prediction struct {
	fields    device.State
	createdAt time.Time
}

// Overlay is an in-memory, per-device prediction table with lazy expiry.
type Overlay struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	entries map[int64]*prediction
}

// New creates an overlay whose predictions expire after timeout.
func New(timeout time.Duration) *Overlay {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Overlay{
		timeout: timeout,
		now:     time.Now,
		entries: make(map[int64]*prediction),
	}
}

func (o *Overlay) expired(p *prediction) bool {
	return o.now().Sub(p.createdAt) > o.timeout
}

// Set replaces the device's prediction and restarts its timer.
func (o *Overlay) Set(deviceID int64, fields device.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[deviceID] = &prediction{fields: fields.Clone(), createdAt: o.now()}
}

// Get returns the live prediction for a device.
func (o *Overlay) Get(deviceID int64) (device.State, bool) {
	p, live := o.lookup(deviceID)
	if !live {
		return device.State{}, false
	}
	return p.fields.Clone(), true
}

// lookup returns the device's prediction and whether it is still live. An
// expired entry is deleted on the way out and returned only to the caller
// that deleted it, so its mismatches are reported once.
func (o *Overlay) lookup(deviceID int64) (*prediction, bool) {
	o.mu.RLock()
	p, ok := o.entries[deviceID]
	o.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !o.expired(p) {
		return p, true
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.entries[deviceID]; ok && cur == p {
		delete(o.entries, deviceID)
		return p, false
	}
	return nil, false
}

// Effective overlays the live prediction, if any, on the real state. When
// the read expires the prediction, the real state is returned together with
// the predicted fields it contradicts.
func (o *Overlay) Effective(deviceID int64, real device.State) (device.State, []Mismatch) {
	p, live := o.lookup(deviceID)
	switch {
	case p == nil:
		return real.Clone(), nil
	case !live:
		return real.Clone(), mismatches(p.fields, real)
	}
	return real.Overlay(p.fields), nil
}

// Clear removes the device's prediction and reports the predicted fields
// that the real state contradicts. Fields the real state does not know yet
// are not mismatches.
func (o *Overlay) Clear(deviceID int64, real device.State) []Mismatch {
	o.mu.Lock()
	p, ok := o.entries[deviceID]
	delete(o.entries, deviceID)
	o.mu.Unlock()

	if !ok {
		return nil
	}
	return mismatches(p.fields, real)
}

func mismatches(predicted, real device.State) []Mismatch {
	var out []Mismatch
	for _, f := range predicted.Present() {
		want, _ := predicted.Get(f)
		actual, known := real.Get(f)
		if known && actual != want {
			out = append(out, Mismatch{Field: f, Predicted: want, Actual: actual})
		}
	}
	return out
}

// Len returns the number of stored predictions, expired ones included.
func (o *Overlay) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}
