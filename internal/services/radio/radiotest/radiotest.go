// Package radiotest provides controllable in-memory transports for tests.
package radiotest

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

// Radio is a fake radio.Radio. Events are only delivered when the test
// calls Emit, unless AutoAPStart is set.
type Radio struct {
	mu       sync.Mutex
	calls    []string
	listener func(radio.Event)

	// AutoAPStart emits EventAPStarted from StartAP.
	AutoAPStart bool
	// StartAPErr is returned by StartAP.
	StartAPErr error

	LastStation radio.StationParams
	LastAP      radio.APParams

	station  radio.StationInfo
	ap       radio.Link
	networks []radio.Network
	scan     radio.ScanStatus
}

// NewRadio returns an idle fake radio.
func NewRadio() *Radio {
	return &Radio{}
}

func (r *Radio) record(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *Radio) StartStation(_ context.Context, p radio.StationParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("StartStation %s", p.SSID)
	r.LastStation = p
	r.station = radio.StationInfo{State: radio.StationConnecting, SSID: p.SSID, BSSID: p.BSSID}
	return nil
}

func (r *Radio) Reconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("Reconnect")
	return nil
}

func (r *Radio) Disconnect(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("Disconnect")
	r.station = radio.StationInfo{}
	return nil
}

func (r *Radio) StartAP(_ context.Context, p radio.APParams) error {
	r.mu.Lock()
	r.record("StartAP %s", p.Address)
	r.LastAP = p
	if r.StartAPErr != nil {
		err := r.StartAPErr
		r.mu.Unlock()
		return err
	}
	r.ap = radio.Link{Up: true, IP: p.Address, MAC: "AA:BB:CC:DD:EE:01"}
	auto := r.AutoAPStart
	r.mu.Unlock()

	if auto {
		r.Emit(radio.Event{Kind: radio.EventAPStarted, Addr: p.Address})
	}
	return nil
}

func (r *Radio) StopAP(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("StopAP")
	r.ap = radio.Link{}
	return nil
}

func (r *Radio) StartScan(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("StartScan")
	r.scan = radio.ScanRunning
	r.networks = nil
	return nil
}

func (r *Radio) ScanResults() ([]radio.Network, radio.ScanStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]radio.Network(nil), r.networks...), r.scan
}

func (r *Radio) Station() radio.StationInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.station
}

func (r *Radio) AccessPoint() radio.Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ap
}

func (r *Radio) Listen(fn func(radio.Event)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.listener = nil
	}
}

// Emit delivers ev synchronously to the registered listener, if any.
func (r *Radio) Emit(ev radio.Event) {
	r.mu.Lock()
	fn := r.listener
	r.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Listening reports whether a listener is registered.
func (r *Radio) Listening() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener != nil
}

// SetStation replaces the station snapshot.
func (r *Radio) SetStation(info radio.StationInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.station = info
}

// Associate marks the station connected with addr.
func (r *Radio) Associate(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.station.State = radio.StationConnected
	r.station.Reason = radio.FailureNone
	r.station.RSSI = -60
	r.station.Link = radio.Link{Up: true, IP: netip.MustParseAddr(addr), MAC: "AA:BB:CC:DD:EE:02"}
}

// Fail marks the station association as failed.
func (r *Radio) Fail(reason radio.FailureReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.station.State = radio.StationFailed
	r.station.Reason = reason
	r.station.Link = radio.Link{}
}

// SetScan replaces the scan results and status.
func (r *Radio) SetScan(networks []radio.Network, status radio.ScanStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.networks = networks
	r.scan = status
}

// Calls returns the recorded calls in order.
func (r *Radio) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Count returns how many recorded calls equal call.
func (r *Radio) Count(call string) int {
	n := 0
	for _, c := range r.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

// Wired is a fake radio.Wired.
type Wired struct {
	mu       sync.Mutex
	calls    []string
	listener func(radio.Event)
	link     radio.Link

	LastHostname string
	LastStatic   *radio.IPConfig
}

// NewWired returns a fake wired transport with no link.
func NewWired() *Wired {
	return &Wired{}
}

func (w *Wired) Start(_ context.Context, hostname string, static *radio.IPConfig) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "Start")
	w.LastHostname = hostname
	w.LastStatic = static
	return nil
}

func (w *Wired) Stop(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "Stop")
	w.link = radio.Link{}
	return nil
}

func (w *Wired) Link() radio.Link {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.link
}

// SetLink replaces the link snapshot.
func (w *Wired) SetLink(l radio.Link) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.link = l
}

func (w *Wired) Listen(fn func(radio.Event)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listener = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.listener = nil
	}
}

// Emit delivers ev synchronously to the registered listener, if any.
func (w *Wired) Emit(ev radio.Event) {
	w.mu.Lock()
	fn := w.listener
	w.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Calls returns the recorded calls in order.
func (w *Wired) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}
