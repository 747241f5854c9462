package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bbernstein/lacyconnect/internal/services/executil"
	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

// WiredConnection is the NetworkManager profile used for the wired interface.
const WiredConnection = "lacyconnect-eth"

// DefaultPollInterval is how often the wired link is sampled.
const DefaultPollInterval = time.Second

// WiredOptions configures a Wired transport.
type WiredOptions struct {
	Executor     executil.CommandExecutor
	Interface    string
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Wired implements radio.Wired over a NetworkManager ethernet profile. The
// link is sampled from the kernel rather than from nmcli.
type Wired struct {
	executor     executil.CommandExecutor
	iface        string
	pollInterval time.Duration
	logger       *zap.Logger
	spawn        func(func())
	lookup       func(name string) (radio.Link, error)

	mu       sync.Mutex
	listener func(radio.Event)
	link     radio.Link
	started  bool
	gen      uint64
}

var _ radio.Wired = (*Wired)(nil)

// NewWired creates a wired transport for opts.Interface.
func NewWired(opts WiredOptions) *Wired {
	w := &Wired{
		executor:     opts.Executor,
		iface:        opts.Interface,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		spawn:        func(f func()) { go f() },
		lookup:       interfaceLink,
	}
	if w.executor == nil {
		w.executor = executil.Real{}
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	w.logger = w.logger.Named("wired").With(zap.String("interface", w.iface))
	return w
}

// Interface returns the wired device name.
func (w *Wired) Interface() string {
	return w.iface
}

// Start writes the wired profile with the hostname and optional static
// address and activates it in the background.
func (w *Wired) Start(_ context.Context, hostname string, static *radio.IPConfig) error {
	_, _ = w.executor.Execute("nmcli", "connection", "delete", WiredConnection)

	args := []string{
		"connection", "add",
		"type", "ethernet",
		"ifname", w.iface,
		"con-name", WiredConnection,
		"autoconnect", "yes",
	}
	if hostname != "" {
		args = append(args, "ipv4.dhcp-hostname", hostname)
	}
	args = append(args, IPv4Args(static)...)
	if _, err := w.executor.Execute("nmcli", args...); err != nil {
		return fmt.Errorf("failed to create wired profile: %w", err)
	}

	w.mu.Lock()
	w.started = true
	w.gen++
	gen := w.gen
	w.mu.Unlock()

	w.logger.Info("starting wired interface", zap.String("hostname", hostname), zap.Bool("static", static.IsSet()))
	w.spawn(func() {
		if _, err := w.executor.ExecuteWithTimeout(30*time.Second, "nmcli", "connection", "up", WiredConnection); err != nil {
			// no cable yet; autoconnect brings it up later
			w.logger.Info("wired interface not activated", zap.Error(err))
		}

		w.mu.Lock()
		if gen != w.gen {
			w.mu.Unlock()
			return
		}
		fn := w.listener
		w.mu.Unlock()

		if fn != nil {
			fn(radio.Event{Kind: radio.EventWiredStarted})
		}
		w.Poll()
	})
	return nil
}

// Stop removes the wired profile.
func (w *Wired) Stop(context.Context) error {
	w.mu.Lock()
	was := w.started
	w.started = false
	w.gen++
	w.link = radio.Link{MAC: w.link.MAC}
	w.mu.Unlock()

	if !was {
		return nil
	}
	if _, err := w.executor.Execute("nmcli", "connection", "delete", WiredConnection); err != nil {
		return fmt.Errorf("failed to delete wired profile: %w", err)
	}
	return nil
}

// Link returns the last sampled link.
func (w *Wired) Link() radio.Link {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.link
}

// Listen registers the event callback, replacing any previous one.
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

// Run samples the link until ctx is done.
func (w *Wired) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll samples the link and emits address gain or loss. Nothing is emitted
// while the transport is stopped.
func (w *Wired) Poll() {
	link, err := w.lookup(w.iface)
	if err != nil {
		w.logger.Debug("link lookup failed", zap.Error(err))
		link = radio.Link{}
	}

	w.mu.Lock()
	if !w.started {
		if link.MAC != "" {
			w.link.MAC = link.MAC
		}
		w.mu.Unlock()
		return
	}
	prev := w.link
	w.link = link
	fn := w.listener
	w.mu.Unlock()

	var ev *radio.Event
	switch {
	case link.HasAddress() && (!prev.HasAddress() || prev.IP != link.IP):
		ev = &radio.Event{Kind: radio.EventWiredGotIP, Addr: link.IP}
	case !link.HasAddress() && prev.HasAddress():
		ev = &radio.Event{Kind: radio.EventWiredDisconnected}
	}
	if ev == nil {
		return
	}
	w.logger.Info("wired link changed", zap.Stringer("event", ev.Kind), zap.Stringer("ip", link.IP))
	if fn != nil {
		fn(*ev)
	}
}

// interfaceLink reads the kernel view of an interface.
func interfaceLink(name string) (radio.Link, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return radio.Link{}, err
	}
	link := radio.Link{
		MAC: strings.ToUpper(iface.HardwareAddr.String()),
		Up:  iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagRunning != 0,
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return link, nil
	}
	if ip, _ := firstIPv4(addrs); ip != nil {
		link.IP, _ = netip.AddrFromSlice(ip)
	}
	return link, nil
}
