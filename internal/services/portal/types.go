// Package portal implements the captive portal surface: the access point
// bring-up, the DNS redirect, and the HTTP routes through which an operator
// picks a network and submits credentials.
package portal

import (
	"context"
	"errors"
	"net/http"
	"net/netip"

	"github.com/bbernstein/lacyconnect/internal/httpd"
)

var (
	// ErrTestPending is returned when a credential test is already running.
	ErrTestPending = errors.New("a credential test is already in progress")
	// ErrNotAccepting is returned when no portal session accepts submissions.
	ErrNotAccepting = errors.New("captive portal is not accepting submissions")
)

// Address is the captive portal address block. It is distinct from the
// plain access point block so client operating systems treat the network as
// a captive one.
var Address = netip.MustParseAddr("4.3.2.1")

// Router is the host HTTP server surface the portal installs routes into.
type Router interface {
	Handle(method, pattern string, h http.Handler, filter httpd.Filter) (remove func())
	SetNotFound(h http.Handler) (restore func())
}

// Redirector is the DNS responder that captures all names while the portal
// is up.
type Redirector interface {
	Start(answer netip.Addr) error
	Stop() error
}

// Credentials is a station submission.
type Credentials struct {
	SSID     string
	Password string
	BSSID    string
}

// Verdict is the outcome reported back to a suspended submission.
type Verdict struct {
	Status  int
	Message string
}

// Submitter receives operator choices from the portal.
type Submitter interface {
	// SubmitAPMode commits access point mode and completes the portal.
	SubmitAPMode() error
	// SubmitCredentials starts a credential test. The verdict channel
	// receives exactly one value. Calling abort before the verdict discards
	// the test.
	SubmitCredentials(ctx context.Context, c Credentials) (verdict <-chan Verdict, abort func(), err error)
}

// Identity is the access point network name and password.
type Identity struct {
	SSID     string
	Password string
}
