package portal

import "net/http"

type probeKind int

const (
	probeRedirectPortal probeKind = iota
	probeRedirectTo
	probeNotFound
	probeSuccess
)

type probe struct {
	path   string
	kind   probeKind
	target string
}

// probes are the connectivity checks client operating systems run after
// joining a network. Redirecting them is what makes a client pop up its
// captive portal sheet.
var probes = []probe{
	{path: "/connecttest.txt", kind: probeRedirectTo, target: "http://logout.net"}, // windows 11
	{path: "/wpad.dat", kind: probeNotFound},                                       // windows proxy discovery
	{path: "/generate_204", kind: probeRedirectPortal},                             // android
	{path: "/redirect", kind: probeRedirectPortal},                                 // microsoft
	{path: "/hotspot-detect.html", kind: probeRedirectPortal},                      // apple
	{path: "/canonical.html", kind: probeRedirectPortal},                           // firefox
	{path: "/success.txt", kind: probeSuccess},                                     // firefox
	{path: "/ncsi.txt", kind: probeRedirectPortal},                                 // windows
	{path: "/startpage", kind: probeRedirectPortal},                                // ubuntu
}

// PortalURL is where probes are redirected.
func PortalURL() string {
	return "http://" + Address.String()
}

func (c *Controller) probeHandler(p probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch p.kind {
		case probeRedirectTo:
			http.Redirect(w, r, p.target, http.StatusFound)
		case probeRedirectPortal:
			http.Redirect(w, r, PortalURL(), http.StatusFound)
		case probeNotFound:
			http.NotFound(w, r)
		case probeSuccess:
			w.WriteHeader(http.StatusOK)
		}
	}
}
