package portal

import (
	"bytes"
	"compress/gzip"
	_ "embed"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

//go:embed assets/index.html
var indexHTML []byte

var indexGzip = mustGzip(indexHTML)

func mustGzip(b []byte) []byte {
	var buf bytes.Buffer
	zw, _ := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if _, err := zw.Write(b); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ScanEntry is one network in the scan response.
type ScanEntry struct {
	BSSID  string `json:"bssid"`
	Name   string `json:"name"`
	RSSI   int    `json:"rssi"`
	Signal int    `json:"signal"`
	Open   bool   `json:"open"`
}

type connectRequest struct {
	APMode   bool   `json:"ap_mode"`
	SSID     string `json:"ssid"`
	Password string `json:"password"`
	BSSID    string `json:"bssid"`
}

// maxConnectBody bounds credential submissions.
const maxConnectBody = 4 << 10

// Submission result messages.
const (
	MsgSaved       = "Configuration Saved."
	MsgInvalidSSID = "Invalid SSID"
	MsgPending     = "A connection test is already in progress"
	MsgRateLimited = "Too many requests"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func (c *Controller) handleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(indexGzip)
}

// handleFallback shows the portal for any unknown path while the home page
// is being served.
func (c *Controller) handleFallback(w http.ResponseWriter, r *http.Request) {
	if !c.Active() || !c.serving() {
		http.NotFound(w, r)
		return
	}
	c.handleHome(w, r)
}

func (c *Controller) handleScan(w http.ResponseWriter, r *http.Request) {
	networks, status := c.radio.ScanResults()

	switch status {
	case radio.ScanRunning:
		writeJSON(w, http.StatusAccepted, []ScanEntry{})
		return
	case radio.ScanDone:
	default:
		c.Rescan(r.Context())
		writeJSON(w, http.StatusAccepted, []ScanEntry{})
		return
	}

	entries := make([]ScanEntry, 0, len(networks))
	for _, n := range networks {
		if n.SSID == "" {
			continue
		}
		entries = append(entries, ScanEntry{
			BSSID:  n.BSSID,
			Name:   n.SSID,
			RSSI:   n.RSSI,
			Signal: radio.SignalQuality(n.RSSI),
			Open:   !n.Encrypted,
		})
	}
	writeJSON(w, http.StatusOK, entries)

	// results are handed out once; the next poll sees a fresh scan
	c.Rescan(r.Context())
}

func (c *Controller) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow() {
		writeMessage(w, http.StatusTooManyRequests, MsgRateLimited)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxConnectBody)
	req, err := parseConnect(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.APMode {
		if err := c.submitter.SubmitAPMode(); err != nil {
			writeMessage(w, statusFor(err), err.Error())
			return
		}
		writeMessage(w, http.StatusOK, MsgSaved)
		return
	}

	if err := radio.ValidateCredentials(req.SSID, req.Password); err != nil {
		writeMessage(w, http.StatusBadRequest, ValidationMessage(err))
		return
	}

	verdict, abort, err := c.submitter.SubmitCredentials(r.Context(), Credentials{
		SSID:     req.SSID,
		Password: req.Password,
		BSSID:    req.BSSID,
	})
	if err != nil {
		writeMessage(w, statusFor(err), err.Error())
		return
	}

	select {
	case v := <-verdict:
		writeMessage(w, v.Status, v.Message)
	case <-r.Context().Done():
		abort()
		c.logger.Info("credential submission aborted by client", zap.String("ssid", req.SSID))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrTestPending):
		return http.StatusConflict
	case errors.Is(err, ErrNotAccepting):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ValidationMessage is the operator-facing text for a credential error.
func ValidationMessage(err error) string {
	switch {
	case errors.Is(err, radio.ErrInvalidSSID):
		return MsgInvalidSSID
	case errors.Is(err, radio.ErrInvalidPassword):
		return "Password must be empty or between " + strconv.Itoa(radio.MinPasswordLength) +
			" and " + strconv.Itoa(radio.MaxPasswordLength) + " characters"
	default:
		return err.Error()
	}
}

// parseConnect accepts a JSON body or form values.
func parseConnect(r *http.Request) (connectRequest, error) {
	var req connectRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, errors.New("invalid request body")
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, errors.New("invalid request body")
	}
	req.APMode = parseBool(r.FormValue("ap_mode"))
	req.SSID = r.FormValue("ssid")
	req.Password = r.FormValue("password")
	req.BSSID = r.FormValue("bssid")
	return req, nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	return err == nil && b
}
