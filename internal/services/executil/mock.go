package executil

import (
	"strings"
	"sync"
	"time"
)

// Mock implements CommandExecutor for testing. Commands are keyed by the
// program name and its arguments joined with single spaces.
type Mock struct {
	mu        sync.Mutex
	responses map[string][]byte
	errors    map[string]error
	calls     []string
}

// NewMock creates an empty Mock; unknown commands return no output.
func NewMock() *Mock {
	return &Mock{
		responses: make(map[string][]byte),
		errors:    make(map[string]error),
	}
}

func (m *Mock) Execute(name string, args ...string) ([]byte, error) {
	return m.ExecuteWithTimeout(0, name, args...)
}

func (m *Mock) ExecuteWithTimeout(_ time.Duration, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, key)

	if err, ok := m.errors[key]; ok {
		return m.responses[key], err
	}
	if resp, ok := m.responses[key]; ok {
		return resp, nil
	}
	return []byte{}, nil
}

// SetResponse registers the output returned for cmd.
func (m *Mock) SetResponse(cmd string, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[cmd] = []byte(response)
}

// SetError registers the error (and optional output) returned for cmd.
func (m *Mock) SetError(cmd string, output string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[cmd] = []byte(output)
	m.errors[cmd] = err
}

// Calls returns a copy of every command executed so far.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Called reports whether cmd was executed at least once.
func (m *Mock) Called(cmd string) bool {
	for _, c := range m.Calls() {
		if c == cmd {
			return true
		}
	}
	return false
}
