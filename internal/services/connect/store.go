package connect

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/bbernstein/lacyconnect/internal/database/models"
	"github.com/bbernstein/lacyconnect/internal/services/radio"
)

// Store persists the configuration record.
type Store interface {
	// Load returns the stored record. Missing keys keep their zero value.
	Load(ctx context.Context) (Config, error)
	Save(ctx context.Context, cfg Config) error
	Clear(ctx context.Context) error
}

// SettingRepository is the key/value table the settings store writes to.
type SettingRepository interface {
	FindByPrefix(ctx context.Context, prefix string) ([]models.Setting, error)
	UpsertMany(ctx context.Context, values map[string]string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Setting keys, stored under SettingsPrefix.
const (
	SettingsPrefix = "connect."

	keyAP       = "ap"
	keyBSSID    = "bssid"
	keySSID     = "ssid"
	keyPassword = "password"
	keyIP       = "ip"
	keySubnet   = "subnet"
	keyGateway  = "gateway"
	keyDNS      = "dns"
	keyHostname = "hostname"
)

// SettingsStore keeps the configuration record in the settings table.
type SettingsStore struct {
	repo SettingRepository
}

// NewSettingsStore creates a SettingsStore over repo.
func NewSettingsStore(repo SettingRepository) *SettingsStore {
	return &SettingsStore{repo: repo}
}

// Load reads the record. Unparseable addresses are treated as missing.
func (s *SettingsStore) Load(ctx context.Context) (Config, error) {
	rows, err := s.repo.FindByPrefix(ctx, SettingsPrefix)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load network settings: %w", err)
	}

	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key[len(SettingsPrefix):]] = row.Value
	}

	cfg := Config{
		Hostname: values[keyHostname],
		SSID:     values[keySSID],
		Password: values[keyPassword],
		BSSID:    values[keyBSSID],
	}
	if v, ok := values[keyAP]; ok {
		cfg.APMode, _ = strconv.ParseBool(v)
	}

	static := radio.IPConfig{
		IP:      parseAddr(values[keyIP]),
		Subnet:  parseAddr(values[keySubnet]),
		Gateway: parseAddr(values[keyGateway]),
		DNS:     parseAddr(values[keyDNS]),
	}
	if static.IsSet() {
		cfg.Static = &static
	}
	return cfg, nil
}

// Save writes every persisted field of cfg in one transaction.
func (s *SettingsStore) Save(ctx context.Context, cfg Config) error {
	var static radio.IPConfig
	if cfg.Static != nil {
		static = *cfg.Static
	}

	values := map[string]string{
		keyAP:       strconv.FormatBool(cfg.APMode),
		keyBSSID:    cfg.BSSID,
		keySSID:     cfg.SSID,
		keyPassword: cfg.Password,
		keyIP:       formatAddr(static.IP),
		keySubnet:   formatAddr(static.Subnet),
		keyGateway:  formatAddr(static.Gateway),
		keyDNS:      formatAddr(static.DNS),
		keyHostname: cfg.Hostname,
	}

	prefixed := make(map[string]string, len(values))
	for k, v := range values {
		prefixed[SettingsPrefix+k] = v
	}
	if err := s.repo.UpsertMany(ctx, prefixed); err != nil {
		return fmt.Errorf("failed to save network settings: %w", err)
	}
	return nil
}

// Clear removes every stored field.
func (s *SettingsStore) Clear(ctx context.Context) error {
	if err := s.repo.DeleteByPrefix(ctx, SettingsPrefix); err != nil {
		return fmt.Errorf("failed to clear network settings: %w", err)
	}
	return nil
}

func parseAddr(s string) netip.Addr {
	if s == "" {
		return netip.Addr{}
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}
	}
	return a
}

func formatAddr(a netip.Addr) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
