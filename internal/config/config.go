// Package config loads the hub, export-description and import-description
// TOML documents spec.md §6 names, using the same go-toml/v2 decoder the
// rest of the pack standardizes on for structured config.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// HubConfig is the hub's own TOML config file, pointed to by
// NOT_MY_BOARD_HUB_CONFIG.
type HubConfig struct {
	LogLevel string      `toml:"log_level"`
	Auth     *AuthConfig `toml:"auth"`
}

// AuthConfig configures the OIDC issuer the hub accepts tokens from and
// the permission rules tokens are checked against.
type AuthConfig struct {
	Issuer      string                  `toml:"issuer"`
	ClientID    string                  `toml:"client_id"`
	Permissions []PermissionRule        `toml:"permissions"`
	Issuers     map[string]IssuerConfig `toml:"issuers"`
}

// IssuerConfig is per-issuer display configuration, keyed by issuer URL
// under auth.issuers in the TOML document.
type IssuerConfig struct {
	ShowClaims []string `toml:"show_claims"`
}

// PermissionRule grants Role to any token whose claims satisfy Claims:
// every key must be present and equal (scalars) or a superset
// (set-valued, i.e. list claims).
type PermissionRule struct {
	Role   string                 `toml:"role"`
	Claims map[string]interface{} `toml:"claims"`
}

// ExportDescription is the TOML document an exporter loads describing
// what it offers: the proxy port and the parts it exports.
type ExportDescription struct {
	Port  int                  `toml:"port"`
	Parts []ExportedPartConfig `toml:"parts"`
}

// ExportedPartConfig is one entry of an ExportDescription's parts list.
type ExportedPartConfig struct {
	Compatible []string              `toml:"compatible"`
	USB        map[string]USBExport  `toml:"usb"`
	TCP        map[string]TCPExport  `toml:"tcp"`
}

// USBExport names the busid a USB interface is exported under.
type USBExport struct {
	UsbID string `toml:"usbid"`
}

// TCPExport names the host:port a TCP interface is exported under.
type TCPExport struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// ImportDescription is the TOML document a client authors describing what
// it wants to reserve.
type ImportDescription struct {
	AutoReturnTime string                        `toml:"auto_return_time"`
	Parts          map[string]ImportedPartConfig `toml:"parts"`
}

// ImportedPartConfig is one entry of an ImportDescription's parts map,
// keyed by part name.
type ImportedPartConfig struct {
	Compatible []string       `toml:"compatible"`
	USB        map[string]int `toml:"usb"`
	TCP        map[string]int `toml:"tcp"`
}

// DefaultAutoReturnTime is used when an ImportDescription omits
// auto_return_time.
const DefaultAutoReturnTime = "10h"

// LoadHubConfig reads and parses a hub config file at path.
func LoadHubConfig(path string) (*HubConfig, error) {
	var cfg HubConfig
	if err := loadTOML(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadExportDescription reads and parses an export description file.
func LoadExportDescription(path string) (*ExportDescription, error) {
	var desc ExportDescription
	if err := loadTOML(path, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// LoadImportDescription reads and parses an import description file,
// applying DefaultAutoReturnTime when unset.
func LoadImportDescription(path string) (*ImportDescription, error) {
	var desc ImportDescription
	if err := loadTOML(path, &desc); err != nil {
		return nil, err
	}
	if desc.AutoReturnTime == "" {
		desc.AutoReturnTime = DefaultAutoReturnTime
	}
	return &desc, nil
}

// ParseImportDescription parses an already-loaded TOML document (e.g. one
// an agent RPC client receives as a string), applying the same default.
func ParseImportDescription(data []byte) (*ImportDescription, error) {
	var desc ImportDescription
	if err := toml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parsing import description: %w", err)
	}
	if desc.AutoReturnTime == "" {
		desc.AutoReturnTime = DefaultAutoReturnTime
	}
	return &desc, nil
}

func loadTOML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
