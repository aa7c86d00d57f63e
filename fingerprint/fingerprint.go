// Package fingerprint loads the probe database and identifies the service
// behind an open TCP connection.
package fingerprint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ProtocolTCP is the protocol tag of the only fingerprint the scanner uses.
const ProtocolTCP = "TCP"

type Fingerprint struct {
	Protocol string  `json:"protocol" yaml:"protocol"`
	Probes   []Probe `json:"probes" yaml:"probes"`
}

// Probe is one request payload and the rules its response is matched against.
type Probe struct {
	Name        string  `json:"probe_name,omitempty" yaml:"probe_name,omitempty"`
	ProbeString string  `json:"probe_string" yaml:"probe_string"`
	Matches     []Match `json:"matches" yaml:"matches"`
}

// Match classifies a banner. An empty Pattern matches anything without naming
// a service.
type Match struct {
	Pattern     string       `json:"pattern" yaml:"pattern"`
	Name        string       `json:"name" yaml:"name"`
	Discontinue bool         `json:"discontinue" yaml:"discontinue"`
	VersionInfo *VersionInfo `json:"version_info,omitempty" yaml:"version_info,omitempty"`
}

type VersionInfo struct {
	CPEName           string `json:"cpe_name" yaml:"cpe_name"`
	DeviceType        string `json:"device_type" yaml:"device_type"`
	HostName          string `json:"host_name" yaml:"host_name"`
	Info              string `json:"info" yaml:"info"`
	OperatingSystem   string `json:"operating_system" yaml:"operating_system"`
	VendorProductName string `json:"vendor_product_name" yaml:"vendor_product_name"`
	Version           string `json:"version" yaml:"version"`
}

// Load reads a fingerprint database. Files ending in .yaml or .yml are parsed
// as YAML, anything else as JSON.
func Load(path string) ([]Fingerprint, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fingerprint file: %w", err)
	}

	var fingerprints []Fingerprint
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &fingerprints)
	default:
		err = json.Unmarshal(content, &fingerprints)
	}
	if err != nil {
		return nil, fmt.Errorf("parse fingerprint file %s: %w", path, err)
	}
	return fingerprints, nil
}

// SelectTCP returns the TCP fingerprint. When several are tagged TCP the last
// one wins.
func SelectTCP(fingerprints []Fingerprint) *Fingerprint {
	var selected *Fingerprint
	count := 0
	for i := range fingerprints {
		if fingerprints[i].Protocol == ProtocolTCP {
			selected = &fingerprints[i]
			count++
		}
	}
	if count > 1 {
		log.Warnf("%d fingerprints are tagged %s, using the last one", count, ProtocolTCP)
	}
	return selected
}

// LoadTCP loads path and selects its TCP fingerprint. A missing or malformed
// file is logged and yields nil, which disables fingerprinting.
func LoadTCP(path string) *Fingerprint {
	if path == "" {
		return nil
	}
	fingerprints, err := Load(path)
	if err != nil {
		log.Warnf("open fingerprint file error: %v", err)
		return nil
	}
	fp := SelectTCP(fingerprints)
	if fp == nil {
		log.Warnf("no %s fingerprint in %s", ProtocolTCP, path)
	}
	return fp
}
