package proxy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dispider/dispider/pkg/errdefs"
)

// Default fallback rules. GEOIP keeps domestic traffic direct; MATCH is
// the catch-all.
var defaultRules = []string{"GEOIP,CN,DIRECT", "MATCH,DIRECT"}

// Document is the Clash configuration as the manager sees it. Top-level
// keys the manager does not own (ports, mode, controller address) ride
// along in Extra untouched.
type Document struct {
	Proxies []map[string]any `yaml:"proxies"`
	Groups  []Group          `yaml:"proxy-groups"`
	Rules   []string         `yaml:"rules"`
	Extra   map[string]any   `yaml:",inline"`
}

// defaultDocument is the base config written when none exists yet.
func defaultDocument() *Document {
	return &Document{
		Proxies: []map[string]any{},
		Groups:  []Group{},
		Rules:   append([]string{}, defaultRules...),
		Extra: map[string]any{
			"port":                7890,
			"socks-port":          7891,
			"allow-lan":           true,
			"mode":                "Rule",
			"log-level":           "info",
			"external-controller": "0.0.0.0:9090",
			"secret":              "",
		},
	}
}

// URLTestGroupNames returns the names of all url-test groups.
func (d *Document) URLTestGroupNames() []string {
	names := []string{}
	for _, g := range d.Groups {
		if g.Type == "url-test" {
			names = append(names, g.Name)
		}
	}
	return names
}

// InsertRule prepends a rule, giving it top priority.
func (d *Document) InsertRule(rule string) {
	d.Rules = append([]string{rule}, d.Rules...)
}

// RemoveRule deletes the first occurrence of a rule. Reports whether
// the rule was present.
func (d *Document) RemoveRule(rule string) bool {
	for i, r := range d.Rules {
		if r == rule {
			d.Rules = append(d.Rules[:i], d.Rules[i+1:]...)
			return true
		}
	}
	return false
}

// NormalizeRules drops rules whose target group no longer exists and
// guarantees the GEOIP and MATCH fallbacks are present. Rules in
// unrecognized shapes are kept as-is.
func (d *Document) NormalizeRules() {
	valid := map[string]struct{}{"DIRECT": {}}
	for _, g := range d.Groups {
		valid[g.Name] = struct{}{}
	}

	kept := []string{}
	for _, rule := range d.Rules {
		parts := strings.Split(rule, ",")
		switch {
		case len(parts) >= 3:
			target := strings.TrimSpace(parts[len(parts)-1])
			if _, ok := valid[target]; ok {
				kept = append(kept, rule)
			}
		case len(parts) == 2 && isFallbackRuleType(strings.TrimSpace(parts[0])):
			target := strings.TrimSpace(parts[1])
			if _, ok := valid[target]; ok {
				kept = append(kept, rule)
			}
		default:
			kept = append(kept, rule)
		}
	}

	if len(kept) == 0 {
		kept = append([]string{}, defaultRules...)
	} else {
		hasGeoIP := false
		hasMatch := false
		for _, rule := range kept {
			if strings.Contains(rule, "GEOIP,CN,DIRECT") {
				hasGeoIP = true
			}
			if strings.HasPrefix(rule, "MATCH,") {
				hasMatch = true
			}
		}
		if !hasGeoIP {
			kept = append(kept, "GEOIP,CN,DIRECT")
		}
		if !hasMatch {
			kept = append(kept, "MATCH,DIRECT")
		}
	}
	d.Rules = kept
}

func isFallbackRuleType(ruleType string) bool {
	switch ruleType {
	case "GEOIP", "MATCH", "FINAL":
		return true
	}
	return false
}

// ContainerRule builds the source-IP routing rule pinning a container
// to a group.
func ContainerRule(containerIP, group string) string {
	return fmt.Sprintf("SRC-IP-CIDR,%s/32,%s", containerIP, group)
}

// ParseContainerRule extracts the container IP and group from a
// SRC-IP-CIDR rule. Group names may contain commas, so only the first
// two separators split.
func ParseContainerRule(rule string) (containerIP, group string, ok bool) {
	if !strings.HasPrefix(rule, "SRC-IP-CIDR,") {
		return "", "", false
	}
	parts := strings.SplitN(rule, ",", 3)
	if len(parts) != 3 {
		return "", "", false
	}
	cidr := strings.TrimSpace(parts[1])
	if !strings.HasSuffix(cidr, "/32") {
		return "", "", false
	}
	return strings.TrimSuffix(cidr, "/32"), strings.TrimSpace(parts[2]), true
}

// ConfigFile serializes read-modify-write cycles on the Clash config.
// The multiplexer itself only ever reads the file, so a process-local
// mutex is enough.
type ConfigFile struct {
	path string
	mu   sync.Mutex
}

// NewConfigFile creates a ConfigFile for the given path.
func NewConfigFile(path string) *ConfigFile {
	return &ConfigFile{path: path}
}

// Path returns the config file location.
func (f *ConfigFile) Path() string {
	return f.path
}

func (f *ConfigFile) load() (*Document, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.NotFound("clash config %s", f.path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read clash config: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse clash config: %w", err)
	}
	return &doc, nil
}

func (f *ConfigFile) save(doc *Document) error {
	payload, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode clash config: %w", err)
	}
	if err := os.WriteFile(f.path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write clash config: %w", err)
	}
	return nil
}

// Snapshot loads the current document. Returns ErrNotFound when no
// config exists yet.
func (f *ConfigFile) Snapshot() (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

// Update applies fn to the current document (a fresh default when the
// file is missing) and writes the result back under the lock.
func (f *ConfigFile) Update(fn func(*Document) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if errdefs.IsNotFound(err) {
		doc = defaultDocument()
	} else if err != nil {
		return err
	}

	if err := fn(doc); err != nil {
		return err
	}
	return f.save(doc)
}

// UpdateExisting is Update for callers that must not create the file:
// a missing config surfaces as ErrNotFound.
func (f *ConfigFile) UpdateExisting(fn func(*Document) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return f.save(doc)
}
