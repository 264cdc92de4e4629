package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dispider/dispider/pkg/errdefs"
)

func TestContainerRuleRoundTrip(t *testing.T) {
	rule := ContainerRule("172.18.0.5", "[Auto] 香港-01")
	require.Equal(t, "SRC-IP-CIDR,172.18.0.5/32,[Auto] 香港-01", rule)

	ip, group, ok := ParseContainerRule(rule)
	require.True(t, ok)
	require.Equal(t, "172.18.0.5", ip)
	require.Equal(t, "[Auto] 香港-01", group)
}

func TestParseContainerRule_Rejects(t *testing.T) {
	tests := []struct {
		name string
		rule string
	}{
		{"wrong type", "DOMAIN-SUFFIX,example.com,DIRECT"},
		{"missing group", "SRC-IP-CIDR,172.18.0.5/32"},
		{"not host cidr", "SRC-IP-CIDR,172.18.0.0/16,[Auto] 香港"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, ok := ParseContainerRule(tt.rule)
			require.False(t, ok)
		})
	}
}

func TestDocument_InsertAndRemoveRule(t *testing.T) {
	doc := defaultDocument()
	rule := ContainerRule("10.0.0.1", "[Auto] 日本")

	doc.InsertRule(rule)
	require.Equal(t, rule, doc.Rules[0], "new rules take priority")

	require.True(t, doc.RemoveRule(rule))
	require.False(t, doc.RemoveRule(rule), "second removal finds nothing")
	require.Equal(t, defaultRules, doc.Rules)
}

func TestDocument_NormalizeRules(t *testing.T) {
	doc := &Document{
		Groups: []Group{newURLTestGroup("[Auto] 香港", []string{"n1"})},
		Rules: []string{
			"SRC-IP-CIDR,10.0.0.1/32,[Auto] 香港",
			"SRC-IP-CIDR,10.0.0.2/32,[Auto] 美国",
			"GEOIP,CN,DIRECT",
			"MATCH,DIRECT",
			"FINAL,Ghost Group",
			"some-unrecognized-line",
		},
	}
	doc.NormalizeRules()

	require.Equal(t, []string{
		"SRC-IP-CIDR,10.0.0.1/32,[Auto] 香港",
		"GEOIP,CN,DIRECT",
		"MATCH,DIRECT",
		"some-unrecognized-line",
	}, doc.Rules)
}

func TestDocument_NormalizeRules_RestoresFallbacks(t *testing.T) {
	doc := &Document{Rules: []string{"SRC-IP-CIDR,10.0.0.1/32,[Auto] 香港"}}
	doc.NormalizeRules()
	require.Equal(t, defaultRules, doc.Rules, "dropping every rule reinstates the defaults")

	doc = &Document{
		Groups: []Group{newURLTestGroup("[Auto] 香港", []string{"n1"})},
		Rules:  []string{"SRC-IP-CIDR,10.0.0.1/32,[Auto] 香港"},
	}
	doc.NormalizeRules()
	require.Equal(t, []string{
		"SRC-IP-CIDR,10.0.0.1/32,[Auto] 香港",
		"GEOIP,CN,DIRECT",
		"MATCH,DIRECT",
	}, doc.Rules)
}

func TestConfigFile_UpdateCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	file := NewConfigFile(path)

	err := file.Update(func(doc *Document) error {
		doc.InsertRule("SRC-IP-CIDR,10.0.0.1/32,[Auto] 香港")
		return nil
	})
	require.NoError(t, err)

	doc, err := file.Snapshot()
	require.NoError(t, err)
	require.Equal(t, "SRC-IP-CIDR,10.0.0.1/32,[Auto] 香港", doc.Rules[0])
	require.Equal(t, 7890, doc.Extra["port"])
	require.Equal(t, "Rule", doc.Extra["mode"])
}

func TestConfigFile_UpdateExistingRequiresFile(t *testing.T) {
	file := NewConfigFile(filepath.Join(t.TempDir(), "config.yaml"))

	err := file.UpdateExisting(func(doc *Document) error { return nil })
	require.True(t, errdefs.IsNotFound(err))

	_, err = file.Snapshot()
	require.True(t, errdefs.IsNotFound(err))
}

func TestConfigFile_PreservesUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	seed := map[string]any{
		"port":       7890,
		"mixed-port": 7893,
		"dns":        map[string]any{"enable": true},
		"proxies":    []map[string]any{{"name": "香港 01", "type": "ss"}},
		"rules":      []string{"MATCH,DIRECT"},
	}
	raw, err := yaml.Marshal(seed)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	file := NewConfigFile(path)
	require.NoError(t, file.UpdateExisting(func(doc *Document) error {
		doc.Groups = GenerateGroups(doc.Proxies)
		return nil
	}))

	doc, err := file.Snapshot()
	require.NoError(t, err)
	require.Equal(t, 7893, doc.Extra["mixed-port"])
	require.Contains(t, doc.Extra, "dns")
	require.Equal(t, []string{"[Auto] 香港"}, doc.URLTestGroupNames())
	require.Equal(t, []string{"MATCH,DIRECT"}, doc.Rules)
}
