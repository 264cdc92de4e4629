package proxy

import "fmt"

// url-test group parameters. The short interval plus tolerance keeps
// failover fast without flapping between nodes of similar latency.
const (
	probeURL           = "http://www.gstatic.com/generate_204"
	groupProbeInterval = 30
	groupTolerance     = 50
	groupTimeout       = 3000
	maxNodesPerGroup   = 5
)

// Group is a Clash url-test proxy group.
type Group struct {
	Name      string   `yaml:"name" json:"name"`
	Type      string   `yaml:"type" json:"type"`
	Proxies   []string `yaml:"proxies" json:"proxies"`
	URL       string   `yaml:"url" json:"url"`
	Interval  int      `yaml:"interval" json:"interval"`
	Tolerance int      `yaml:"tolerance" json:"tolerance"`
	Timeout   int      `yaml:"timeout" json:"timeout"`
	Lazy      bool     `yaml:"lazy" json:"lazy"`
}

func newURLTestGroup(name string, nodes []string) Group {
	return Group{
		Name:      name,
		Type:      "url-test",
		Proxies:   nodes,
		URL:       probeURL,
		Interval:  groupProbeInterval,
		Tolerance: groupTolerance,
		Timeout:   groupTimeout,
		Lazy:      false,
	}
}

// GenerateGroups buckets provider nodes by region and shards each
// region into url-test groups of at most five nodes. A region with five
// or fewer nodes gets a single "[Auto] <region>" group; larger regions
// get numbered "[Auto] <region>-NN" shards.
func GenerateGroups(proxies []map[string]any) []Group {
	if len(proxies) == 0 {
		return []Group{}
	}

	regional := map[string][]string{}
	order := []string{}
	addNode := func(region, name string) {
		if _, seen := regional[region]; !seen {
			order = append(order, region)
		}
		regional[region] = append(regional[region], name)
	}

	for _, proxy := range proxies {
		name, _ := proxy["name"].(string)
		addNode(classifyRegion(name), name)
	}

	groups := []Group{}
	for _, region := range order {
		nodes := regional[region]

		if len(nodes) <= maxNodesPerGroup {
			groups = append(groups, newURLTestGroup(fmt.Sprintf("[Auto] %s", region), nodes))
			continue
		}

		for i := 0; i < len(nodes); i += maxNodesPerGroup {
			end := i + maxNodesPerGroup
			if end > len(nodes) {
				end = len(nodes)
			}
			name := fmt.Sprintf("[Auto] %s-%02d", region, i/maxNodesPerGroup+1)
			groups = append(groups, newURLTestGroup(name, nodes[i:end]))
		}
	}
	return groups
}
