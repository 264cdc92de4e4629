package proxy

import "strings"

// regionKeywords maps a display region to the substrings that identify
// it in provider node names. Order matters: the first region whose
// keyword matches wins, so the more specific regions come first.
var regionKeywords = []struct {
	Region   string
	Keywords []string
}{
	{"香港", []string{"香港", "HK", "Hong Kong", "HGC", "HKT"}},
	{"台湾", []string{"台湾", "TW", "Taiwan", "Hinet", "台"}},
	{"日本", []string{"日本", "JP", "Japan", "大阪", "东京", "softbank", "au", "jp"}},
	{"新加坡", []string{"新加坡", "SG", "Singapore", "狮城", "sgp"}},
	{"美国", []string{"美国", "US", "United States", "LA", "us"}},
	{"韩国", []string{"韩国", "KR", "Korea", "首尔", "kr"}},
	{"虚拟", []string{"虚拟"}},
	{"加拿大", []string{"加拿大", "CA", "Canada", "多伦多", "toronto", "ca"}},
	{"英国", []string{"英国", "GB", "United Kingdom", "伦敦", "london", "gb"}},
	{"德国", []string{"德国", "DE", "Germany", "法兰克福", "frankfurt", "de"}},
	{"法国", []string{"法国", "FR", "France", "巴黎", "paris", "fr"}},
	{"意大利", []string{"意大利", "IT", "Italy", "罗马", "rome", "it"}},
	{"西班牙", []string{"西班牙", "ES", "Spain", "马德里", "madrid", "es"}},
	{"荷兰", []string{"荷兰", "NL", "Netherlands", "阿姆斯特丹", "amsterdam", "nl"}},
	{"比利时", []string{"比利时", "BE", "Belgium", "布鲁塞尔", "brussels", "be"}},
}

// RegionOther collects nodes whose name matches no region keyword.
const RegionOther = "其他"

// classifyRegion assigns a node name to a region by case-insensitive
// substring match.
func classifyRegion(nodeName string) string {
	lower := strings.ToLower(nodeName)
	for _, entry := range regionKeywords {
		for _, keyword := range entry.Keywords {
			if strings.Contains(lower, strings.ToLower(keyword)) {
				return entry.Region
			}
		}
	}
	return RegionOther
}
