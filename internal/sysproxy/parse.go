package sysproxy

import (
	"bufio"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
)

// ParseScutil parses the dictionary printed by `scutil --proxy`. Nested
// dictionaries and arrays (ExceptionsList, __SCOPED__) are skipped.
func ParseScutil(out string) map[string]string {
	settings := make(map[string]string)
	depth := 0
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line == "}" {
			depth--
			continue
		}
		key, value, ok := strings.Cut(line, " : ")
		if !ok {
			if strings.HasSuffix(line, "{") {
				depth++
			}
			continue
		}
		value = strings.TrimSpace(value)
		if strings.HasSuffix(value, "{") {
			depth++
			continue
		}
		// depth 1 is the top-level <dictionary>
		if depth <= 1 {
			settings[strings.TrimSpace(key)] = value
		}
	}
	return settings
}

// ParseRouteGet extracts the interface from `route -n get default`.
func ParseRouteGet(out string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if iface, ok := strings.CutPrefix(line, "interface:"); ok {
			return strings.TrimSpace(iface)
		}
	}
	return ""
}

// ParseProcNetRoute returns the interface of the lowest-metric default route
// in /proc/net/route.
func ParseProcNetRoute(content string) string {
	best, bestMetric := "", -1
	sc := bufio.NewScanner(strings.NewReader(content))
	first := true
	for sc.Scan() {
		if first {
			// header
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 8 {
			continue
		}
		dst, err := hex.DecodeString(fields[1])
		if err != nil || len(dst) != 4 || dst[0]|dst[1]|dst[2]|dst[3] != 0 {
			continue
		}
		mask, err := hex.DecodeString(fields[7])
		if err != nil || len(mask) != 4 || mask[0]|mask[1]|mask[2]|mask[3] != 0 {
			continue
		}
		metric, err := strconv.Atoi(fields[6])
		if err != nil {
			continue
		}
		if bestMetric < 0 || metric < bestMetric {
			best, bestMetric = fields[0], metric
		}
	}
	return best
}

var schemePorts = map[string]string{
	"http":    "80",
	"https":   "443",
	"socks":   "1080",
	"socks4":  "1080",
	"socks4a": "1080",
	"socks5":  "1080",
	"socks5h": "1080",
}

// SettingsFromEnv maps the conventional proxy environment variables onto the
// same keys ParseScutil produces. getenv is usually os.Getenv.
func SettingsFromEnv(getenv func(string) string) map[string]string {
	settings := make(map[string]string)
	pick := func(names ...string) string {
		for _, n := range names {
			if v := strings.TrimSpace(getenv(n)); v != "" {
				return v
			}
		}
		return ""
	}

	set := func(raw, enableKey, hostKey, portKey string) {
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return
		}
		port := u.Port()
		if port == "" {
			port = schemePorts[strings.ToLower(u.Scheme)]
		}
		settings[enableKey] = "1"
		settings[hostKey] = u.Hostname()
		settings[portKey] = port
	}

	httpProxy := pick("http_proxy", "HTTP_PROXY")
	httpsProxy := pick("https_proxy", "HTTPS_PROXY")
	allProxy := pick("all_proxy", "ALL_PROXY")

	if httpProxy != "" {
		set(httpProxy, KeyHTTPEnable, KeyHTTPProxy, KeyHTTPPort)
	}
	if httpsProxy != "" {
		set(httpsProxy, KeyHTTPSEnable, KeyHTTPSProxy, KeyHTTPSPort)
	}
	switch {
	case allProxy == "":
	case strings.HasPrefix(strings.ToLower(allProxy), "socks"):
		set(allProxy, KeySOCKSEnable, KeySOCKSProxy, KeySOCKSPort)
	default:
		// an http all_proxy fills whichever of the two is unset
		if httpProxy == "" {
			set(allProxy, KeyHTTPEnable, KeyHTTPProxy, KeyHTTPPort)
		}
		if httpsProxy == "" {
			set(allProxy, KeyHTTPSEnable, KeyHTTPSProxy, KeyHTTPSPort)
		}
	}

	if pac := pick("auto_proxy", "AUTO_PROXY"); pac != "" {
		settings[KeyPACEnable] = "1"
		settings[KeyPACURL] = pac
	}
	return settings
}
