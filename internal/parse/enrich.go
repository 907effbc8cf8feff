package parse

import "strings"

// IP class values.
const (
	IPClassPrivate   = "private"
	IPClassLocalhost = "localhost"
	IPClassPublic    = "public"
)

// classifyIP is a lightweight stand-in for GeoIP lookup: prefix-based
// classification into private, localhost, and public.
func classifyIP(ip string) string {
	switch {
	case strings.HasPrefix(ip, "10.") || strings.HasPrefix(ip, "192.168.") || strings.HasPrefix(ip, "172."):
		return IPClassPrivate
	case strings.HasPrefix(ip, "127."):
		return IPClassLocalhost
	default:
		return IPClassPublic
	}
}

// classifyUserAgent sniffs browser and operating system from the user-agent
// string. Match order matters: most user agents carry several product
// tokens.
func classifyUserAgent(ua string) (browser, os string) {
	l := strings.ToLower(ua)

	switch {
	case strings.Contains(l, "firefox"):
		browser = "Firefox"
	case strings.Contains(l, "chrome"):
		browser = "Chrome"
	case strings.Contains(l, "safari"):
		browser = "Safari"
	case strings.Contains(l, "msie") || strings.Contains(l, "trident"):
		browser = "Internet Explorer"
	default:
		browser = "Other"
	}

	switch {
	case strings.Contains(l, "windows"):
		os = "Windows"
	case strings.Contains(l, "mac") || strings.Contains(l, "darwin"):
		os = "macOS"
	case strings.Contains(l, "linux"):
		os = "Linux"
	case strings.Contains(l, "android"):
		os = "Android"
	case strings.Contains(l, "ios") || strings.Contains(l, "iphone") || strings.Contains(l, "ipad"):
		os = "iOS"
	default:
		os = "Other"
	}

	return browser, os
}

// suspicious flags error responses and paths matching the deny patterns.
func (p *Parser) suspicious(status int, path string) bool {
	if status >= 400 {
		return true
	}
	l := strings.ToLower(path)
	for _, pattern := range p.denyPatterns {
		if strings.Contains(l, pattern) {
			return true
		}
	}
	return false
}
