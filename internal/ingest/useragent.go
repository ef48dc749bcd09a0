package ingest

import "strings"

// Browser and OS detection is a first-match substring scan, not a full
// UA parser. The rule order is part of the classification contract the
// dashboards were built against, so it stays fixed.

var browserRules = []struct{ token, name string }{
	{"Chrome", "Chrome"},
	{"Firefox", "Firefox"},
	{"Safari", "Safari"},
	{"Edge", "Edge"},
}

var osRules = []struct{ token, name string }{
	{"Windows", "Windows"},
	{"Mac", "macOS"},
	{"Linux", "Linux"},
	{"Android", "Android"},
	{"iOS", "iOS"},
}

func DetectBrowser(ua string) string {
	for _, r := range browserRules {
		if strings.Contains(ua, r.token) {
			return r.name
		}
	}
	return "Unknown"
}

func DetectOS(ua string) string {
	for _, r := range osRules {
		if strings.Contains(ua, r.token) {
			return r.name
		}
	}
	return "Unknown"
}
