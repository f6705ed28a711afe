package dispatch

import (
	"sort"
	"strings"
)

// Targets name the automation recipe family a posting routes to.
const (
	TargetLinkedIn   = "linkedin"
	TargetGreenhouse = "greenhouse"
	TargetLever      = "lever"
	TargetWorkday    = "workday"
	TargetGeneric    = "generic"
)

// targetPatterns maps apply-URL substrings to targets, checked in
// order.
var targetPatterns = []struct {
	substring string
	target    string
}{
	{"linkedin.com", TargetLinkedIn},
	{"greenhouse.io", TargetGreenhouse},
	{"lever.co", TargetLever},
	{"myworkdayjobs.com", TargetWorkday},
	{"workday.com", TargetWorkday},
}

// supportedTargets are the targets an automation recipe exists for.
// Lever and Workday postings are detected but not yet automatable.
var supportedTargets = map[string]bool{
	TargetLinkedIn:   true,
	TargetGreenhouse: true,
}

// DetectTarget classifies a posting by its apply URL.
func DetectTarget(applyURL string) string {
	lowered := strings.ToLower(applyURL)
	for _, p := range targetPatterns {
		if strings.Contains(lowered, p.substring) {
			return p.target
		}
	}
	return TargetGeneric
}

// IsSupported reports whether an automation recipe exists for target.
func IsSupported(target string) bool {
	return supportedTargets[target]
}

// SupportedTargets lists the automatable targets in stable order.
func SupportedTargets() []string {
	out := make([]string, 0, len(supportedTargets))
	for t := range supportedTargets {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
