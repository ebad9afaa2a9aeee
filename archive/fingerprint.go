package archive

import (
	"sort"

	"github.com/klauspost/cpuid/v2"
)

// HostFeatures returns the CPU features of this machine, sorted.
func HostFeatures() []string {
	features := cpuid.CPU.FeatureSet()
	sort.Strings(features)
	return features
}

// HostDescription names the CPU for diagnostics.
func HostDescription() string {
	return cpuid.CPU.BrandName
}

// missingFeatures returns the recorded features the host lacks. Code
// generated against the recorded set may use any of them.
func missingFeatures(recorded, host []string) []string {
	have := make(map[string]struct{}, len(host))
	for _, f := range host {
		have[f] = struct{}{}
	}
	var missing []string
	for _, f := range recorded {
		if _, ok := have[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}
