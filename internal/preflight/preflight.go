// Package preflight validates provider configuration and credentials
// before a run spends money on upstream calls.
package preflight

import (
	"fmt"
	"os"
	"sort"

	"github.com/signalnine/tribunal/internal/config"
)

// Report collects what preflight found. Errors block a run; warnings
// flag setups that work but rely on implicit environment detection.
type Report struct {
	Errors   []string
	Warnings []string
}

func (r *Report) OK() bool {
	return len(r.Errors) == 0
}

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// defaultDetectionProviders are adapters whose SDKs fall back to their
// own environment variables when no api_key_env is configured.
func usesDefaultDetection(name string) bool {
	return name == "openai" || name == "anthropic" || config.GoogleProviderNames[name]
}

// Check inspects every provider the current config would actually use:
// it must exist in the providers block, its key env var must be set
// when one is named, and Vertex-style Google setups need a project and
// location pair.
func Check(cfg *config.Config) *Report {
	report := &Report{}

	required := cfg.RequiredProviderNames()
	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pconf, ok := cfg.Providers[name]
		if !ok {
			report.errorf("provider %q is referenced by a model but missing from providers config", name)
			continue
		}

		if pconf.APIKeyEnv != "" {
			if os.Getenv(pconf.APIKeyEnv) == "" {
				report.errorf("provider %q requires env var %q but it is not set", name, pconf.APIKeyEnv)
			}
		} else if usesDefaultDetection(name) {
			report.warnf("provider %q has no api_key_env configured; relying on the SDK's default environment detection", name)
		}

		if config.GoogleProviderNames[name] {
			usesVertex := pconf.Project != "" || pconf.Location != ""
			if usesVertex && (pconf.Project == "" || pconf.Location == "") {
				report.errorf("provider %q has a partial Vertex setup; both project and location are required", name)
			}
			if usesVertex && pconf.APIKeyEnv == "" && os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
				report.warnf("provider %q usually needs ADC when no API key is configured; GOOGLE_APPLICATION_CREDENTIALS is not set", name)
			}
		}
	}

	return report
}
