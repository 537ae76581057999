package domain

import "strings"

// GenerationResult is the normalized output of a successful gateway call
type GenerationResult struct {
	AudioKey     string
	ThumbnailKey string
	Categories   []string
}

// RunSnapshot is the job row and its owner's credit balance read in one statement
type RunSnapshot struct {
	Job     Job
	Credits int
}

// NormalizeCategories trims names, drops empty ones and removes duplicates
// while keeping the first-seen order.
func NormalizeCategories(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
