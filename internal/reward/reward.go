// Package reward scores a generated patch against a reference patch.
// Scores land in [0, 1]: exact match 1.0, same set of changed files 0.5,
// partial file overlap 0.2 + 0.3*overlap, any patch at all 0.1, nothing 0.0.
// Malformed or missing input never fails the episode: it scores low instead.
package reward

import (
	"regexp"
	"strings"
)

// MinScore is the score for an episode that produced no artifact.
const MinScore = 0.0

var fileHeaderRe = regexp.MustCompile(`diff --git a/(.+?) b/(.+)`)

// NormalizePatch strips volatile lines (index lines, blank lines, trailing
// whitespace) so two equivalent patches compare equal.
func NormalizePatch(patch string) string {
	if patch == "" {
		return ""
	}
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(patch), "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" || strings.HasPrefix(line, "index ") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// ExtractChangedFiles lists the b/ paths named by a patch's file headers.
func ExtractChangedFiles(patch string) []string {
	if patch == "" {
		return nil
	}
	var files []string
	for _, m := range fileHeaderRe.FindAllStringSubmatch(patch, -1) {
		files = append(files, m[2])
	}
	return files
}

// Score compares a generated patch with the expected one.
func Score(generated, expected string) float64 {
	if strings.TrimSpace(generated) == "" {
		return MinScore
	}
	if NormalizePatch(generated) == NormalizePatch(expected) {
		return 1.0
	}

	genFiles := toSet(ExtractChangedFiles(generated))
	expFiles := toSet(ExtractChangedFiles(expected))

	if len(expFiles) == 0 {
		if len(genFiles) > 0 {
			return 0.1
		}
		return MinScore
	}

	matched := 0
	for f := range genFiles {
		if expFiles[f] {
			matched++
		}
	}
	overlap := float64(matched) / float64(len(expFiles))
	switch {
	case overlap == 1.0:
		return 0.5
	case overlap > 0:
		return 0.2 + 0.3*overlap
	default:
		return 0.1
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
