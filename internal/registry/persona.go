// Package registry implements the Agent Registry: CRUD over agent personas
// and their immutable versions, and spawn payload composition for handing a
// persona off to the upstream agent runtime (§4.6).
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// PersonaFile is one named file in a persona's ordered file set.
type PersonaFile struct {
	Filename string
	Content  string
}

// priorityFiles lists filenames that sort before all others, in this exact
// order, when composing a spawn payload's system prompt (§4.6 "Spawn
// payload"). Files not named here follow alphabetically.
var priorityFiles = []string{"SOUL", "IDENTITY", "TOOLS", "MEMORY"}

// CanonicalHash computes H(concat_sorted(filename ":" H(content))) over
// files sorted by filename, mirroring the teacher's gosuto.Loader hashing
// of a whole config blob but applied per-file so a persona hash changes
// whenever any one file's name or content changes.
func CanonicalHash(files []PersonaFile) string {
	sorted := make([]PersonaFile, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Filename < sorted[j].Filename })

	parts := make([]string, len(sorted))
	for i, f := range sorted {
		parts[i] = f.Filename + ":" + hashString(f.Content)
	}
	return hashString(strings.Join(parts, "|"))
}

func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

// orderedFilenames returns a persona's filenames in spawn-payload
// composition order: priorityFiles first (only those present), then every
// remaining file alphabetically.
func orderedFilenames(files []PersonaFile) []string {
	present := make(map[string]string, len(files))
	for _, f := range files {
		present[f.Filename] = f.Content
	}

	var ordered []string
	seen := make(map[string]bool, len(files))
	for _, name := range priorityFiles {
		if _, ok := present[name]; ok {
			ordered = append(ordered, name)
			seen[name] = true
		}
	}

	var rest []string
	for _, f := range files {
		if !seen[f.Filename] {
			rest = append(rest, f.Filename)
		}
	}
	sort.Strings(rest)
	return append(ordered, rest...)
}

// composeSystemPrompt joins a persona's files in priority order, separated
// by a fixed delimiter, as the spawn payload's systemPrompt (§4.6).
const systemPromptDelimiter = "\n\n---\n\n"

func composeSystemPrompt(files []PersonaFile) string {
	byName := make(map[string]string, len(files))
	for _, f := range files {
		byName[f.Filename] = f.Content
	}

	order := orderedFilenames(files)
	parts := make([]string, len(order))
	for i, name := range order {
		parts[i] = byName[name]
	}
	return strings.Join(parts, systemPromptDelimiter)
}
