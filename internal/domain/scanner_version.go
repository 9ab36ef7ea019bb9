package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ScannerVersion is an immutable generation of a scanner's source code for
// one agent. Version numbers are monotone and unique per agent.
type ScannerVersion struct {
	ID               string
	AgentID          string
	VersionNumber    int
	Name             string
	Code             string
	ModelTag         string
	GenerationPrompt string
	CreatedAt        time.Time
}

var nonWordRun = regexp.MustCompile(`[^a-zA-Z0-9 ]+`)

// DeriveScannerName names a scanner from its generation prompt: the first
// clause, title-cased, with " Scanner" appended. Falls back to
// "Scanner v{N}" when the prompt yields nothing usable.
func DeriveScannerName(prompt string, versionNumber int) string {
	clause := firstClause(prompt)
	clause = strings.TrimSpace(nonWordRun.ReplaceAllString(clause, " "))
	clause = strings.Join(strings.Fields(clause), " ")
	if clause == "" {
		return defaultScannerName(versionNumber)
	}

	const maxWords = 6
	words := strings.Fields(clause)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	title := strings.Title(strings.ToLower(strings.Join(words, " "))) //nolint:staticcheck // matches teacher's simple title-casing, no need for x/text here
	if title == "" {
		return defaultScannerName(versionNumber)
	}
	return title + " Scanner"
}

func defaultScannerName(versionNumber int) string {
	return "Scanner v" + strconv.Itoa(versionNumber)
}

// firstClause extracts the first sentence/clause from a free-text prompt,
// splitting on the first '.', ',', ';', or newline.
func firstClause(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	cut := len(prompt)
	for _, sep := range []string{".", ",", ";", "\n"} {
		if idx := strings.Index(prompt, sep); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	return prompt[:cut]
}
