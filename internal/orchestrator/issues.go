package orchestrator

import (
	"regexp"
	"strings"

	"agent-orchestrator/backend/pkg/models"
)

// issueLine matches critique lines of the form
//
//	<marker> **Title** - Description
//
// where the marker is a bullet, a numbered item or a status emoji.
var issueLine = regexp.MustCompile(`(?m)^\s*([-*\x{2022}\x{274C}\x{1F6AB}]|\x{26A0}\x{FE0F}?|\d+\.)\s*\*\*(.+?)\*\*\s*[-:\x{2013}\x{2014}]\s*(.+?)\s*$`)

// ExtractIssues parses issues out of a critique summary.
func ExtractIssues(summary string) []models.Issue {
	var issues []models.Issue
	for _, m := range issueLine.FindAllStringSubmatch(summary, -1) {
		title := strings.TrimSpace(m[2])
		if title == "" {
			continue
		}
		issues = append(issues, models.Issue{
			Title:       title,
			Description: strings.TrimSpace(m[3]),
			Priority:    markerPriority(m[1]),
			Type:        "fix",
		})
	}
	return issues
}

func markerPriority(marker string) string {
	switch {
	case strings.HasPrefix(marker, "❌"), strings.HasPrefix(marker, "\U0001F6AB"):
		return "high"
	case strings.HasPrefix(marker, "⚠"):
		return "medium"
	}
	return ""
}
