package service

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/stokkr/foreman/internal/core"
)

// Prompts are deliberately plain: the agent gets the item verbatim plus
// a short framing of what this phase expects from it.

func attemptPrompt(item *core.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Implement the following backlog item.\n\n")
	fmt.Fprintf(&b, "Item %s: %s\n\n%s\n\n", item.ID, item.Title, item.Description)
	b.WriteString("Work only inside the current directory. ")
	b.WriteString("Make the change complete and leave the tree building and tested.")
	return b.String()
}

func correctivePrompt(item *core.Item, commitErr error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The commit for item %s was rejected by a validation hook.\n\n", item.ID)
	fmt.Fprintf(&b, "Rejection output:\n%s\n\n", commitErr.Error())
	b.WriteString("Fix the reported problems so the changes commit cleanly. Do not start new work.")
	return b.String()
}

func gatePrompt(item *core.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the changes in the current directory for item %s: %s\n\n", item.ID, item.Title)
	fmt.Fprintf(&b, "%s\n\n", item.Description)
	b.WriteString("Do not modify anything. Verify the implementation is complete and correct.\n")
	b.WriteString("Answer with VERDICT: APPROVED or VERDICT: REJECTED on its own line, ")
	b.WriteString("followed by your reasoning.")
	return b.String()
}

func conflictPrompt(item *core.Item, files []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Merging item %s into the trunk produced conflicts.\n\n", item.ID)
	fmt.Fprintf(&b, "Conflicted files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "  - %s\n", f)
	}
	b.WriteString("\nRebase the current branch onto the trunk and resolve every conflict, ")
	b.WriteString("keeping the intent of the item's changes. Leave the tree committed and clean.")
	return b.String()
}

var (
	verdictRe  = regexp.MustCompile(`(?im)^\s*VERDICT:\s*(APPROVED|REJECTED)\b`)
	rejectedRe = regexp.MustCompile(`(?i)\bREJECTED\b`)
)

// parseGateVerdict reads the reviewer's answer. An explicit VERDICT line
// wins; otherwise any REJECTED marker rejects, and a recognizably empty
// answer rejects too since silence is not approval.
func parseGateVerdict(output string) (approved bool, feedback string) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return false, "gate produced no output"
	}

	if m := verdictRe.FindStringSubmatch(trimmed); m != nil {
		verdict := strings.ToUpper(m[1])
		feedback = strings.TrimSpace(verdictRe.ReplaceAllString(trimmed, ""))
		return verdict == "APPROVED", feedback
	}

	if rejectedRe.MatchString(trimmed) {
		return false, trimmed
	}
	return true, ""
}
