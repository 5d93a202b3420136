// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package blockerlog turns the hand-maintained blocker log (markdown) into
// structured blocker records.
//
// The grammar is section -> entries -> fields. Every function here is pure and
// total: malformed input yields fewer records, never an error or a panic.
package blockerlog

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"missioncontrol/src/model"
)

// SectionTitle is the heading that opens the list of live blockers.
const SectionTitle = "Active Blockers"

// Field labels, as written in the log ("**Type:** infra").
const (
	LabelType           = "Type"
	LabelDiscovered     = "Discovered"
	LabelDiscoveredBy   = "Discovered By"
	LabelAlertedUser    = "Alerted User"
	LabelAlertedHuman   = "Alerted Human"
	LabelPriorityImpact = "Priority Impact"
	LabelStatus         = "Status"
	LabelDetails        = "Details"
	LabelResolution     = "Resolution"
	LabelAffectedTasks  = "Affected Tasks"
)

var (
	headingRe   = regexp.MustCompile(`^\s*(#{1,6})\s+(.*?)(?:\s+#+)?\s*$`)
	delimiterRe = regexp.MustCompile(`^\s*-{3,}\s*$`)
	labelRe     = regexp.MustCompile(`^\s*\*\*([^*]+?):\*\*\s*(.*?)\s*$`)
	listItemRe  = regexp.MustCompile(`^\s*(?:[-*+]|\d+[.)])\s+(.*?)\s*$`)

	placeholderMarkers = []string{"[blocker title]", "<!-- template"}
)

// Parse returns the blockers listed under the "Active Blockers" section, in
// document order.
func Parse(text string) []model.Blocker {
	var blockers []model.Blocker
	for _, entry := range SplitEntries(FindSection(text, SectionTitle)) {
		b, ok := parseEntry(entry)
		if !ok {
			continue
		}
		b.Position = len(blockers)
		blockers = append(blockers, b)
	}
	return blockers
}

// FindSection returns the body of the first heading named title, up to the
// next heading of the same or a higher level. It returns "" when the heading
// is absent. Leading emoji and trailing decoration such as a count are
// ignored, so "🚨 Active Blockers (2)" matches "Active Blockers".
func FindSection(text, title string) string {
	body, _ := findSection(text, title)
	return body
}

// HasSection reports whether text carries a heading named title.
func HasSection(text, title string) bool {
	_, ok := findSection(text, title)
	return ok
}

func findSection(text, title string) (string, bool) {
	lines := splitLines(text)
	start, level := -1, 0
	for i, line := range lines {
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if start < 0 {
			if headingMatches(m[2], title) {
				start, level = i+1, len(m[1])
			}
			continue
		}
		if len(m[1]) <= level {
			return strings.Join(lines[start:i], "\n"), true
		}
	}
	if start < 0 {
		return "", false
	}
	return strings.Join(lines[start:], "\n"), true
}

// headingMatches compares on word boundaries: "Inactive Blockers" does not
// match "Active Blockers".
func headingMatches(heading, title string) bool {
	heading = strings.TrimLeftFunc(heading, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(heading) < len(title) || !strings.EqualFold(heading[:len(title)], title) {
		return false
	}
	rest := heading[len(title):]
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// SplitEntries splits a section on delimiter lines ("---"). Blank entries are
// dropped.
func SplitEntries(section string) []string {
	var (
		entries []string
		current []string
	)
	flush := func() {
		entry := strings.TrimSpace(strings.Join(current, "\n"))
		if entry != "" {
			entries = append(entries, entry)
		}
		current = current[:0]
	}
	for _, line := range splitLines(section) {
		if delimiterRe.MatchString(line) {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return entries
}

// EntryTitle returns the text of the entry's level-3 heading.
func EntryTitle(entry string) (string, bool) {
	for _, line := range splitLines(entry) {
		m := headingRe.FindStringSubmatch(line)
		if m == nil || len(m[1]) != 3 {
			continue
		}
		title := strings.TrimSpace(m[2])
		return title, title != ""
	}
	return "", false
}

// ExtractLabeledField returns the value of the first "**label:** value" line.
// Label names are case-sensitive. An empty value counts as absent.
func ExtractLabeledField(entry, label string) *string {
	for _, line := range splitLines(entry) {
		m := labelRe.FindStringSubmatch(line)
		if m == nil || m[1] != label {
			continue
		}
		if m[2] == "" {
			return nil
		}
		value := m[2]
		return &value
	}
	return nil
}

// ExtractLabeledBlock returns the text following "**label:**": the rest of
// the label line plus every line up to the next label, delimiter or heading.
func ExtractLabeledBlock(entry, label string) *string {
	lines := blockLines(entry, label)
	text := strings.TrimSpace(strings.Join(lines, "\n"))
	if text == "" {
		return nil
	}
	return &text
}

// ExtractList tokenizes a labeled block into its list items, markers
// stripped. Lines that are not list items are ignored.
func ExtractList(entry, label string) []string {
	var items []string
	for _, line := range blockLines(entry, label) {
		m := listItemRe.FindStringSubmatch(line)
		if m == nil || m[1] == "" {
			continue
		}
		items = append(items, m[1])
	}
	return items
}

func blockLines(entry, label string) []string {
	lines := splitLines(entry)
	for i, line := range lines {
		m := labelRe.FindStringSubmatch(line)
		if m == nil || m[1] != label {
			continue
		}
		var out []string
		if m[2] != "" {
			out = append(out, m[2])
		}
		for _, next := range lines[i+1:] {
			if labelRe.MatchString(next) || delimiterRe.MatchString(next) || headingRe.MatchString(next) {
				break
			}
			out = append(out, next)
		}
		return out
	}
	return nil
}

func parseEntry(entry string) (model.Blocker, bool) {
	title, ok := EntryTitle(entry)
	if !ok || isPlaceholder(entry, title) {
		return model.Blocker{}, false
	}

	alerted := ExtractLabeledField(entry, LabelAlertedUser)
	if alerted == nil {
		alerted = ExtractLabeledField(entry, LabelAlertedHuman)
	}

	status := model.BlockerActive
	if s := ExtractLabeledField(entry, LabelStatus); s != nil && strings.Contains(strings.ToLower(*s), "resolved") {
		status = model.BlockerResolved
	}

	return model.Blocker{
		Type:           ExtractLabeledField(entry, LabelType),
		Resource:       title,
		DiscoveredAt:   ExtractLabeledField(entry, LabelDiscovered),
		DiscoveredBy:   ExtractLabeledField(entry, LabelDiscoveredBy),
		AlertedUser:    parseFlag(alerted),
		PriorityImpact: ExtractLabeledField(entry, LabelPriorityImpact),
		Impacts:        ExtractList(entry, LabelAffectedTasks),
		Details:        ExtractLabeledBlock(entry, LabelDetails),
		Resolution:     ExtractLabeledBlock(entry, LabelResolution),
		Status:         status,
	}, true
}

func isPlaceholder(entry, title string) bool {
	if strings.HasPrefix(title, "[") && strings.HasSuffix(title, "]") {
		return true
	}
	if strings.EqualFold(title, "template") {
		return true
	}
	lower := strings.ToLower(entry)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func parseFlag(v *string) *bool {
	if v == nil {
		return nil
	}
	var b bool
	switch strings.ToLower(strings.Trim(*v, " .!*")) {
	case "yes", "y", "true", "✅":
		b = true
	case "no", "n", "false", "❌":
		b = false
	default:
		return nil
	}
	return &b
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}
