package blockerlog

import (
	"reflect"
	"strings"
	"testing"
)

const sampleLog = `# Ava Blockers

Some intro text.

## Active Blockers

### Payment gateway down
**Type:** infra
**Discovered:** 2024-01-01
**Discovered By:** ava
**Alerted User:** yes
**Priority Impact:** P0 revenue tasks stalled
**Affected Tasks:**
- Launch checkout flow
- Invoice batch #12
**Details:**
Stripe keys rotated upstream.
Webhooks return 401.
**Resolution:**
Waiting for new keys.

---

### [Blocker Title]
**Type:** x

---

### Missing domain verification
**Type:** access
**Status:** resolved

---

**Type:** orphan entry without a title

## Resolved Blockers

### Old outage
**Type:** infra
`

func TestParseScenarioC(t *testing.T) {
	text := "## Active Blockers\n### Payment gateway down\n**Type:** infra\n**Discovered:** 2024-01-01\n---\n### [Blocker Title]\n**Type:** x\n"

	blockers := Parse(text)
	if len(blockers) != 1 {
		t.Fatalf("Expected 1 blocker, got %d", len(blockers))
	}
	b := blockers[0]
	if b.Resource != "Payment gateway down" {
		t.Errorf("Expected resource 'Payment gateway down', got '%s'", b.Resource)
	}
	if b.Type == nil || *b.Type != "infra" {
		t.Errorf("Expected type 'infra', got %v", b.Type)
	}
	if b.DiscoveredAt == nil || *b.DiscoveredAt != "2024-01-01" {
		t.Errorf("Expected discovered '2024-01-01', got %v", b.DiscoveredAt)
	}
	if b.Details != nil || b.Resolution != nil || b.AlertedUser != nil || b.Impacts != nil {
		t.Errorf("Expected absent optional fields, got %+v", b)
	}
	if b.Status != "active" {
		t.Errorf("Expected status active, got %s", b.Status)
	}
}

func TestParseFullEntry(t *testing.T) {
	blockers := Parse(sampleLog)
	if len(blockers) != 2 {
		t.Fatalf("Expected 2 blockers, got %d: %+v", len(blockers), blockers)
	}

	b := blockers[0]
	if b.Position != 0 || blockers[1].Position != 1 {
		t.Errorf("Expected positions 0 and 1, got %d and %d", b.Position, blockers[1].Position)
	}
	if b.DiscoveredBy == nil || *b.DiscoveredBy != "ava" {
		t.Errorf("Expected discovered by 'ava', got %v", b.DiscoveredBy)
	}
	if b.AlertedUser == nil || !*b.AlertedUser {
		t.Errorf("Expected alerted user true, got %v", b.AlertedUser)
	}
	if b.PriorityImpact == nil || *b.PriorityImpact != "P0 revenue tasks stalled" {
		t.Errorf("Unexpected priority impact %v", b.PriorityImpact)
	}
	wantImpacts := []string{"Launch checkout flow", "Invoice batch #12"}
	if !reflect.DeepEqual(b.Impacts, wantImpacts) {
		t.Errorf("Expected impacts %v, got %v", wantImpacts, b.Impacts)
	}
	if b.Details == nil || *b.Details != "Stripe keys rotated upstream.\nWebhooks return 401." {
		t.Errorf("Unexpected details %v", b.Details)
	}
	if b.Resolution == nil || *b.Resolution != "Waiting for new keys." {
		t.Errorf("Unexpected resolution %v", b.Resolution)
	}

	if blockers[1].Resource != "Missing domain verification" {
		t.Errorf("Expected second blocker 'Missing domain verification', got '%s'", blockers[1].Resource)
	}
	if blockers[1].Status != "resolved" {
		t.Errorf("Expected second blocker resolved, got %s", blockers[1].Status)
	}
}

func TestParseTotality(t *testing.T) {
	inputs := []string{
		"",
		"no heading at all",
		"## Active Blockers",
		"## Active Blockers\n---\n---\n",
		"## Active Blockers\n### \n**Type:**\n",
		"## Active Blockers\n### Bare title\n",
		"## Active Blockers\n### Weird\n**Affected Tasks:**\n**Details:**\n",
		"## Active Blockers\r\n### CRLF entry\r\n**Type:** infra\r\n",
		"**Type:** ** ## ### --- **:**",
		strings.Repeat("## Active Blockers\n### x\n---\n", 50),
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("Parse panicked on %q: %v", in, r)
				}
			}()
			_ = Parse(in)
		}()
	}

	if got := Parse("## Active Blockers\n### Bare title\n"); len(got) != 1 || got[0].Type != nil {
		t.Errorf("Expected one blocker with no fields, got %+v", got)
	}
	if got := Parse("## Active Blockers\r\n### CRLF entry\r\n**Type:** infra\r\n"); len(got) != 1 || got[0].Type == nil || *got[0].Type != "infra" {
		t.Errorf("Expected CRLF entry to parse, got %+v", got)
	}
}

func TestParseIdempotent(t *testing.T) {
	first := Parse(sampleLog)
	second := Parse(sampleLog)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical output, got %+v and %+v", first, second)
	}
}

func TestFindSection(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"absent", "# Title\n## Other\nbody", ""},
		{"to eof", "## Active Blockers\nbody\n### sub", "body\n### sub"},
		{"stops at sibling", "## Active Blockers\nbody\n## Next\nmore", "body"},
		{"stops at parent", "## Active Blockers\nbody\n# Top\nmore", "body"},
		{"case insensitive", "## active blockers\nbody", "body"},
		{"leading emoji", "## 🚨 Active Blockers\nbody", "body"},
		{"trailing count", "## Active Blockers (2)\nbody", "body"},
		{"closing hashes", "## Active Blockers ##\nbody", "body"},
		{"word boundary", "## Inactive Blockers\nbody", ""},
		{"longer word", "## Active Blockerslist\nbody", ""},
		{"resolved only", "## Resolved Blockers\nbody", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FindSection(tt.text, SectionTitle); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestHasSection(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"## Active Blockers\n", true},
		{"## Active Blockers (0)", true},
		{"## Resolved Blockers\nbody", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := HasSection(tt.text, SectionTitle); got != tt.want {
			t.Errorf("Expected HasSection(%q) = %v, got %v", tt.text, tt.want, got)
		}
	}
}

func TestParseTitleEndingInHash(t *testing.T) {
	tests := []struct {
		heading string
		want    string
	}{
		{"### Upgrade C#", "Upgrade C#"},
		{"### Upgrade C# ###", "Upgrade C#"},
		{"### Ticket #42", "Ticket #42"},
	}
	for _, tt := range tests {
		blockers := Parse("## Active Blockers\n" + tt.heading + "\n**Type:** x\n")
		if len(blockers) != 1 {
			t.Errorf("Expected 1 blocker for %q, got %d", tt.heading, len(blockers))
			continue
		}
		if blockers[0].Resource != tt.want {
			t.Errorf("Expected resource %q, got %q", tt.want, blockers[0].Resource)
		}
	}
}

func TestExtractLabeledField(t *testing.T) {
	entry := "### T\n**Type:** first\n**Type:** second\n**type:** lower\n**Empty:**\n"

	if got := ExtractLabeledField(entry, "Type"); got == nil || *got != "first" {
		t.Errorf("Expected first match, got %v", got)
	}
	if got := ExtractLabeledField(entry, "Empty"); got != nil {
		t.Errorf("Expected nil for empty value, got %q", *got)
	}
	if got := ExtractLabeledField(entry, "Missing"); got != nil {
		t.Errorf("Expected nil for missing label, got %q", *got)
	}
}

func TestExtractListMarkers(t *testing.T) {
	entry := "**Affected Tasks:**\n- dash\n* star\n+ plus\n1. numbered\nnot an item\n**Details:** x"
	want := []string{"dash", "star", "plus", "numbered"}
	if got := ExtractList(entry, LabelAffectedTasks); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestParseDoesNotMutateInput(t *testing.T) {
	text := sampleLog
	before := strings.Clone(text)
	_ = Parse(text)
	if text != before {
		t.Error("Parse modified its input")
	}
}
