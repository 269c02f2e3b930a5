package rules

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsAllValid(t *testing.T) {
	defaults := Defaults()
	if len(defaults) == 0 {
		t.Fatal("built-in corpus is empty")
	}
	for _, r := range defaults {
		if err := r.validate(); err != nil {
			t.Errorf("built-in rule %s invalid: %v", r.ID, err)
		}
	}
	if got := sanitize(defaults); len(got) != len(defaults) {
		t.Errorf("sanitize dropped %d built-in rules", len(defaults)-len(got))
	}
}

func TestLoadFileSkipsMalformedRules(t *testing.T) {
	corpus := `[
		{"id": "good", "name": "ok", "severity": "high", "stringPatterns": ["abc"], "active": true},
		{"id": "", "name": "no id", "severity": "high", "stringPatterns": ["x"], "active": true},
		{"id": "bad-sev", "name": "bad", "severity": "extreme", "stringPatterns": ["x"], "active": true},
		{"id": "no-patterns", "name": "empty", "severity": "low", "active": true},
		{"id": "bad-hex", "name": "hex", "severity": "low", "byteSignatures": ["zz"], "active": true},
		{"id": "bad-glob", "name": "glob", "severity": "low", "namePatterns": ["[unclosed"], "active": true},
		{"id": "bad-class", "name": "class", "severity": "low", "category": "ransomware", "stringPatterns": ["x"], "active": true},
		{"id": "good", "name": "duplicate", "severity": "low", "stringPatterns": ["dup"], "active": true},
		{"id": "inactive", "name": "off", "severity": "low", "stringPatterns": ["x"], "active": false}
	]`
	path := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(path, []byte(corpus), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "good" {
		t.Fatalf("want only the valid active rule, got %v", loaded)
	}
	if loaded[0].Class != ClassMalware {
		t.Errorf("unset category should default to malware, got %q", loaded[0].Class)
	}
}

func TestLoadFileRejectsBrokenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("broken corpus file should fail the load")
	}
}

func TestLoadWithoutPathUsesDefaults(t *testing.T) {
	loaded, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	found := false
	for _, r := range loaded {
		if r.ID == "builtin-eicar" {
			found = true
		}
	}
	if !found {
		t.Error("default corpus should carry the EICAR rule")
	}
}

func TestSetContentHits(t *testing.T) {
	set := Compile([]SignatureRule{
		{ID: "r1", Name: "string rule", Severity: SeverityHigh, StringPatterns: []string{"needle"}, Active: true},
		{ID: "r2", Name: "byte rule", Severity: SeverityLow, ByteSignatures: []string{"deadbeef"}, Active: true},
	})

	hits := set.ContentHits([]byte("hay needle stack"), nil)
	if len(hits) != 1 || !hits[0][CategoryString] {
		t.Fatalf("want only r1 string evidence, got %v", hits)
	}
	if !set.Satisfied(0, hits[0]) {
		t.Error("r1 should be satisfied")
	}

	hits = set.ContentHits([]byte{0x00, 0xde, 0xad, 0xbe, 0xef, 0x00}, nil)
	if len(hits) != 1 || !hits[1][CategoryBytes] {
		t.Fatalf("want only r2 byte evidence, got %v", hits)
	}
}

func TestSetRequiresAllDeclaredCategories(t *testing.T) {
	set := Compile([]SignatureRule{{
		ID:             "combo",
		Name:           "name and content",
		Severity:       SeverityHigh,
		NamePatterns:   []string{"*.txt"},
		StringPatterns: []string{"payload"},
		Active:         true,
	}})

	nameOnly := set.NameHits("/tmp/x.txt")
	if nameOnly == nil || !nameOnly[0][CategoryName] {
		t.Fatalf("name glob should hit, got %v", nameOnly)
	}
	if set.Satisfied(0, nameOnly[0]) {
		t.Error("name evidence alone must not satisfy a combined rule")
	}

	full := set.ContentHits([]byte("the payload here"), nameOnly)
	if !set.Satisfied(0, full[0]) {
		t.Error("name plus content evidence should satisfy the rule")
	}
}

func TestNameHitsBaseAndPathPatterns(t *testing.T) {
	set := Compile([]SignatureRule{
		{ID: "base", Name: "base glob", Severity: SeverityLow, NamePatterns: []string{"*.exe"}, Active: true},
		{ID: "deep", Name: "path glob", Severity: SeverityLow, NamePatterns: []string{"**/tmp/**/*.sh"}, Active: true},
	})

	if h := set.NameHits("/home/u/run.exe"); h == nil || !h[0][CategoryName] {
		t.Errorf("base-name glob should match, got %v", h)
	}
	if h := set.NameHits("/var/tmp/a/b.sh"); h == nil || !h[1][CategoryName] {
		t.Errorf("path glob should match, got %v", h)
	}
	if h := set.NameHits("/var/log/b.sh"); h[1] != nil {
		t.Errorf("path glob should not match outside tmp, got %v", h)
	}
}

func TestEicarDefaultRuleMatches(t *testing.T) {
	set := Compile(Defaults())
	sample := []byte(eicarSignature)

	hits := set.ContentHits(sample, nil)
	matched := ""
	for i, ev := range hits {
		if set.Satisfied(i, ev) {
			matched = set.Rules()[i].ID
		}
	}
	if matched != "builtin-eicar" {
		t.Fatalf("EICAR sample should match the built-in rule, got %q", matched)
	}
}
