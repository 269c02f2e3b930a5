package rules

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"pocketshield/logger"
)

// Severity grades how strongly a rule hit indicates a threat.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so callers can compare them without
// maintaining their own table. Unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return s, nil
	}
	return "", fmt.Errorf("rules: unknown severity %q", raw)
}

// Category identifies which kind of evidence a pattern contributes.
type Category string

const (
	CategoryName   Category = "name"
	CategoryBytes  Category = "bytes"
	CategoryString Category = "string"
)

// ThreatClass groups rules by the kind of threat they detect.
type ThreatClass string

const (
	ClassMalware    ThreatClass = "malware"
	ClassAdware     ThreatClass = "adware"
	ClassPUA        ThreatClass = "pua"
	ClassSuspicious ThreatClass = "suspicious"
)

// SignatureRule describes one detection. A rule may carry patterns in
// several categories; every category the rule declares must hit for
// the rule to match, while within a category any single pattern
// suffices.
type SignatureRule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Severity    Severity    `json:"severity"`
	Class       ThreatClass `json:"category,omitempty"`

	// Gating constraints. Empty means unconstrained.
	FileTypes []string `json:"fileTypes,omitempty"`
	MinSize   int64    `json:"minSize,omitempty"`
	MaxSize   int64    `json:"maxSize,omitempty"`

	NamePatterns   []string `json:"namePatterns,omitempty"`
	ByteSignatures []string `json:"byteSignatures,omitempty"` // hex encoded
	StringPatterns []string `json:"stringPatterns,omitempty"`

	Active bool `json:"active"`
}

// HasContentPatterns reports whether the rule needs file content at
// all, letting callers skip the content read when only name rules
// remain in play.
func (r *SignatureRule) HasContentPatterns() bool {
	return len(r.ByteSignatures) > 0 || len(r.StringPatterns) > 0
}

func (r *SignatureRule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("rules: rule without id")
	}
	if _, err := ParseSeverity(string(r.Severity)); err != nil {
		return fmt.Errorf("rules: rule %s: %w", r.ID, err)
	}
	switch r.Class {
	case "":
		r.Class = ClassMalware
	case ClassMalware, ClassAdware, ClassPUA, ClassSuspicious:
	default:
		return fmt.Errorf("rules: rule %s: unknown category %q", r.ID, r.Class)
	}
	if len(r.NamePatterns) == 0 && len(r.ByteSignatures) == 0 && len(r.StringPatterns) == 0 {
		return fmt.Errorf("rules: rule %s has no patterns", r.ID)
	}
	for _, pat := range r.NamePatterns {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("rules: rule %s: bad name pattern %q", r.ID, pat)
		}
	}
	for _, sig := range r.ByteSignatures {
		raw, err := hex.DecodeString(strings.TrimSpace(sig))
		if err != nil {
			return fmt.Errorf("rules: rule %s: bad byte signature %q: %w", r.ID, sig, err)
		}
		if len(raw) == 0 {
			return fmt.Errorf("rules: rule %s: empty byte signature", r.ID)
		}
	}
	for _, pat := range r.StringPatterns {
		if pat == "" {
			return fmt.Errorf("rules: rule %s: empty string pattern", r.ID)
		}
	}
	if r.MinSize < 0 || r.MaxSize < 0 {
		return fmt.Errorf("rules: rule %s: negative size bound", r.ID)
	}
	if r.MaxSize > 0 && r.MinSize > r.MaxSize {
		return fmt.Errorf("rules: rule %s: minSize exceeds maxSize", r.ID)
	}
	return nil
}

// LoadFile reads a JSON rule corpus. Rules that fail validation are
// skipped with a warning rather than failing the load, so one bad
// entry cannot disable the whole corpus. An unparseable file is an
// error.
func LoadFile(path string) ([]SignatureRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: reading %s: %w", path, err)
	}
	var loaded []SignatureRule
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("rules: parsing %s: %w", path, err)
	}
	return sanitize(loaded), nil
}

func sanitize(loaded []SignatureRule) []SignatureRule {
	valid := make([]SignatureRule, 0, len(loaded))
	seen := make(map[string]bool, len(loaded))
	for _, r := range loaded {
		if err := r.validate(); err != nil {
			logger.Warnf("Skipping rule: %v", err)
			continue
		}
		if seen[r.ID] {
			logger.Warnf("Skipping duplicate rule id %s", r.ID)
			continue
		}
		seen[r.ID] = true
		if !r.Active {
			continue
		}
		valid = append(valid, r)
	}
	return valid
}

// eicarSignature is the standard antivirus test string, split so this
// binary does not itself contain the contiguous sequence.
var eicarSignature = "X5O!P%@AP[4\\PZX54(P^)7CC)7}$EICAR-STANDARD-" + "ANTIVIRUS-TEST-FILE!$H+H*"

// Defaults returns the built-in corpus used when no rules file is
// configured.
func Defaults() []SignatureRule {
	return []SignatureRule{
		{
			ID:             "builtin-eicar",
			Name:           "EICAR test file",
			Description:    "Standard antivirus test signature",
			Severity:       SeverityHigh,
			StringPatterns: []string{eicarSignature},
			MaxSize:        4096,
			Active:         true,
		},
		{
			ID:             "builtin-exe-masquerade",
			Name:           "Executable disguised as document",
			Description:    "PE header inside a file named like a document",
			Severity:       SeverityHigh,
			NamePatterns:   []string{"**/*.{pdf,doc,docx,txt,jpg,png}"},
			ByteSignatures: []string{"4d5a9000"},
			Active:         true,
		},
		{
			ID:           "builtin-double-extension",
			Name:         "Double extension",
			Description:  "Document extension followed by an executable one",
			Severity:     SeverityMedium,
			Class:        ClassSuspicious,
			NamePatterns: []string{"**/*.{pdf,doc,docx,xls,xlsx,jpg,png,txt}.{exe,scr,bat,cmd,com,pif}"},
			Active:       true,
		},
		{
			ID:             "builtin-ps-encoded",
			Name:           "Encoded PowerShell invocation",
			Description:    "Script invoking powershell with an encoded command",
			Severity:       SeverityMedium,
			StringPatterns: []string{"powershell -enc", "powershell.exe -EncodedCommand", "-w hidden -nop"},
			Active:         true,
		},
		{
			ID:             "builtin-shell-downloader",
			Name:           "Shell downloader one-liner",
			Description:    "Script piping a remote fetch straight into a shell",
			Severity:       SeverityLow,
			Class:          ClassSuspicious,
			StringPatterns: []string{"curl -s | sh", "wget -qO- | sh", "| bash -c"},
			Active:         true,
		},
	}
}

// Load resolves the effective corpus: the file at path when given,
// the built-in defaults otherwise.
func Load(path string) ([]SignatureRule, error) {
	if strings.TrimSpace(path) == "" {
		return sanitize(Defaults()), nil
	}
	return LoadFile(path)
}
