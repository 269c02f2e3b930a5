package matcher

import (
	"archive/zip"
	"strings"

	"pocketshield/rules"
)

// nestedArchiveHit flags an archive found inside an archive. Expansion
// goes one level deep only, so the member is reported instead of
// descended into.
var nestedArchiveHit = Hit{
	RuleID:      "nested-archive",
	Name:        "Nested archive",
	Severity:    rules.SeverityMedium,
	Class:       rules.ClassSuspicious,
	Description: "Archive member is itself an archive and was not expanded",
}

// scanArchive expands a zip container one level and matches every
// member against the rule set. Member reads are bounded both per
// entry and in total so a crafted archive cannot exhaust memory.
func (m *Matcher) scanArchive(path string) ([]EntryHit, error) {
	rd, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	var entries []EntryHit
	var budget = m.opts.MaxArchiveBytes
	seen := 0
	for _, f := range rd.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if seen >= m.opts.MaxEntries || budget <= 0 {
			break
		}
		seen++

		if isArchiveName(f.Name) {
			entries = append(entries, EntryHit{
				Name: f.Name,
				Size: int64(f.UncompressedSize64),
				Hits: []Hit{nestedArchiveHit},
			})
			continue
		}

		window := m.opts.WindowBytes
		if window > budget {
			window = budget
		}
		content, err := readMember(f, window)
		if err != nil {
			continue
		}
		budget -= int64(len(content))

		hits := m.MatchBytes(f.Name, content)
		if len(hits) == 0 {
			continue
		}
		entries = append(entries, EntryHit{
			Name: f.Name,
			Size: int64(f.UncompressedSize64),
			Hits: hits,
		})
	}
	return entries, nil
}

func readMember(f *zip.File, window int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readPrefix(rc, clampWindow(window))
}

func isArchiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range []string{".zip", ".jar", ".apk", ".tar", ".gz", ".tgz", ".bz2", ".xz", ".7z", ".rar"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
