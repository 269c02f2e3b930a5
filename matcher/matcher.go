package matcher

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/h2non/filetype"

	"pocketshield/rules"
)

// Hit records one satisfied rule.
type Hit struct {
	RuleID      string            `json:"ruleId"`
	Name        string            `json:"name"`
	Severity    rules.Severity    `json:"severity"`
	Class       rules.ThreatClass `json:"category,omitempty"`
	Description string            `json:"description,omitempty"`
}

// EntryHit summarizes one archive member that produced hits.
type EntryHit struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hits []Hit  `json:"hits"`
}

// Result carries everything the matcher learned about one file.
type Result struct {
	MimeType string
	Hits     []Hit
	Archive  bool
	Entries  []EntryHit
}

// Options tunes how files are read and whether archives are expanded.
type Options struct {
	WindowBytes     int64
	ReadMode        string // auto, stream, mmap
	MmapMinSize     int64
	IncludeArchives bool
	MaxArchiveBytes int64
	MaxEntries      int
}

// Matcher evaluates a compiled rule set against files. It holds no
// per-file state and is safe for concurrent use.
type Matcher struct {
	set  *rules.Set
	opts Options
}

func New(set *rules.Set, opts Options) *Matcher {
	if opts.WindowBytes <= 0 {
		opts.WindowBytes = defaultWindowBytes
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1024
	}
	if opts.MaxArchiveBytes <= 0 {
		opts.MaxArchiveBytes = 64 << 20
	}
	return &Matcher{set: set, opts: opts}
}

// Scan classifies evidence for a single file. I/O failures surface as
// errors; a file that simply matches nothing returns an empty Result.
func (m *Matcher) Scan(path string, size int64) (*Result, error) {
	mime, err := sniffMime(path)
	if err != nil {
		return nil, err
	}
	res := &Result{MimeType: mime}

	evidence := m.set.NameHits(path)
	if m.needsContent(path, size, mime, evidence) {
		content, err := readWindow(path, m.opts.WindowBytes, m.opts.ReadMode, m.opts.MmapMinSize)
		if err != nil {
			return nil, err
		}
		evidence = m.set.ContentHits(content, evidence)
	}
	res.Hits = m.resolve(path, size, mime, evidence)

	if m.opts.IncludeArchives && isArchive(path, mime) {
		res.Archive = true
		entries, err := m.scanArchive(path)
		if err == nil {
			res.Entries = entries
		} else {
			// A corrupt archive is still a scannable file; its own
			// evidence stands and the expansion failure is not fatal.
			res.Entries = nil
		}
	}
	return res, nil
}

// needsContent decides whether the content window has to be read:
// only when some gated rule still waits on byte or string evidence.
func (m *Matcher) needsContent(path string, size int64, mime string, evidence map[int]map[rules.Category]bool) bool {
	if !m.set.NeedsContent() {
		return false
	}
	for i, r := range m.set.Rules() {
		if !r.HasContentPatterns() {
			continue
		}
		if !gatePasses(&r, path, size, mime) {
			continue
		}
		// A rule with name patterns that the name already failed can
		// never complete, so it does not force a read.
		if len(r.NamePatterns) > 0 && !evidence[i][rules.CategoryName] {
			continue
		}
		return true
	}
	return false
}

// resolve folds raw evidence into hits, applying each rule's gating
// constraints. Output is ordered by descending severity, then rule id,
// so results are stable across runs.
func (m *Matcher) resolve(path string, size int64, mime string, evidence map[int]map[rules.Category]bool) []Hit {
	var hits []Hit
	for i, ev := range evidence {
		r := m.set.Rules()[i]
		if !gatePasses(&r, path, size, mime) {
			continue
		}
		if !m.set.Satisfied(i, ev) {
			continue
		}
		hits = append(hits, Hit{
			RuleID:      r.ID,
			Name:        r.Name,
			Severity:    r.Severity,
			Class:       r.Class,
			Description: r.Description,
		})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Severity.Rank() != hits[b].Severity.Rank() {
			return hits[a].Severity.Rank() > hits[b].Severity.Rank()
		}
		return hits[a].RuleID < hits[b].RuleID
	})
	return hits
}

// MatchBytes evaluates the rule set against an in-memory buffer, used
// for archive members where no file path exists. Name evidence comes
// from the member name.
func (m *Matcher) MatchBytes(name string, content []byte) []Hit {
	evidence := m.set.NameHits(name)
	evidence = m.set.ContentHits(content, evidence)
	return m.resolve(name, int64(len(content)), "", evidence)
}

func gatePasses(r *rules.SignatureRule, path string, size int64, mime string) bool {
	if r.MinSize > 0 && size < r.MinSize {
		return false
	}
	if r.MaxSize > 0 && size > r.MaxSize {
		return false
	}
	if len(r.FileTypes) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, ft := range r.FileTypes {
		ft = strings.ToLower(strings.TrimSpace(ft))
		if ft == "" {
			continue
		}
		if ft == ext {
			return true
		}
		if mime != "" && strings.Contains(mime, ft) {
			return true
		}
	}
	return false
}

func sniffMime(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	buf := make([]byte, 261)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		return "", err
	}
	kind, err := filetype.Match(buf[:n])
	if err != nil {
		return "", err
	}
	if kind == filetype.Unknown || kind.MIME.Value == "" {
		return "unknown", nil
	}
	return kind.MIME.Value, nil
}

// isArchive recognizes containers worth expanding. Office documents
// are zip files too but their members are the document itself, so
// only real archive extensions opt in.
func isArchive(path string, mime string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".docx" || ext == ".xlsx" || ext == ".pptx" {
		return false
	}
	if mime == "application/zip" {
		return true
	}
	return ext == ".zip" || ext == ".jar" || ext == ".apk"
}
