package engine

import (
	"sort"
	"time"

	"pocketshield/matcher"
	"pocketshield/store"
)

// Report is the end-of-session summary handed to observers and
// printed by the CLI.
type Report struct {
	SessionID string       `json:"sessionId"`
	ScanType  string       `json:"scanType"`
	Status    string       `json:"status"`
	StartedAt time.Time    `json:"startedAt"`
	EndedAt   *time.Time   `json:"endedAt,omitempty"`
	Stats     ReportStats  `json:"stats"`
	Analysis  ReportDetail `json:"analysis"`
}

type ReportStats struct {
	ProcessedFiles int64   `json:"processedFiles"`
	ThreatsFound   int64   `json:"threatsFound"`
	Errors         int64   `json:"errors"`
	FilesPerSecond float64 `json:"filesPerSecond,omitempty"`
}

type ReportDetail struct {
	ThreatSummary   ThreatSummary    `json:"threatSummary"`
	Recommendations []Recommendation `json:"recommendations"`
}

type ThreatSummary struct {
	MaliciousFiles  int64       `json:"maliciousFiles"`
	SuspiciousFiles int64       `json:"suspiciousFiles"`
	CleanFiles      int64       `json:"cleanFiles"`
	RiskScore       int         `json:"riskScore"`
	TopThreats      []TopThreat `json:"topThreats,omitempty"`
}

type TopThreat struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

type Recommendation struct {
	Priority    string `json:"priority"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Action      string `json:"action"`
}

const topThreatLimit = 5

// BuildReport assembles the report for any session, running or
// terminal, from its persisted rows.
func (e *Engine) BuildReport(sessionID string) (*Report, error) {
	sess, err := e.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	results, err := e.store.ResultsForSession(sessionID)
	if err != nil {
		return nil, err
	}

	summary := ThreatSummary{}
	threatCounts := map[string]int64{}
	for _, res := range results {
		switch matcher.ThreatLevel(res.ThreatLevel) {
		case matcher.LevelMalicious, matcher.LevelQuarantined:
			summary.MaliciousFiles++
		case matcher.LevelSuspicious:
			summary.SuspiciousFiles++
		default:
			summary.CleanFiles++
		}
		for _, name := range res.Threats {
			threatCounts[name]++
		}
	}
	summary.RiskScore = riskScore(summary.MaliciousFiles, summary.SuspiciousFiles, int64(len(results)))
	summary.TopThreats = topThreats(threatCounts)

	report := &Report{
		SessionID: sess.ID,
		ScanType:  sess.ScanType,
		Status:    string(sess.Status),
		StartedAt: sess.StartedAt,
		Stats: ReportStats{
			ProcessedFiles: sess.FilesScanned,
			ThreatsFound:   sess.ThreatsFound,
			Errors:         sess.Errors,
		},
		Analysis: ReportDetail{
			ThreatSummary: summary,
		},
	}
	if !sess.EndedAt.IsZero() {
		ended := sess.EndedAt
		report.EndedAt = &ended
	}
	if stats, err := e.store.StatisticsForSession(sessionID); err == nil {
		for _, stat := range stats {
			if stat.Name == "files_per_second" {
				report.Stats.FilesPerSecond = stat.Value
			}
		}
	}
	report.Analysis.Recommendations = recommendations(sess, summary, e.cfg.AutoQuarantine)
	return report, nil
}

// riskScore condenses the session into 0..100. Malicious findings
// dominate; a fully clean scan is zero regardless of volume.
func riskScore(malicious, suspicious, total int64) int {
	if total == 0 {
		return 0
	}
	score := malicious*25 + suspicious*5
	if score > 100 {
		return 100
	}
	return int(score)
}

func topThreats(counts map[string]int64) []TopThreat {
	if len(counts) == 0 {
		return nil
	}
	threats := make([]TopThreat, 0, len(counts))
	for name, count := range counts {
		threats = append(threats, TopThreat{Name: name, Count: count})
	}
	sort.Slice(threats, func(i, j int) bool {
		if threats[i].Count != threats[j].Count {
			return threats[i].Count > threats[j].Count
		}
		return threats[i].Name < threats[j].Name
	})
	if len(threats) > topThreatLimit {
		threats = threats[:topThreatLimit]
	}
	return threats
}

func recommendations(sess *store.Session, summary ThreatSummary, autoQuarantine bool) []Recommendation {
	var recs []Recommendation
	if summary.MaliciousFiles > 0 {
		if autoQuarantine {
			recs = append(recs, Recommendation{
				Priority:    "high",
				Title:       "Review quarantined files",
				Description: "Malicious files were moved to quarantine during this scan.",
				Action:      "inspect the quarantine directory and delete or restore each item",
			})
		} else {
			recs = append(recs, Recommendation{
				Priority:    "critical",
				Title:       "Quarantine detected threats",
				Description: "Malicious files remain in place because automatic quarantine is disabled.",
				Action:      "re-run with automatic quarantine enabled or isolate the files manually",
			})
		}
	}
	if summary.SuspiciousFiles > 0 {
		recs = append(recs, Recommendation{
			Priority:    "medium",
			Title:       "Investigate suspicious files",
			Description: "Some files matched weak indicators or have poor reputation.",
			Action:      "review the suspicious results and submit samples for analysis",
		})
	}
	if sess.Errors > 0 {
		recs = append(recs, Recommendation{
			Priority:    "low",
			Title:       "Some files could not be scanned",
			Description: "Unreadable or oversized files were skipped.",
			Action:      "check permissions on the reported paths and re-scan",
		})
	}
	if len(recs) == 0 {
		recs = append(recs, Recommendation{
			Priority:    "info",
			Title:       "No action required",
			Description: "No threats were found in the scanned locations.",
			Action:      "none",
		})
	}
	return recs
}
