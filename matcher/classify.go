package matcher

import "pocketshield/rules"

// ThreatLevel is the final verdict for a scanned file.
type ThreatLevel string

const (
	LevelClean       ThreatLevel = "clean"
	LevelSuspicious  ThreatLevel = "suspicious"
	LevelMalicious   ThreatLevel = "malicious"
	LevelQuarantined ThreatLevel = "quarantined"
)

// Reputation scores run 0..100; below this a file is not trusted
// enough to be called clean without corroborating evidence. The
// engine overrides this via ClassifyAt when configured.
const lowReputationThreshold = 30

// neutralReputation stands in when no reputation entry exists.
const neutralReputation = 50

// Classify maps signature hits and a reputation score to a verdict.
// It is a pure function of its inputs: same hits and score, same
// answer, with every input combination covered.
//
//   - any hit of high or critical severity is malicious
//   - a medium hit is suspicious
//   - a low hit is suspicious only when reputation is poor
//   - no hits with poor reputation is suspicious, otherwise clean
//
// repKnown=false means no reputation entry existed (or it had
// expired); the score argument is then ignored and a neutral score
// assumed.
func Classify(hits []Hit, repScore int, repKnown bool) ThreatLevel {
	return ClassifyAt(hits, repScore, repKnown, lowReputationThreshold)
}

// ClassifyAt is Classify with an explicit low-reputation threshold.
func ClassifyAt(hits []Hit, repScore int, repKnown bool, lowWater int) ThreatLevel {
	if !repKnown {
		repScore = neutralReputation
	}

	worst := rules.Severity("")
	for _, h := range hits {
		if h.Severity.Rank() > worst.Rank() {
			worst = h.Severity
		}
	}

	switch worst {
	case rules.SeverityCritical, rules.SeverityHigh:
		return LevelMalicious
	case rules.SeverityMedium:
		return LevelSuspicious
	case rules.SeverityLow:
		if repScore < lowWater {
			return LevelSuspicious
		}
		return LevelClean
	}

	if repScore < lowWater {
		return LevelSuspicious
	}
	return LevelClean
}

// WorstEntryLevel folds archive member verdicts into the containing
// file: the container is at least as bad as its worst member.
func WorstEntryLevel(level ThreatLevel, entries []EntryHit) ThreatLevel {
	for _, e := range entries {
		entryLevel := Classify(e.Hits, 0, false)
		if rank(entryLevel) > rank(level) {
			level = entryLevel
		}
	}
	return level
}

func rank(l ThreatLevel) int {
	switch l {
	case LevelMalicious:
		return 3
	case LevelSuspicious:
		return 2
	case LevelClean:
		return 1
	default:
		return 0
	}
}
