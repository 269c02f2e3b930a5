package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"pocketshield/config"
	"pocketshield/engine"
	"pocketshield/logger"
	"pocketshield/quarantine"
	"pocketshield/rules"
	"pocketshield/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel)

	st, err := store.Open(cfg.DBPath, store.Options{})
	if err != nil {
		logger.Fatalf("Failed to open state database: %v", err)
	}
	defer st.Close()

	switch {
	case cfg.ListSessions:
		if err := listSessions(st); err != nil {
			logger.Fatalf("Failed to list sessions: %v", err)
		}
		return
	case cfg.RestoreID != "":
		if err := restoreFile(st, cfg); err != nil {
			logger.Fatalf("Restore failed: %v", err)
		}
		return
	}

	ruleList, err := loadRules(st, cfg)
	if err != nil {
		logger.Fatalf("Failed to load rules: %v", err)
	}
	logger.Infof("Loaded %d detection rules", len(ruleList))

	eng, err := engine.New(cfg, st, rules.Compile(ruleList),
		engine.WithObserver(newProgressObserver()))
	if err != nil {
		logger.Fatalf("Failed to initialize engine: %v", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(eng)

	var report *engine.Report
	if cfg.ResumeSession != "" {
		report, err = eng.Resume(ctx, cfg.ResumeSession)
	} else {
		report, err = eng.Run(ctx)
	}
	switch {
	case errors.Is(err, engine.ErrPaused):
		logger.Infof("Session %s paused; resume with -resume %s", report.SessionID, report.SessionID)
	case err != nil:
		logger.Fatalf("Scan failed: %v", err)
	default:
		logger.Info("Scan completed successfully.")
	}

	printReport(report)
}

// loadRules resolves the active corpus: an explicit rules file wins
// and is persisted for later resumes; otherwise the stored corpus is
// used, falling back to the built-in rules on a fresh database.
func loadRules(st *store.Store, cfg *config.Config) ([]rules.SignatureRule, error) {
	if cfg.RulesFile == "" {
		if stored, err := st.Rules(); err == nil && len(stored) > 0 {
			return stored, nil
		}
	}
	ruleList, err := rules.Load(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	if err := st.PutRules(ruleList); err != nil {
		logger.Warnf("Persisting rule corpus failed: %v", err)
	}
	return ruleList, nil
}

func handleSignals(eng *engine.Engine) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	handleSignalEvent(eng, sigChan)
}

func handleSignalEvent(eng *engine.Engine, sigChan <-chan os.Signal) {
	<-sigChan
	logger.Info("Interrupt signal received. Pausing session...")
	eng.Pause()
}

func printReport(report *engine.Report) {
	if report == nil {
		return
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Errorf("Failed to render report: %v", err)
		return
	}
	fmt.Println(string(data))
}

func listSessions(st *store.Store) error {
	sessions, err := st.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}
	for _, sess := range sessions {
		ended := "-"
		if !sess.EndedAt.IsZero() {
			ended = sess.EndedAt.Format(time.RFC3339)
		}
		fmt.Printf("%s  %-9s  started %s  ended %s  scanned %d  threats %d\n",
			sess.ID, sess.Status, sess.StartedAt.Format(time.RFC3339), ended,
			sess.FilesScanned, sess.ThreatsFound)
	}
	return nil
}

func restoreFile(st *store.Store, cfg *config.Config) error {
	qm, err := quarantine.New(st, cfg.QuarantineDir)
	if err != nil {
		return err
	}
	rec, err := qm.Restore(cfg.RestoreID)
	if err != nil {
		return err
	}
	fmt.Printf("Restored %s\n", rec.OriginalPath)
	return nil
}

// progressObserver adapts engine notifications onto a terminal
// progress bar.
type progressObserver struct {
	bar     *progressbar.ProgressBar
	threats int64
}

func newProgressObserver() *progressObserver {
	return &progressObserver{}
}

func (p *progressObserver) OnPhaseChange(phase string) {
	if phase != engine.PhaseScanning {
		return
	}
	p.bar = progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("Scanning files"),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetVisibility(progressVisible()),
		progressbar.OptionFullWidth(),
	)
}

func (p *progressObserver) OnProgress(prog engine.Progress) {
	if p.bar == nil {
		return
	}
	if prog.Total > 0 && p.bar.GetMax64() != prog.Total {
		p.bar.ChangeMax64(prog.Total)
	}
	_ = p.bar.Set64(prog.Processed)
	if prog.ThreatsFound != p.threats {
		p.threats = prog.ThreatsFound
		p.bar.Describe(fmt.Sprintf("Scanning files (%d threats)", p.threats))
	}
}

func (p *progressObserver) OnComplete(*engine.Report) {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

func progressVisible() bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv("POCKETSHIELD_DISABLE_PROGRESS")))
	return value != "1" && value != "true" && value != "yes" && value != "on"
}
