// caseline is the compromise-assessment and timeline CLI.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"caseline/internal/config"
	"caseline/internal/evidence"
	"caseline/internal/indicator"
	"caseline/internal/logging"
	"caseline/internal/store"
	"caseline/internal/timeline"
	"caseline/internal/watcher"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "validate":
		cmdValidate(args)
	case "build":
		cmdBuild(args)
	case "timeline":
		cmdTimeline(args)
	case "exclude":
		cmdExclude(args)
	case "annotate":
		cmdAnnotate(args)
	case "status":
		cmdStatus()
	case "watch":
		cmdWatch()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `caseline - compromise assessment and investigation timeline

Usage: caseline [options] <command> [args]

Commands:
  validate        Evaluate compromise indicators for a signal event
  build           Build or update the investigation timeline
  timeline        Print the investigation timeline
  exclude <id>    Soft-delete a timeline event
  annotate <id>   Attach analyst commentary to a timeline event
  status          Show evidence and build status
  watch           Watch the evidence database and build incrementally
  help            Show this help message

Options:
  -config <path>  Path to config file`)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("loading config: %v", err)
	}
	return cfg
}

func setupLogging(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fatal("%v", err)
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		fatal("%v", err)
	}

	log, err := logging.New(&logging.Config{
		Level:     level,
		Format:    format,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "caseline",
	})
	if err != nil {
		fatal("setting up logging: %v", err)
	}
	logging.SetDefault(log)
	return log
}

func openEvidence(cfg *config.Config) *evidence.Store {
	ev, err := evidence.Open(cfg.Evidence.Path)
	if err != nil {
		fatal("opening evidence database: %v", err)
	}
	return ev
}

func openTimeline(cfg *config.Config) *store.Store {
	ts, err := store.Open(cfg.Timeline.Path)
	if err != nil {
		fatal("opening timeline database: %v", err)
	}
	return ts
}

func loadRules(cfg *config.Config) []timeline.Rule {
	if cfg.Timeline.RulesPath == "" {
		return timeline.DefaultRules(cfg.Investigation)
	}
	rules, err := timeline.LoadRules(cfg.Timeline.RulesPath)
	if err != nil {
		fatal("loading phase rules: %v", err)
	}
	return rules
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	principal := fs.String("principal", "", "principal under investigation (required)")
	ip := fs.String("ip", "", "source IP of the signal event")
	signalTime := fs.String("time", "", "signal event time, RFC 3339 (required)")
	asJSON := fs.Bool("json", false, "print the full verdict as JSON")
	fs.Parse(args)

	if *principal == "" || *signalTime == "" {
		fmt.Fprintln(os.Stderr, "Usage: caseline validate -principal <upn> -time <rfc3339> [-ip <addr>] [-json]")
		os.Exit(1)
	}
	at, err := time.Parse(time.RFC3339, *signalTime)
	if err != nil {
		fatal("parsing -time: %v", err)
	}

	cfg := loadConfig()
	log := setupLogging(cfg)
	defer log.Close()

	ev := openEvidence(cfg)
	defer ev.Close()

	verdict, err := indicator.ValidateCompromise(ev, *principal, *ip, at, cfg.Investigation)
	if err != nil {
		fatal("evaluating indicators: %v", err)
	}

	if *asJSON {
		printJSON(verdict)
		return
	}

	fmt.Printf("Verdict:    %s\n", verdict.Verdict)
	fmt.Printf("Confidence: %.2f\n", verdict.Confidence)
	fmt.Printf("Detected:   %d indicators\n", verdict.IndicatorsDetected)
	fmt.Printf("Summary:    %s\n", verdict.Summary)
	if verdict.IndicatorsDetected > 0 {
		fmt.Println()
		for name, r := range verdict.Indicators {
			if !r.Detected {
				continue
			}
			fmt.Printf("  %-24s confidence=%.2f count=%d\n", name, r.Confidence, r.Count)
		}
	}
}

func cmdBuild(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	incremental := fs.Bool("incremental", false, "process only evidence newer than the last successful build")
	fs.Parse(args)

	cfg := loadConfig()
	log := setupLogging(cfg)
	defer log.Close()

	ev := openEvidence(cfg)
	defer ev.Close()
	ts := openTimeline(cfg)
	defer ts.Close()

	b := timeline.NewBuilder(ev, ts, cfg.Investigation, loadRules(cfg), log)
	rec, err := b.Build(*incremental)
	if err != nil {
		fatal("build %s failed: %v", rec.BuildID, err)
	}

	fmt.Printf("Build %s (%s) complete\n", rec.BuildID, rec.BuildType)
	fmt.Printf("  Events added:    %d\n", rec.EventsAdded)
	fmt.Printf("  Events updated:  %d\n", rec.EventsUpdated)
	fmt.Printf("  Phases detected: %d\n", rec.PhasesDetected)
	if rec.SkippedRecords > 0 {
		fmt.Printf("  Skipped records: %d (malformed timestamps)\n", rec.SkippedRecords)
	}
}

func cmdTimeline(args []string) {
	fs := flag.NewFlagSet("timeline", flag.ExitOnError)
	principal := fs.String("principal", "", "filter to one principal")
	phase := fs.String("phase", "", "filter to one attack phase")
	from := fs.String("from", "", "start of time range, RFC 3339")
	to := fs.String("to", "", "end of time range, RFC 3339")
	includeExcluded := fs.Bool("include-excluded", false, "include soft-deleted events")
	asJSON := fs.Bool("json", false, "print events as JSON")
	fs.Parse(args)

	q := timeline.TimelineQuery{
		Principal:       *principal,
		Phase:           timeline.Phase(*phase),
		IncludeExcluded: *includeExcluded,
	}
	var err error
	if *from != "" {
		if q.From, err = time.Parse(time.RFC3339, *from); err != nil {
			fatal("parsing -from: %v", err)
		}
	}
	if *to != "" {
		if q.To, err = time.Parse(time.RFC3339, *to); err != nil {
			fatal("parsing -to: %v", err)
		}
	}

	cfg := loadConfig()
	ts := openTimeline(cfg)
	defer ts.Close()

	events, err := ts.Timeline(q)
	if err != nil {
		fatal("reading timeline: %v", err)
	}

	if *asJSON {
		printJSON(events)
		return
	}

	for _, e := range events {
		phase := string(e.Phase)
		if phase == "" {
			phase = "-"
		}
		marker := " "
		if e.Excluded {
			marker = "x"
		}
		fmt.Printf("%s %6d  %-20s %-10s %-15s %-28s %s\n",
			marker, e.ID, e.Timestamp.Format("2006-01-02 15:04:05"),
			e.Severity, phase, e.Principal, e.Action)
	}
	fmt.Printf("\n%d events\n", len(events))
}

func cmdExclude(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: caseline exclude <event-id> <reason>")
		os.Exit(1)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fatal("parsing event id: %v", err)
	}

	cfg := loadConfig()
	ts := openTimeline(cfg)
	defer ts.Close()

	if err := ts.Exclude(id, args[1]); err != nil {
		fatal("excluding event: %v", err)
	}
	fmt.Printf("Event %d excluded\n", id)
}

func cmdAnnotate(args []string) {
	fs := flag.NewFlagSet("annotate", flag.ExitOnError)
	annType := fs.String("type", "note", "annotation type")
	content := fs.String("content", "", "annotation text (required)")
	section := fs.String("section", "", "report section")
	report := fs.Bool("report", false, "include the annotation in the report")
	fs.Parse(args)

	if fs.NArg() < 1 || *content == "" {
		fmt.Fprintln(os.Stderr, "Usage: caseline annotate <event-id> -content <text> [-type <type>] [-section <name>] [-report]")
		os.Exit(1)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		fatal("parsing event id: %v", err)
	}

	cfg := loadConfig()
	ts := openTimeline(cfg)
	defer ts.Close()

	annID, err := ts.AddAnnotation(&timeline.Annotation{
		EventID:         id,
		Type:            *annType,
		Content:         *content,
		ReportSection:   *section,
		IncludeInReport: *report,
	})
	if err != nil {
		fatal("adding annotation: %v", err)
	}
	fmt.Printf("Annotation %d added to event %d\n", annID, id)
}

func cmdStatus() {
	cfg := loadConfig()

	fmt.Println("=== caseline Status ===")
	fmt.Println()

	fmt.Println("Evidence:")
	ev, err := evidence.Open(cfg.Evidence.Path)
	if err != nil {
		fmt.Printf("  Error: %v\n", err)
	} else {
		defer ev.Close()
		stats, err := ev.Stats()
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
		} else {
			fmt.Printf("  Sign-ins:             %d\n", stats.SignIns)
			fmt.Printf("  Audit operations:     %d\n", stats.AuditOperations)
			fmt.Printf("  Mailbox operations:   %d\n", stats.MailboxOps)
			fmt.Printf("  Inbox rules:          %d\n", stats.InboxRules)
			fmt.Printf("  OAuth consents:       %d\n", stats.OAuthConsents)
			fmt.Printf("  Directory audits:     %d\n", stats.DirectoryAudits)
			if stats.Malformed > 0 {
				fmt.Printf("  Malformed timestamps: %d\n", stats.Malformed)
			}
		}
	}
	fmt.Println()

	fmt.Println("Timeline:")
	if _, err := os.Stat(cfg.Timeline.Path); os.IsNotExist(err) {
		fmt.Println("  No timeline database (run \"caseline build\")")
		return
	}
	ts := openTimeline(cfg)
	defer ts.Close()

	if v, err := ts.SchemaVersion(); err == nil {
		fmt.Printf("  Schema version: %d\n", v)
	}

	markers, err := ts.PhaseMarkers()
	if err == nil {
		fmt.Printf("  Phase markers:  %d\n", len(markers))
		for _, m := range markers {
			fmt.Printf("    %-16s %-28s %s  %s\n",
				m.Phase, m.Principal, m.Timestamp.Format("2006-01-02 15:04"), m.Description)
		}
	}
	fmt.Println()

	fmt.Println("Recent builds:")
	builds, err := ts.Builds(5)
	if err != nil {
		fmt.Printf("  Error: %v\n", err)
		return
	}
	if len(builds) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, b := range builds {
		line := fmt.Sprintf("  %s  %-11s %-7s added=%d updated=%d",
			b.BuildTime.Format("2006-01-02 15:04:05"), b.BuildType, b.Status,
			b.EventsAdded, b.EventsUpdated)
		if b.Error != "" {
			line += "  error=" + b.Error
		}
		fmt.Println(line)
	}
}

func cmdWatch() {
	cfg := loadConfig()
	log := setupLogging(cfg)
	defer log.Close()

	ev := openEvidence(cfg)
	defer ev.Close()
	ts := openTimeline(cfg)
	defer ts.Close()

	b := timeline.NewBuilder(ev, ts, cfg.Investigation, loadRules(cfg), log)

	// Catch up before watching.
	if rec, err := b.Build(true); err != nil {
		fatal("initial build %s failed: %v", rec.BuildID, err)
	}

	debounce := cfg.Watch.DebounceSec
	if debounce <= 0 {
		debounce = config.DefaultWatchDebounceSec
	}
	w, err := watcher.New(cfg.Evidence.Path, debounce)
	if err != nil {
		fatal("creating watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		fatal("starting watcher: %v", err)
	}
	defer w.Stop()

	log.Info("watching evidence database", "path", cfg.Evidence.Path, "debounce_sec", debounce)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			log.Info("shutting down")
			return

		case c := <-w.Changes():
			log.Info("evidence changed", "path", c.Path)
			rec, err := b.Build(true)
			if err != nil {
				log.Error("incremental build failed", "build_id", rec.BuildID, "error", err)
				continue
			}
			log.Info("timeline updated",
				"build_id", rec.BuildID,
				"events_added", rec.EventsAdded,
				"events_updated", rec.EventsUpdated)

		case err := <-w.Errors():
			log.Error("watcher error", "error", err)
		}
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encoding output: %v", err)
	}
}
