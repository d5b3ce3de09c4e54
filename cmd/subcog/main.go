// Command subcog is a thin terminal front-end over the memory engine: enough
// to exercise capture, recall, consolidate, and gc from a shell, continuing
// this codebase's prior REPL loop (signal handling, scanner-driven command
// dispatch) stripped of multi-agent routing, which is out of this
// repository's scope.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/subcog/subcog/internal/config"
	"github.com/subcog/subcog/internal/consolidate"
	"github.com/subcog/subcog/internal/dedup"
	"github.com/subcog/subcog/internal/embed"
	"github.com/subcog/subcog/internal/enrich"
	"github.com/subcog/subcog/internal/engine"
	"github.com/subcog/subcog/internal/events"
	"github.com/subcog/subcog/internal/kind"
	"github.com/subcog/subcog/internal/lifecycle"
	"github.com/subcog/subcog/internal/llm"
	"github.com/subcog/subcog/internal/models"
	"github.com/subcog/subcog/internal/redact"
	"github.com/subcog/subcog/internal/search"
	"github.com/subcog/subcog/internal/store"
)

const version = "0.1.0"

// exit codes per §6.6.
const (
	exitSuccess             = 0
	exitUsage                = 2
	exitNotFound             = 3
	exitValidation           = 4
	exitProviderUnavailable = 5
	exitTimeout              = 6
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nshutting down...")
		cancel()
	}()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	eng, closeFn, err := build(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "subcog: %v\n", err)
		os.Exit(exitProviderUnavailable)
	}
	defer closeFn()

	fmt.Printf("subcog %s — memory engine ready\n", version)
	fmt.Println("type /help for commands")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("subcog> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		code := dispatch(ctx, eng, line)
		if code == -1 {
			break
		}
	}
}

func build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*engine.Engine, func(), error) {
	persistence, err := store.NewBadgerPersistenceStore(cfg.BadgerPath)
	if err != nil {
		return nil, nil, err
	}
	lexical, err := store.NewBleveLexicalIndex(cfg.BleveIndexPath)
	if err != nil {
		persistence.Close()
		return nil, nil, err
	}
	vector, err := store.NewRedisVectorIndex(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB, cfg.EmbeddingDimensions)
	if err != nil {
		persistence.Close()
		lexical.Close()
		return nil, nil, err
	}

	embedder := embed.NewHTTPEmbedder(cfg.EmbeddingURL, cfg.EmbeddingDimensions, log)
	redactor := redact.New(nil)

	bus := events.NewBus()
	audit, err := events.NewAuditSink(cfg.AuditDBPath, events.DefaultAuditSinkConfig())
	if err != nil {
		persistence.Close()
		lexical.Close()
		vector.Close()
		return nil, nil, err
	}
	bus.Subscribe(64) // a generic subscriber slot for future consumers (metrics, hooks)

	composite := store.NewCompositeStore(persistence, lexical, vector, embedder, bus, log)
	deduplicator := dedup.New(lexical, vector, cfg.RecentCaptureCacheSize, cfg.RecentCaptureTTL, log)
	searchEngine := search.NewEngine(persistence, lexical, vector, embedder, bus)

	var gateway *llm.Gateway
	if cfg.LlmEnabled {
		provider := llm.NewOllamaProvider(cfg.LlmBaseURL, cfg.LlmModel, cfg.LlmTimeout)
		gwCfg := llm.DefaultGatewayConfig()
		gwCfg.BulkheadLimit = cfg.LlmBulkheadLimit
		gwCfg.RateLimitRPS = cfg.LlmRateLimitPerSec
		gwCfg.Timeout = cfg.LlmTimeout
		gwCfg.MaxRetries = cfg.LlmMaxRetries
		gwCfg.BreakerWindow = cfg.LlmBreakerWindow
		gwCfg.BreakerCooldown = cfg.LlmBreakerCooldown
		gwCfg.BreakerRatio = cfg.LlmBreakerRatio
		gwCfg.BreakerMinReqs = cfg.LlmBreakerMinReqs
		gateway = llm.NewGateway(provider, gwCfg, log)
	}

	consolidator := consolidate.New(persistence, vector, composite, gateway, log)
	enricher := enrich.New(composite, gateway, log)
	lifecycleMgr := lifecycle.NewManager(composite, nil, bus, cfg.TombstoneRetention, log)

	eng := engine.New(engine.Deps{
		Composite: composite, Embedder: embedder, Redactor: redactor,
		Deduplicator: deduplicator, Search: searchEngine, Consolidator: consolidator,
		Enricher: enricher, Lifecycle: lifecycleMgr, Bus: bus, Audit: audit,
		Gateway: gateway, Log: log,
	})

	closeFn := func() {
		audit.Close()
		vector.Close()
		lexical.Close()
		persistence.Close()
	}
	return eng, closeFn, nil
}

// dispatch runs one line of input and returns an exit-code-like hint; -1
// signals the REPL should stop.
func dispatch(ctx context.Context, eng *engine.Engine, line string) int {
	parts := strings.Fields(line)
	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "/help":
		printHelp()
		return exitSuccess
	case "/exit", "/quit":
		fmt.Println("goodbye")
		return -1
	case "/capture":
		return cmdCapture(ctx, eng, args)
	case "/recall":
		return cmdRecall(ctx, eng, args)
	case "/consolidate":
		return cmdConsolidate(ctx, eng, args)
	case "/gc":
		return cmdGC(ctx, eng, args)
	case "/rebuild":
		n, err := eng.Rebuild(ctx)
		if err != nil {
			return reportErr(err)
		}
		fmt.Printf("rebuilt index over %d memories\n", n)
		return exitSuccess
	case "/stats":
		stats, err := eng.Stats(ctx)
		if err != nil {
			return reportErr(err)
		}
		fmt.Printf("active=%d tombstoned=%d avg_retrieval_ms=%.2f uptime=%s\n",
			stats.ActiveCount, stats.TombstonedCount, stats.AvgRetrievalMs, stats.Uptime.Round(time.Second))
		return exitSuccess
	default:
		fmt.Println("unknown command, try /help")
		return exitUsage
	}
}

func cmdCapture(ctx context.Context, eng *engine.Engine, args []string) int {
	if len(args) < 2 {
		fmt.Println("usage: /capture <namespace> <content...>")
		return exitUsage
	}
	ns := models.Namespace(args[0])
	content := strings.Join(args[1:], " ")
	res, err := eng.Capture(ctx, engine.CaptureRequest{Content: content, Namespace: ns}, engine.DedupSkipOnMatch)
	if err != nil {
		return reportErr(err)
	}
	if res.Dedup.Skipped {
		fmt.Printf("duplicate (%s) of %s — skipped\n", res.Dedup.Reason, res.Dedup.ExistingID)
	} else {
		fmt.Printf("captured %s\n", res.URN)
	}
	return exitSuccess
}

func cmdRecall(ctx context.Context, eng *engine.Engine, args []string) int {
	query := strings.Join(args, " ")
	results, err := eng.Recall(ctx, query, "", search.ModeHybrid, search.DetailMedium, 10, 0, false)
	if err != nil {
		return reportErr(err)
	}
	for i, r := range results {
		fmt.Printf("%d. [%s] %s (score=%.4f)\n", i+1, r.Memory.Namespace, truncate(r.Memory.Content, 80), r.Score)
	}
	if len(results) == 0 {
		fmt.Println("no results")
	}
	return exitSuccess
}

func cmdConsolidate(ctx context.Context, eng *engine.Engine, args []string) int {
	if len(args) < 1 {
		fmt.Println("usage: /consolidate <namespace> [max-age-days]")
		return exitUsage
	}
	days := 30
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			days = n
		}
	}
	_, _, stats, err := eng.Consolidate(ctx, consolidate.Request{
		Namespace: models.Namespace(args[0]), MaxAgeDays: days, DryRun: false,
	})
	if err != nil {
		return reportErr(err)
	}
	fmt.Printf("groups_found=%d summarized=%d failed=%d\n", stats.GroupsFound, stats.GroupsSummarized, stats.GroupsFailed)
	return exitSuccess
}

func cmdGC(ctx context.Context, eng *engine.Engine, args []string) int {
	purge := false
	var domain string
	var branches []string
	for _, a := range args {
		if a == "--purge" {
			purge = true
			continue
		}
		if domain == "" {
			domain = a
			continue
		}
		branches = append(branches, a)
	}
	stats, err := eng.GC(ctx, domain, branches, purge)
	if err != nil {
		return reportErr(err)
	}
	fmt.Printf("tombstoned=%d purged=%d\n", stats.Tombstoned, stats.Purged)
	return exitSuccess
}

func reportErr(err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	switch kind.Of(err) {
	case kind.InvalidInput:
		return exitValidation
	case kind.NotFound:
		return exitNotFound
	case kind.LlmUnavailable, kind.BackendUnavailable, kind.BudgetExhausted:
		return exitProviderUnavailable
	case kind.Timeout:
		return exitTimeout
	default:
		return exitUsage
	}
}

func printHelp() {
	fmt.Println(`commands:
  /capture <namespace> <content...>   capture a new memory
  /recall <query...>                   hybrid search
  /consolidate <namespace> [days]      cluster and summarize near-duplicates
  /gc <domain> [branches...] [--purge] tombstone/purge branch-deleted memories
  /rebuild                             rebuild lexical/vector indexes from the store
  /stats                               operator counters
  /exit                                quit`)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
