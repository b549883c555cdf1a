package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"geo_ranker/config"
	"geo_ranker/httputil"
	"geo_ranker/logging"
	"geo_ranker/models"
	"geo_ranker/queue"
	"geo_ranker/ranking"
	"geo_ranker/scheduler"
	"geo_ranker/scraper"
	"geo_ranker/services"
	"geo_ranker/storage"
	"geo_ranker/workers"
)

var (
	rankNow     = flag.Bool("rank", false, "Recalculate all rankings once and exit")
	refreshNow  = flag.Bool("refresh", false, "Refresh ratings of the top ranked listings once and exit")
	enrichLogos = flag.Bool("enrich-logos", false, "Run one logo enrichment batch and exit")
	migrateOnly = flag.Bool("migrate", false, "Apply the database schema and exit")
	seedFile    = flag.String("seed", "", "Upsert the region hierarchy from a YAML file and exit (the daemon seeds an empty store from REGIONS_FILE)")
	scrapeScope = flag.String("scrape", "", "Scrape a scope synchronously and exit (all, region:<id|slug>, subregion:<id|region/slug>)")
	enqueueType = flag.String("enqueue", "", "Submit a job (scrape or rank) to the queue and exit")
	enqueueArg  = flag.String("scope", "all", "Scope for -enqueue scrape")
	statusID    = flag.String("status", "", "Print the status of a queued job and exit")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

// app holds what the one-shot commands and the daemon share.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   storage.Store
	clients *httputil.Clients
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, logFile, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return 1
	}
	defer logger.Sync()
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -status only needs the queue
	if *statusID != "" {
		return exitCode(logger, "status", showStatus(ctx, cfg, *statusID))
	}

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return 1
	}
	defer store.Close()

	a := &app{
		cfg:     cfg,
		log:     logger,
		store:   store,
		clients: httputil.NewClients(cfg.Directory.Timeout),
	}

	switch {
	case *migrateOnly:
		return exitCode(logger, "migrate", store.Migrate(ctx))
	case *seedFile != "":
		return exitCode(logger, "seed", a.seed(ctx, *seedFile))
	case *scrapeScope != "":
		return exitCode(logger, "scrape", a.scrapeOnce(ctx, *scrapeScope))
	case *rankNow:
		return exitCode(logger, "rank", a.rankOnce(ctx))
	case *refreshNow:
		return exitCode(logger, "refresh", a.refreshOnce(ctx))
	case *enrichLogos:
		return exitCode(logger, "enrich-logos", a.logosOnce(ctx))
	case *enqueueType != "":
		return exitCode(logger, "enqueue", a.enqueue(ctx, *enqueueType, *enqueueArg))
	}

	return exitCode(logger, "daemon", a.daemon(ctx))
}

func exitCode(log *zap.Logger, cmd string, err error) int {
	if err != nil {
		log.Error("command failed", zap.String("command", cmd), zap.Error(err))
		return 1
	}
	return 0
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("using sqlite", zap.String("path", cfg.SQLitePath))
		return s, nil
	default:
		s, err := storage.NewPostgresStore(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		log.Info("connected to postgres", zap.String("url", maskConnectionString(cfg.URL)))
		return s, nil
	}
}

func (a *app) listings() *services.ListingService {
	return services.NewListingService(a.store, a.log)
}

func (a *app) directory() (*scraper.PlacesClient, error) {
	if err := a.cfg.RequireDirectory(); err != nil {
		return nil, err
	}
	return scraper.NewPlacesClient(a.cfg.Directory, a.clients.API, a.log), nil
}

func (a *app) orchestrator() (*scraper.Orchestrator, error) {
	dir, err := a.directory()
	if err != nil {
		return nil, err
	}
	opts := scraper.OptionsFromConfig(a.cfg.Directory)
	return scraper.NewOrchestrator(dir, a.store, a.listings(), a.store, opts, a.log), nil
}

func (a *app) engine() *ranking.Engine {
	return ranking.NewEngine(a.store, ranking.PolicyFromConfig(a.cfg.Ranking), a.log)
}

func (a *app) refresher() (*workers.RatingRefresher, error) {
	dir, err := a.directory()
	if err != nil {
		return nil, err
	}
	return workers.NewRatingRefresher(a.store, dir, a.listings(), a.cfg.Refresh, a.log), nil
}

func (a *app) logoEnricher(ctx context.Context) (*workers.LogoEnricher, error) {
	var objects storage.ObjectStore
	if a.cfg.Logos.S3.Bucket != "" {
		u, err := storage.NewS3Uploader(ctx, a.cfg.Logos.S3)
		if err != nil {
			return nil, err
		}
		objects = u
		a.log.Info("mirroring logos", zap.String("bucket", a.cfg.Logos.S3.Bucket))
	}
	return workers.NewLogoEnricher(a.store, a.listings(), a.clients.Web, objects, a.cfg.Logos.BatchSize, a.log), nil
}

func (a *app) seed(ctx context.Context, path string) error {
	rf, err := config.LoadRegions(path)
	if err != nil {
		return err
	}
	if err := a.store.Migrate(ctx); err != nil {
		return err
	}

	regions, subregions, err := seedRegions(ctx, a.store, rf)
	if err != nil {
		return err
	}
	fmt.Printf("Seeded %d regions, %d subregions\n", regions, subregions)
	return nil
}

func (a *app) scrapeOnce(ctx context.Context, arg string) error {
	scope, err := resolveScope(ctx, a.store, arg)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	res, err := orch.Run(ctx, scope)
	if res != nil {
		fmt.Printf("Scrape %s: found %d, added %d, updated %d, errors %d\n",
			scope, res.TotalFound, res.TotalAdded, res.TotalUpdated, len(res.Errors))
	}
	return err
}

func (a *app) rankOnce(ctx context.Context) error {
	res, err := workers.RankProcessor(a.engine(), a.store, a.log)(ctx, &models.Job{Type: models.JobRank})
	if err != nil {
		return err
	}
	rr := res.(*models.RankResult)
	fmt.Printf("Ranked %d listings (%d snapshot rows)\n", rr.Processed, rr.Snapshots)
	return nil
}

func (a *app) refreshOnce(ctx context.Context) error {
	r, err := a.refresher()
	if err != nil {
		return err
	}
	report, err := r.Run(ctx)
	if report != nil {
		fmt.Printf("Refreshed %d listings, %d failed\n", report.Updated, report.Failed)
	}
	return err
}

func (a *app) logosOnce(ctx context.Context) error {
	e, err := a.logoEnricher(ctx)
	if err != nil {
		return err
	}
	report, err := e.Run(ctx)
	if report != nil {
		fmt.Printf("Logos: %d updated, %d skipped, %d failed\n", report.Updated, report.Skipped, report.Failed)
	}
	return err
}

func (a *app) enqueue(ctx context.Context, jobType, scopeArg string) error {
	req := queue.EnqueueRequest{Type: models.JobType(jobType)}
	if req.Type == models.JobScrape {
		scope, err := resolveScope(ctx, a.store, scopeArg)
		if err != nil {
			return err
		}
		req.Scope = &scope
	}

	rdb, err := queue.NewClient(ctx, a.cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	job, err := queue.New(rdb, a.cfg.Redis.Prefix).Enqueue(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(job.ID)
	return nil
}

func showStatus(ctx context.Context, cfg *config.Config, id string) error {
	rdb, err := queue.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer rdb.Close()

	job, err := queue.New(rdb, cfg.Redis.Prefix).Status(ctx, id)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// daemon serves both queues until SIGINT/SIGTERM, then lets the in-flight jobs
// finish before closing the queue client and the store.
func (a *app) daemon(ctx context.Context) error {
	a.log.Info("starting geo_ranker worker")

	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := bootstrapRegions(ctx, a.store, a.cfg.RegionsFile, a.log); err != nil {
		return fmt.Errorf("seed regions: %w", err)
	}

	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	logos, err := a.logoEnricher(ctx)
	if err != nil {
		return err
	}

	rdb, err := queue.NewClient(ctx, a.cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	a.log.Info("connected to redis", zap.String("url", maskConnectionString(a.cfg.Redis.URL)))

	q := queue.New(rdb, a.cfg.Redis.Prefix)
	w := queue.NewWorker(q, a.cfg.Worker.ClaimWait, a.log)
	w.Handle(models.JobScrape, workers.ScrapeProcessor(orch))
	w.Handle(models.JobRank, workers.RankProcessor(a.engine(), a.store, a.log))

	refresh, err := a.refresher()
	if err != nil {
		return err
	}
	sched := scheduler.New(a.cfg.Scheduler, q, refresh, logos, a.log)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server failed", zap.Error(err))
			}
		}()
		a.log.Info("metrics listening", zap.String("addr", a.cfg.MetricsAddr))
	}

	runErr := w.Run(ctx)

	a.log.Info("shutting down")
	<-sched.Stop().Done()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	a.log.Info("goodbye")
	return runErr
}
