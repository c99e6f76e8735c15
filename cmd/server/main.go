// Command server runs the PSIRT/bug correlation HTTP API of spec §6: it
// wires internal/store's SQLite-backed Store into every domain package and
// serves internal/apiserver on a listen address, with graceful shutdown on
// SIGINT/SIGTERM.
//
// Config follows cmd/libvulnhttp's goconfig-tag convention; shutdown follows
// cmd/cctool's context.WithCancel-on-signal convention.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/crgimenes/goconfig"
	"github.com/quay/zlog"
	"github.com/rs/zerolog"

	"github.com/ciscopsirt/matchd/internal/analysiscache"
	"github.com/ciscopsirt/matchd/internal/apiserver"
	"github.com/ciscopsirt/matchd/internal/device"
	"github.com/ciscopsirt/matchd/internal/extractor"
	"github.com/ciscopsirt/matchd/internal/inference"
	"github.com/ciscopsirt/matchd/internal/inventory"
	"github.com/ciscopsirt/matchd/internal/modelclient"
	"github.com/ciscopsirt/matchd/internal/ratelimit"
	"github.com/ciscopsirt/matchd/internal/retriever"
	"github.com/ciscopsirt/matchd/internal/scanner"
	"github.com/ciscopsirt/matchd/internal/store"
	"github.com/ciscopsirt/matchd/internal/taxonomy"
	"github.com/ciscopsirt/matchd/internal/update"
)

// Config follows cmd/libvulnhttp's goconfig tag convention for flags/env
// vars.
type Config struct {
	HTTPListenAddr string `cfgDefault:"0.0.0.0:8080" cfg:"HTTP_LISTEN_ADDR"`
	DBPath         string `cfgDefault:"matchd.db" cfg:"DB_PATH" cfgHelper:"path to the SQLite database file"`
	LogLevel       string `cfgDefault:"info" cfg:"LOG_LEVEL" cfgHelper:"Log levels: debug, info, warning, error, fatal, panic"`

	TaxonomyDir  string `cfgDefault:"" cfg:"TAXONOMY_DIR" cfgHelper:"override the embedded default taxonomy with platform JSON files from this directory"`
	ExemplarFile string `cfgDefault:"" cfg:"EXEMPLAR_FILE" cfgHelper:"path to the labeled-exemplar corpus file loaded at startup"`

	ModelCompletionURL string `cfgDefault:"" cfg:"MODEL_COMPLETION_URL" cfgHelper:"label-inference model endpoint"`
	ModelEmbeddingURL  string `cfgDefault:"" cfg:"MODEL_EMBEDDING_URL" cfgHelper:"embedding model endpoint"`
	ModelAPIKey        string `cfgDefault:"" cfg:"MODEL_API_KEY"`

	DeveloperMode bool   `cfgDefault:"false" cfg:"DEVELOPER_MODE" cfgHelper:"bypass the admin shared-secret check, for local development only"`
	AdminSecret   string `cfgDefault:"" cfg:"ADMIN_SECRET" cfgHelper:"shared secret required on admin endpoints outside developer mode"`

	RateLimitDefaultMax int           `cfgDefault:"120" cfg:"RATE_LIMIT_DEFAULT_MAX"`
	RateLimitAnalyzeMax int           `cfgDefault:"30" cfg:"RATE_LIMIT_ANALYZE_MAX"`
	RateLimitVerifyMax  int           `cfgDefault:"10" cfg:"RATE_LIMIT_VERIFY_MAX"`
	RateLimitScanMax    int           `cfgDefault:"30" cfg:"RATE_LIMIT_SCAN_MAX"`
	RateLimitWindow     time.Duration `cfgDefault:"1m" cfg:"RATE_LIMIT_WINDOW"`
}

func main() {
	ctx, done := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		<-ch
		done()
	}()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true}).
		With().Timestamp().Caller().
		Logger()

	conf := Config{}
	if err := goconfig.Parse(&conf); err != nil {
		log.Fatal().Msgf("failed to parse config: %v", err)
	}
	log = log.Level(logLevel(conf))
	zlog.Set(&log)

	core, err := buildCore(ctx, conf)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build core context")
	}

	h := apiserver.New(core)
	srv := &http.Server{
		Addr:        conf.HTTPListenAddr,
		Handler:     h,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error during graceful shutdown")
		}
	}()

	log.Info().Str("addr", conf.HTTPListenAddr).Msg("starting http server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server exited")
	}
}

func logLevel(conf Config) zerolog.Level {
	if l, err := zerolog.ParseLevel(strings.ToLower(conf.LogLevel)); err == nil {
		return l
	}
	return zerolog.InfoLevel
}

// buildCore wires every domain package's concrete implementation into a
// CoreContext, per spec §9's "no implicit process-wide singletons": every
// component here is constructed once and threaded through explicitly.
func buildCore(ctx context.Context, conf Config) (*apiserver.CoreContext, error) {
	st, err := store.Open(ctx, conf.DBPath)
	if err != nil {
		return nil, err
	}

	tax, err := loadTaxonomy(conf)
	if err != nil {
		return nil, err
	}

	ex := extractor.New(tax)
	verifier := device.New(ex)
	sc := scanner.New(st)
	inv := inventory.New(st, sc, verifier)

	mc := modelclient.New(modelclient.Config{
		CompletionURL: conf.ModelCompletionURL,
		EmbeddingURL:  conf.ModelEmbeddingURL,
		APIKey:        conf.ModelAPIKey,
	})
	ret := retriever.New(mc)
	if conf.ExemplarFile != "" {
		if err := ret.LoadAndRebuild(ctx, conf.ExemplarFile); err != nil {
			return nil, err
		}
	}
	engine := inference.New(st, ret, tax, mc)

	updater := update.New(st)

	limiter := ratelimit.New(ratelimit.Config{
		Default: ratelimit.Limit{Max: conf.RateLimitDefaultMax, Window: conf.RateLimitWindow},
		Analyze: ratelimit.Limit{Max: conf.RateLimitAnalyzeMax, Window: conf.RateLimitWindow},
		Verify:  ratelimit.Limit{Max: conf.RateLimitVerifyMax, Window: conf.RateLimitWindow},
		Scan:    ratelimit.Limit{Max: conf.RateLimitScanMax, Window: conf.RateLimitWindow},
	})
	guard := ratelimit.NewGuard(conf.DeveloperMode, conf.AdminSecret)

	return &apiserver.CoreContext{
		Store:     st,
		Scanner:   sc,
		Inventory: inv,
		Engine:    engine,
		Verifier:  verifier,
		Updater:   updater,
		Analyses:  analysiscache.New(),
		Limiter:   limiter,
		Guard:     guard,
	}, nil
}

func loadTaxonomy(conf Config) (*taxonomy.Store, error) {
	if conf.TaxonomyDir != "" {
		return taxonomy.LoadDir(conf.TaxonomyDir)
	}
	return taxonomy.LoadDefault()
}
