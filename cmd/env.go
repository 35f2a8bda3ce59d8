package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/quipufin/quipu/internal/classify"
	"github.com/quipufin/quipu/internal/docstore"
	"github.com/quipufin/quipu/internal/extract"
	"github.com/quipufin/quipu/internal/render"
	"github.com/quipufin/quipu/internal/resilience"
	"github.com/quipufin/quipu/internal/store"
	"github.com/quipufin/quipu/internal/verify"
	"github.com/quipufin/quipu/internal/vision"
	anthropicpkg "github.com/quipufin/quipu/pkg/anthropic"
)

// pipelineEnv holds the store, blob store, and analysis components shared
// by the serve and process commands.
type pipelineEnv struct {
	Store      store.Store
	Docs       *docstore.Local
	Extractor  extract.Extractor
	Renderer   render.Renderer
	Vision     *vision.Analyzer
	Verifier   *verify.Verifier
	Classifier *classify.Classifier
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// guardedExtractor routes extraction calls through a circuit breaker so a
// dead OCR upstream sheds load fast instead of burning the retry budget
// on every document.
type guardedExtractor struct {
	inner extract.Extractor
	cb    *resilience.CircuitBreaker
}

func (g *guardedExtractor) Analyze(ctx context.Context, storageRef string, features []extract.Feature) (*extract.Result, error) {
	return resilience.ExecuteVal(ctx, g.cb, func(ctx context.Context) (*extract.Result, error) {
		return g.inner.Analyze(ctx, storageRef, features)
	})
}

func (g *guardedExtractor) GetResult(ctx context.Context, jobID string) (*extract.Result, error) {
	return resilience.ExecuteVal(ctx, g.cb, func(ctx context.Context) (*extract.Result, error) {
		return g.inner.GetResult(ctx, jobID)
	})
}

// guardedModelClient does the same for the Anthropic API, shared by the
// vision and verifier stages.
type guardedModelClient struct {
	inner anthropicpkg.Client
	cb    *resilience.CircuitBreaker
}

func (g *guardedModelClient) CreateMessage(ctx context.Context, req anthropicpkg.MessageRequest) (*anthropicpkg.MessageResponse, error) {
	return resilience.ExecuteVal(ctx, g.cb, func(ctx context.Context) (*anthropicpkg.MessageResponse, error) {
		return g.inner.CreateMessage(ctx, req)
	})
}

func newBreaker(service string) *resilience.CircuitBreaker {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("circuit state changed",
			zap.String("service", service),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return resilience.NewCircuitBreaker(cfg)
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "quipu.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initEnv sets up the store, blob store, extractor, and model clients.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	docs, err := docstore.NewLocal(cfg.Docs.Dir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	extractor, err := extract.NewExtractor(cfg.Extractor, docs)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	extractor = &guardedExtractor{inner: extractor, cb: newBreaker("extractor")}

	var anthropicClient anthropicpkg.Client = &guardedModelClient{
		inner: anthropicpkg.NewClient(cfg.Anthropic.Key, anthropicpkg.WithRPS(cfg.Anthropic.RPS)),
		cb:    newBreaker("anthropic"),
	}

	taxonomy := classify.Default()
	if cfg.Taxonomy.Path != "" {
		taxonomy, err = classify.LoadFile(cfg.Taxonomy.Path)
		if err != nil {
			_ = st.Close()
			return nil, eris.Wrap(err, "load taxonomy")
		}
	}

	return &pipelineEnv{
		Store:      st,
		Docs:       docs,
		Extractor:  extractor,
		Renderer:   render.NewPdfToPpm(cfg.Render.PdfToPpmPath, cfg.Render.DPI),
		Vision:     vision.NewAnalyzer(anthropicClient, cfg.Anthropic.VisionModel, cfg.Anthropic.MaxSchemaRetries),
		Verifier:   verify.NewVerifier(anthropicClient, cfg.Anthropic.VerifierModel),
		Classifier: classify.New(taxonomy),
	}, nil
}

func confirmTTL() time.Duration {
	hours := cfg.Confirm.TTLHours
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}
