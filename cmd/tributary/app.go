package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/crimson-sun/tributary/internal/config"
	"github.com/crimson-sun/tributary/internal/connector"
	"github.com/crimson-sun/tributary/internal/connector/httpclient"
	"github.com/crimson-sun/tributary/internal/elastic"
	"github.com/crimson-sun/tributary/internal/output"
	"github.com/crimson-sun/tributary/internal/output/async"
	esoutput "github.com/crimson-sun/tributary/internal/output/elasticsearch"
	"github.com/crimson-sun/tributary/internal/output/file"
	"github.com/crimson-sun/tributary/internal/output/multi"
	"github.com/crimson-sun/tributary/internal/output/stdout"
	"github.com/crimson-sun/tributary/internal/output/webhook"
	"github.com/crimson-sun/tributary/internal/pipeline"
	"github.com/crimson-sun/tributary/internal/provision"
	"github.com/crimson-sun/tributary/internal/queue"
	"github.com/crimson-sun/tributary/internal/queue/kafka"
	qmemory "github.com/crimson-sun/tributary/internal/queue/memory"
	"github.com/crimson-sun/tributary/internal/results"
	"github.com/crimson-sun/tributary/internal/results/bolt"
	esresults "github.com/crimson-sun/tributary/internal/results/elasticsearch"
	rmemory "github.com/crimson-sun/tributary/internal/results/memory"
	"github.com/crimson-sun/tributary/internal/results/postgres"
)

// app holds the components built from one Config.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	es    *elasticsearch.Client
	dest  *elastic.Destination
	queue queue.Queue
	out   output.Output
	store results.Store
	orch  *pipeline.Orchestrator
}

// newApp builds every component. The caller must call close.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if cfg.UsesElasticsearch() {
		es, err := elastic.NewClient(cfg.Elasticsearch.ClientConfig())
		if err != nil {
			return nil, err
		}
		a.es = es
		a.dest = elastic.NewDestination(es)
	}

	var err error
	if a.queue, err = newQueue(cfg, logger); err != nil {
		return nil, err
	}
	if a.store, err = a.newStore(ctx); err != nil {
		a.close()
		return nil, err
	}
	if a.out, err = a.newOutput(); err != nil {
		a.close()
		return nil, err
	}
	sources, err := newSources(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	p := cfg.Pipeline
	a.orch = pipeline.New(sources, a.queue, a.out, a.store, pipeline.Options{
		Retry: pipeline.RetryPolicy{
			MaxAttempts: p.MaxAttempts,
			BaseDelay:   p.BaseDelay,
			MaxDelay:    p.MaxDelay,
		},
		Concurrency:  p.Concurrency,
		IndexWorkers: p.IndexWorkers,
		IndexTimeout: p.IndexTimeout,
		MaxPages:     p.MaxPages,
		Logger:       logger,
	})
	return a, nil
}

func newQueue(cfg config.Config, logger *slog.Logger) (queue.Queue, error) {
	if cfg.Queue.Kind != "kafka" {
		return qmemory.New(cfg.Queue.Size), nil
	}
	k := cfg.Queue.Kafka
	kc := kafka.Config{
		Brokers: k.Brokers,
		Topic:   k.Topic,
		Group:   k.Group,
		TLS:     k.TLS,
		Logger:  logger,
	}
	if k.SASLMechanism != "" {
		kc.SASL = &kafka.SASLConfig{Mechanism: k.SASLMechanism, User: k.SASLUser, Password: k.SASLPassword}
	}
	return kafka.New(kc)
}

func (a *app) newStore(ctx context.Context) (results.Store, error) {
	r := a.cfg.Results
	switch r.Kind {
	case "bolt":
		return bolt.Open(r.BoltPath)
	case "postgres":
		return postgres.New(ctx, r.PostgresURL)
	case "elasticsearch":
		return esresults.New(a.es, r.Namespace), nil
	default:
		return rmemory.New(rmemory.WithRetention(r.Retention)), nil
	}
}

// newOutput builds the primary output and wraps any mirrors behind async
// so their failures stay off the indexing path.
func (a *app) newOutput() (output.Output, error) {
	o := a.cfg.Output
	var primary output.Output
	switch o.Kind {
	case "stdout":
		primary = stdout.New(o.Pretty)
	case "file":
		f, err := file.New(o.Path)
		if err != nil {
			return nil, err
		}
		primary = f
	default:
		if a.es == nil {
			return nil, errors.New("elasticsearch output requires a cluster client")
		}
		primary = esoutput.New(a.es,
			esoutput.WithChunkSize(o.ChunkSize),
			esoutput.WithIDMode(esoutput.IDMode(o.IDMode)),
			esoutput.WithLogger(a.logger),
		)
	}

	var mirrors []output.Output
	if o.MirrorFile != "" {
		f, err := file.New(o.MirrorFile)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("mirror file: %w", err)
		}
		mirrors = append(mirrors, async.New(f, async.WithLogger(a.logger)))
	}
	if o.MirrorWebhook != "" {
		mirrors = append(mirrors, async.New(webhook.New(o.MirrorWebhook), async.WithDropOnFull(), async.WithLogger(a.logger)))
	}
	if len(mirrors) == 0 {
		return primary, nil
	}
	return multi.NewMirrored(primary, mirrors...), nil
}

// newSources binds every enabled source to a rate-limited HTTP client.
func newSources(cfg config.Config) ([]pipeline.Source, error) {
	var sources []pipeline.Source
	for _, name := range cfg.EnabledSources() {
		if _, err := connector.Get(name); err != nil {
			return nil, err
		}
		sc := cfg.Sources[name]
		client := httpclient.New(
			httpclient.WithTimeout(cfg.Pipeline.RequestTimeout),
			httpclient.WithRateLimit(cfg.Pipeline.RateLimit, cfg.Pipeline.RateBurst),
			httpclient.WithUserAgent("tributary/"+version),
		)
		sources = append(sources, pipeline.Source{
			Name:      name,
			Config:    sc.ConnectorConfig(name),
			Client:    client,
			Dataset:   sc.Dataset,
			Namespace: sc.Namespace,
		})
	}
	return sources, nil
}

// provisionAll installs every built-in resource. Audit templates cover the
// datasets of all enabled sources.
func (a *app) provisionAll(ctx context.Context) []provision.Report {
	if a.dest == nil {
		return nil
	}
	var auditPatterns []string
	for _, name := range a.cfg.EnabledSources() {
		dataset := a.cfg.Sources[name].Dataset
		if dataset == "" {
			dataset = name + ".audit"
		}
		auditPatterns = append(auditPatterns, provision.Patterns(dataset)...)
	}

	p := provision.New(a.dest, a.logger)
	return []provision.Report{
		p.Ensure(ctx, provision.AuditID, auditPatterns),
		p.Ensure(ctx, provision.ResultsID, provision.Patterns(esresults.Dataset)),
		p.Ensure(ctx, provision.LogsID, provision.Patterns("tributary.logs")),
	}
}

func (a *app) close() error {
	var errs []error
	if a.out != nil {
		errs = append(errs, a.out.Close())
	}
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
