// Package kafka is the broker-backed queue. Jobs are JSON records on one
// topic; index workers in a consumer group share the partitions.
package kafka

import (
	"cmp"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/crimson-sun/tributary/internal/logging"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/queue"
)

// SASLConfig holds SASL authentication settings.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // config field, not a hardcoded credential
}

// Config configures the queue.
type Config struct {
	Brokers []string
	Topic   string
	Group   string
	TLS     bool
	SASL    *SASLConfig
	Logger  *slog.Logger
}

// Queue produces and consumes IndexJobs on a Kafka topic.
type Queue struct {
	cfg      Config
	producer *kgo.Client
	logger   *slog.Logger
}

// New validates cfg and creates the producing client. No connection is made
// until the first Publish.
func New(cfg Config) (*Queue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka queue: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka queue: topic is required")
	}
	cfg.Group = cmp.Or(cfg.Group, "tributary")

	opts, err := baseOpts(cfg)
	if err != nil {
		return nil, err
	}
	producer, err := kgo.NewClient(append(opts, kgo.DefaultProduceTopic(cfg.Topic))...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Queue{
		cfg:      cfg,
		producer: producer,
		logger:   logging.Default(cfg.Logger).With("component", "queue", "type", "kafka"),
	}, nil
}

func baseOpts(cfg Config) ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if cfg.SASL != nil {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}
	return opts, nil
}

// Publish writes job synchronously; it returns once the broker acknowledged
// the record.
func (q *Queue) Publish(ctx context.Context, job model.IndexJob) error {
	rec, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka queue: produce: %w", err)
	}
	return nil
}

// Consume joins the consumer group and forwards jobs to out until ctx is
// cancelled. Offsets are committed only for acknowledged jobs; records that
// cannot be decoded are logged and skipped.
func (q *Queue) Consume(ctx context.Context, out chan<- queue.Delivery) error {
	opts, err := baseOpts(q.cfg)
	if err != nil {
		return err
	}
	opts = append(opts,
		kgo.ConsumeTopics(q.cfg.Topic),
		kgo.ConsumerGroup(q.cfg.Group),
		kgo.AutoCommitMarks(),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	defer client.Close()

	q.logger.Info("kafka consumer started", "brokers", q.cfg.Brokers, "topic", q.cfg.Topic, "group", q.cfg.Group)

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			q.logger.Info("kafka consumer stopping")
			_ = client.CommitMarkedOffsets(context.Background())
			return nil
		}

		for _, e := range fetches.Errors() {
			q.logger.Warn("kafka fetch error", "topic", e.Topic, "partition", e.Partition, "error", e.Err)
		}

		var stopped bool
		fetches.EachRecord(func(rec *kgo.Record) {
			if stopped {
				return
			}
			job, err := decodeJob(rec)
			if err != nil {
				q.logger.Error("skipping undecodable job", "partition", rec.Partition, "offset", rec.Offset, "error", err)
				client.MarkCommitRecords(rec)
				return
			}
			d := queue.Delivery{Job: job, Ack: func() { client.MarkCommitRecords(rec) }}
			select {
			case out <- d:
			case <-ctx.Done():
				stopped = true
			}
		})
	}
}

// Close flushes and closes the producer.
func (q *Queue) Close() error {
	q.producer.Close()
	return nil
}

func encodeJob(job model.IndexJob) (*kgo.Record, error) {
	value, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("kafka queue: encode job %s: %w", job.TaskID, err)
	}
	return &kgo.Record{
		Key:   []byte(job.Batch.Source),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "task_id", Value: []byte(job.TaskID)},
			{Key: "trace_id", Value: []byte(job.TraceID)},
		},
	}, nil
}

func decodeJob(rec *kgo.Record) (model.IndexJob, error) {
	var job model.IndexJob
	if err := json.Unmarshal(rec.Value, &job); err != nil {
		return job, fmt.Errorf("decode job: %w", err)
	}
	if job.TaskID == "" {
		return job, fmt.Errorf("decode job: missing task_id")
	}
	return job, nil
}

func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch strings.ToLower(cfg.Mechanism) {
	case "plain":
		return plain.Auth{User: cfg.User, Pass: cfg.Password}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{User: cfg.User, Pass: cfg.Password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}

var _ queue.Queue = (*Queue)(nil)
