// Package elastic builds the Elasticsearch client shared by the bulk indexer,
// the resource provisioner and the task store, and wraps the handful of
// management APIs the provisioner needs.
package elastic

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ErrAlreadyExists is matched by errors.Is when a create-only request lost a
// race against another writer.
var ErrAlreadyExists = errors.New("elastic: resource already exists")

// Config holds the connection settings for one cluster.
type Config struct {
	Addresses   []string
	Username    string
	Password    string
	APIKey      string
	CACertPath  string
	VerifyCerts bool
	Compress    bool
	Timeout     time.Duration
}

// NewClient returns a client for cfg. Client-side retries are disabled:
// the orchestrator owns retry decisions.
func NewClient(cfg Config) (*elasticsearch.Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("elastic: no addresses configured")
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: !cfg.VerifyCerts} //nolint:gosec // operator opt-out
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("elastic: read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("elastic: no certificates found in %s", cfg.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSClientConfig:       tlsCfg,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:           cfg.Addresses,
		Username:            cfg.Username,
		Password:            cfg.Password,
		APIKey:              cfg.APIKey,
		CompressRequestBody: cfg.Compress,
		DisableRetry:        true,
		Transport:           transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elastic: new client: %w", err)
	}
	return es, nil
}

// ResponseError is a non-2xx answer from the cluster.
type ResponseError struct {
	StatusCode int
	Type       string
	Reason     string
}

func (e *ResponseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("elasticsearch: HTTP %d: %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("elasticsearch: HTTP %d: %s: %s", e.StatusCode, e.Type, e.Reason)
}

// Unwrap maps the create-only conflict types onto ErrAlreadyExists.
func (e *ResponseError) Unwrap() error {
	switch e.Type {
	case "resource_already_exists_exception", "version_conflict_engine_exception":
		return ErrAlreadyExists
	}
	if e.StatusCode == http.StatusConflict {
		return ErrAlreadyExists
	}
	return nil
}

// Retryable reports whether the same request may succeed later.
func (e *ResponseError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// DecodeError reads res.Body into a *ResponseError. The caller still closes
// the body.
func DecodeError(res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
	re := &ResponseError{StatusCode: res.StatusCode}

	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Error) > 0 {
		var detail struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(payload.Error, &detail) == nil && detail.Type != "" {
			re.Type, re.Reason = detail.Type, detail.Reason
			return re
		}
		var s string
		if json.Unmarshal(payload.Error, &s) == nil {
			re.Reason = s
			return re
		}
	}
	re.Reason = truncate(string(body), 512)
	return re
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Destination exposes the pipeline and index template APIs.
type Destination struct {
	es *elasticsearch.Client
}

// NewDestination wraps es.
func NewDestination(es *elasticsearch.Client) *Destination {
	return &Destination{es: es}
}

// Ping checks that the cluster answers.
func (d *Destination) Ping(ctx context.Context) error {
	res, err := d.es.Info(d.es.Info.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return DecodeError(res)
	}
	return nil
}

// ClusterHealth returns the _cluster/health document.
func (d *Destination) ClusterHealth(ctx context.Context) (map[string]any, error) {
	res, err := d.es.Cluster.Health(d.es.Cluster.Health.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, DecodeError(res)
	}
	var health map[string]any
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode cluster health: %w", err)
	}
	return health, nil
}

// PipelineExists reports whether an ingest pipeline with id is installed.
func (d *Destination) PipelineExists(ctx context.Context, id string) (bool, error) {
	res, err := d.es.Ingest.GetPipeline(
		d.es.Ingest.GetPipeline.WithPipelineID(id),
		d.es.Ingest.GetPipeline.WithContext(ctx),
	)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	return exists(res)
}

// PutPipeline installs or replaces the ingest pipeline id.
func (d *Destination) PutPipeline(ctx context.Context, id string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal pipeline %s: %w", id, err)
	}
	res, err := d.es.Ingest.PutPipeline(id, bytes.NewReader(data), d.es.Ingest.PutPipeline.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return DecodeError(res)
	}
	return nil
}

// IndexTemplateExists reports whether a composable index template is installed.
func (d *Destination) IndexTemplateExists(ctx context.Context, name string) (bool, error) {
	res, err := d.es.Indices.ExistsIndexTemplate(name, d.es.Indices.ExistsIndexTemplate.WithContext(ctx))
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	return exists(res)
}

// PutIndexTemplate creates the index template name. It never overwrites an
// existing template; a concurrent create surfaces as ErrAlreadyExists.
func (d *Destination) PutIndexTemplate(ctx context.Context, name string, body map[string]any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal index template %s: %w", name, err)
	}
	res, err := d.es.Indices.PutIndexTemplate(name, bytes.NewReader(data),
		d.es.Indices.PutIndexTemplate.WithCreate(true),
		d.es.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		err := DecodeError(res)
		// ES reports an existing template on create=true as a plain 400.
		var re *ResponseError
		if errors.As(err, &re) && re.StatusCode == http.StatusBadRequest && re.Type == "illegal_argument_exception" &&
			bytes.Contains([]byte(re.Reason), []byte("already exists")) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, re.Reason)
		}
		return err
	}
	return nil
}

func exists(res *esapi.Response) (bool, error) {
	switch {
	case res.StatusCode == http.StatusNotFound:
		return false, nil
	case res.IsError():
		return false, DecodeError(res)
	default:
		return true, nil
	}
}
