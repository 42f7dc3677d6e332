// Package provision installs the ingest pipelines and index templates the
// destination data streams rely on. Every step is idempotent: existing
// resources are left untouched.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/crimson-sun/tributary/internal/elastic"
	"github.com/crimson-sun/tributary/internal/logging"
)

// Destination is the subset of cluster management calls provisioning needs.
// *elastic.Destination implements it.
type Destination interface {
	PipelineExists(ctx context.Context, id string) (bool, error)
	PutPipeline(ctx context.Context, id string, body map[string]any) error
	IndexTemplateExists(ctx context.Context, name string) (bool, error)
	PutIndexTemplate(ctx context.Context, name string, body map[string]any) error
}

// ProvisionError reports a resource that could not be checked or installed.
// Provisioning failures are warnings; callers log them and carry on.
type ProvisionError struct {
	UniqueID string
	Step     string
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.UniqueID, e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ErrUnknownResource is wrapped by ProvisionError for ids with no built-in
// definition.
var ErrUnknownResource = errors.New("no definition for unique id")

// Outcome records what Ensure did for one resource kind.
type Outcome string

const (
	Created Outcome = "created"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// Report summarizes one Ensure call.
type Report struct {
	UniqueID      string  `json:"unique_id"`
	Pipeline      Outcome `json:"pipeline"`
	IndexTemplate Outcome `json:"index_template"`
}

// Provisioner ensures resources against a destination.
type Provisioner struct {
	dest   Destination
	logger *slog.Logger
}

// New creates a Provisioner. A nil logger discards output.
func New(dest Destination, logger *slog.Logger) *Provisioner {
	return &Provisioner{dest: dest, logger: logging.Default(logger).With("component", "provision")}
}

// Ensure installs the pipeline and then the index template for uniqueID. It
// never returns an error: failures are logged as warnings and reflected in
// the report, and the caller's ingestion proceeds.
func (p *Provisioner) Ensure(ctx context.Context, uniqueID string, indexPatterns []string) Report {
	rep := Report{UniqueID: uniqueID}

	out, err := p.EnsurePipeline(ctx, uniqueID)
	rep.Pipeline = out
	if err != nil {
		p.logger.Warn("pipeline not provisioned", "unique_id", uniqueID, "error", err)
	}

	out, err = p.EnsureIndexTemplate(ctx, uniqueID, indexPatterns)
	rep.IndexTemplate = out
	if err != nil {
		p.logger.Warn("index template not provisioned", "unique_id", uniqueID, "error", err)
	}
	return rep
}

// EnsurePipeline creates the ingest pipeline for uniqueID when the
// destination reports it absent.
func (p *Provisioner) EnsurePipeline(ctx context.Context, uniqueID string) (Outcome, error) {
	res, ok := Lookup(uniqueID)
	if !ok {
		return Failed, &ProvisionError{UniqueID: uniqueID, Step: "pipeline", Err: ErrUnknownResource}
	}

	found, err := p.dest.PipelineExists(ctx, uniqueID)
	if err != nil {
		return Failed, &ProvisionError{UniqueID: uniqueID, Step: "get pipeline", Err: err}
	}
	if found {
		p.logger.Debug("pipeline already exists", "unique_id", uniqueID)
		return Skipped, nil
	}

	p.logger.Info("pipeline not found, creating", "unique_id", uniqueID)
	if err := p.dest.PutPipeline(ctx, uniqueID, res.Pipeline); err != nil {
		if errors.Is(err, elastic.ErrAlreadyExists) {
			return Skipped, nil
		}
		return Failed, &ProvisionError{UniqueID: uniqueID, Step: "put pipeline", Err: err}
	}
	return Created, nil
}

// EnsureIndexTemplate creates the index template for uniqueID when absent.
// An existing template is never updated.
func (p *Provisioner) EnsureIndexTemplate(ctx context.Context, uniqueID string, indexPatterns []string) (Outcome, error) {
	res, ok := Lookup(uniqueID)
	if !ok {
		return Failed, &ProvisionError{UniqueID: uniqueID, Step: "index template", Err: ErrUnknownResource}
	}
	if len(indexPatterns) == 0 {
		return Failed, &ProvisionError{UniqueID: uniqueID, Step: "index template", Err: errors.New("no index patterns")}
	}

	found, err := p.dest.IndexTemplateExists(ctx, uniqueID)
	if err != nil {
		return Failed, &ProvisionError{UniqueID: uniqueID, Step: "check index template", Err: err}
	}
	if found {
		p.logger.Debug("index template already exists", "unique_id", uniqueID)
		return Skipped, nil
	}

	if err := p.dest.PutIndexTemplate(ctx, uniqueID, res.Template(uniqueID, indexPatterns)); err != nil {
		if errors.Is(err, elastic.ErrAlreadyExists) {
			p.logger.Debug("index template created concurrently", "unique_id", uniqueID)
			return Skipped, nil
		}
		return Failed, &ProvisionError{UniqueID: uniqueID, Step: "put index template", Err: err}
	}
	p.logger.Info("index template created", "unique_id", uniqueID)
	return Created, nil
}

// Patterns returns the index pattern covering every namespace of dataset.
func Patterns(dataset string) []string {
	return []string{"logs-" + dataset + "-*"}
}
