package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crimson-sun/tributary/internal/connector/httpclient"
	"github.com/crimson-sun/tributary/internal/logging"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/window"
)

// DefaultMaxPages bounds a single fetch when FetchOptions.MaxPages is unset.
const DefaultMaxPages = 100

// Doer issues one page request. *httpclient.Client implements it.
type Doer interface {
	Do(ctx context.Context, req httpclient.Request) ([]byte, error)
}

// FetchOptions tunes one Fetch call.
type FetchOptions struct {
	MaxPages int
	Logger   *slog.Logger
}

// Result is the outcome of one Fetch.
type Result struct {
	Events    []model.NormalizedEvent
	Pages     int
	Dropped   int
	Truncated bool
}

// Fetch pulls every page of w from conn and returns the normalized records
// in page order. The loop ends when the source reports no next page, when the
// cursor stops advancing, or after MaxPages pages (Truncated is set).
// Any page failure aborts the whole fetch with a *FetchError; a retry starts
// again from the first page.
func Fetch(ctx context.Context, conn Connector, client Doer, w window.Window, opts FetchOptions) (Result, error) {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	logger := logging.Default(opts.Logger).With("connector", conn.Name(), "window", w.String())

	var (
		res  Result
		raws []model.RawEvent
		cur  *Cursor
	)
	for {
		if res.Pages >= maxPages {
			res.Truncated = true
			logger.Warn("page limit reached, stopping pagination", "max_pages", maxPages)
			break
		}
		page := res.Pages + 1

		req, err := conn.BuildRequest(w, cur)
		if err != nil {
			return Result{}, &FetchError{Provider: conn.Name(), Page: page, Permanent: true, Err: err}
		}
		logger.Debug("fetching page", "page", page, "url", req.URL)

		body, err := client.Do(ctx, req)
		if err != nil {
			return Result{}, newFetchError(conn.Name(), page, err)
		}
		res.Pages++

		events, next, err := conn.ParsePage(body, cur)
		if err != nil {
			return Result{}, &FetchError{Provider: conn.Name(), Page: page, Permanent: true,
				Err: fmt.Errorf("parse page: %w", err)}
		}
		raws = append(raws, events...)

		if next == nil {
			break
		}
		if cur != nil && *next == *cur {
			logger.Warn("cursor did not advance, stopping pagination", "page", page)
			break
		}
		cur = next
	}

	res.Events = make([]model.NormalizedEvent, 0, len(raws))
	prov := model.Provenance{
		Source:      conn.Name(),
		WindowStart: w.Start.Format(time.RFC3339),
		WindowEnd:   w.End.Format(time.RFC3339),
		Reference:   w.Reference.Format(time.RFC3339),
	}
	for i, raw := range raws {
		ev, err := normalize(conn, raw, w)
		if err != nil {
			res.Dropped++
			logger.Error("dropping record that failed normalization", "index", i, "error", err)
			continue
		}
		ev[model.ProvenanceKey] = prov.Map()
		res.Events = append(res.Events, ev)
	}

	logger.Info("fetch complete", "pages", res.Pages, "events", len(res.Events), "dropped", res.Dropped)
	return res, nil
}

// normalize calls conn.Normalize, turning a panic into an error so a single
// malformed record cannot take the run down.
func normalize(conn Connector, raw model.RawEvent, w window.Window) (ev model.NormalizedEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("normalize panicked: %v", r)
		}
	}()
	if raw == nil {
		return nil, fmt.Errorf("empty record")
	}
	ev, err = conn.Normalize(raw, w)
	if err == nil && ev == nil {
		err = fmt.Errorf("normalize returned no event")
	}
	return ev, err
}

// Passthrough is the Normalize used by sources that index records unchanged.
func Passthrough(raw model.RawEvent, _ window.Window) (model.NormalizedEvent, error) {
	return raw.Clone(), nil
}
