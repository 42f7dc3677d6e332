package connector

import (
	"github.com/crimson-sun/tributary/internal/connector/httpclient"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/window"
)

// Connector defines the per-source hooks the shared Fetch driver calls.
// Implementations hold read-only credentials and no per-run state, so one
// value may serve concurrent runs.
type Connector interface {
	// Name returns the provider name the connector is registered under.
	Name() string

	// BuildRequest returns the request for the page at cur. A nil cursor
	// means the first page of the window.
	BuildRequest(w window.Window, cur *Cursor) (Request, error)

	// ParsePage decodes one response body into its records and the cursor of
	// the next page. A nil next cursor ends pagination.
	ParsePage(body []byte, cur *Cursor) (events []model.RawEvent, next *Cursor, err error)

	// Normalize shapes one record for indexing. An error drops that record only.
	Normalize(raw model.RawEvent, w window.Window) (model.NormalizedEvent, error)
}

// Request is the HTTP request for one page.
type Request = httpclient.Request

// Cursor is the pagination position within a window. Sources use one of its
// fields: a next-page URL, a record offset, or an opaque token.
type Cursor struct {
	NextURL string
	Offset  int
	Token   string
}

// Config holds provider-specific connection settings.
type Config struct {
	Provider string
	APIKey   string
	Username string
	Endpoint string
	Extra    map[string]string
}
