// Package postman pulls audit trails from the Postman API.
package postman

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/crimson-sun/tributary/internal/connector"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/window"
)

const (
	defaultEndpoint = "https://api.getpostman.com"
	defaultLimit    = 300

	// Postman expects naive timestamps without an offset.
	timeLayout = "2006-01-02T15:04:05"
)

func init() {
	connector.Register("postman", New)
}

// Connector implements connector.Connector for /audit/logs. Pages are chained
// through the opaque nextCursor token.
type Connector struct {
	apiKey   string
	endpoint string
	limit    int
}

// New builds the connector. Requires APIKey.
func New(cfg connector.Config) (connector.Connector, error) {
	if err := connector.RequireCredentials("postman", "api_key", cfg.APIKey); err != nil {
		return nil, err
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Connector{
		apiKey:   cfg.APIKey,
		endpoint: strings.TrimRight(endpoint, "/"),
		limit:    defaultLimit,
	}, nil
}

func (c *Connector) Name() string { return "postman" }

func (c *Connector) BuildRequest(w window.Window, cur *connector.Cursor) (connector.Request, error) {
	q := url.Values{
		"since": []string{w.Start.UTC().Format(timeLayout)},
		"until": []string{w.End.UTC().Format(timeLayout)},
		"limit": []string{strconv.Itoa(c.limit)},
	}
	if cur != nil && cur.Token != "" {
		q.Set("cursor", cur.Token)
	}
	return connector.Request{
		URL:    c.endpoint + "/audit/logs",
		Query:  q,
		Header: http.Header{"X-Api-Key": []string{c.apiKey}},
	}, nil
}

type trailsResponse struct {
	Trails     []model.RawEvent `json:"trails"`
	NextCursor string           `json:"nextCursor"`
	Meta       struct {
		NextCursor string `json:"nextCursor"`
	} `json:"meta"`
}

func (c *Connector) ParsePage(body []byte, _ *connector.Cursor) ([]model.RawEvent, *connector.Cursor, error) {
	var resp trailsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, err
	}
	token := resp.NextCursor
	if token == "" {
		token = resp.Meta.NextCursor
	}
	if token == "" {
		return resp.Trails, nil, nil
	}
	return resp.Trails, &connector.Cursor{Token: token}, nil
}

func (c *Connector) Normalize(raw model.RawEvent, w window.Window) (model.NormalizedEvent, error) {
	return connector.Passthrough(raw, w)
}
