// Package salesforce mirrors reconciliation review items into Salesforce
// over the REST API, authenticating with the JWT bearer flow.
package salesforce

import (
	"context"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client is the slice of the Salesforce REST API the task mirror needs.
type Client interface {
	Query(ctx context.Context, soql string, out any) error
	InsertOne(ctx context.Context, object string, record map[string]any) (string, error)
	InsertCollection(ctx context.Context, object string, records []map[string]any) ([]CollectionResult, error)
	UpdateOne(ctx context.Context, object, id string, fields map[string]any) error
}

// CollectionResult is the per-record outcome of a collection insert.
type CollectionResult struct {
	ID      string   `json:"id"`
	Success bool     `json:"success"`
	Errors  []string `json:"errors"`
}

// Creds are the JWT bearer-flow credentials of a connected app.
type Creds struct {
	LoginURL string
	Username string
	ClientID string
	KeyPEM   string
}

// Option configures a client built by Dial or NewClient.
type Option func(*restClient)

// WithRateLimit caps outbound calls at rps per second. Values <= 0 leave
// calls unthrottled.
func WithRateLimit(rps float64) Option {
	return func(c *restClient) {
		if rps <= 0 {
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
}

// restClient adapts go-salesforce, which takes no context. ctx only bounds
// the wait for a rate-limit token.
type restClient struct {
	api     *salesforce.Salesforce
	limiter *rate.Limiter
}

// Dial authenticates and returns a ready Client.
func Dial(creds Creds, opts ...Option) (Client, error) {
	if creds.ClientID == "" {
		return nil, eris.New("sf: client id is required")
	}
	api, err := salesforce.Init(salesforce.Creds{
		Domain:         creds.LoginURL,
		Username:       creds.Username,
		ConsumerKey:    creds.ClientID,
		ConsumerRSAPem: creds.KeyPEM,
	})
	if err != nil {
		return nil, eris.Wrap(err, "sf: authenticate")
	}
	return NewClient(api, opts...), nil
}

// NewClient wraps an authenticated go-salesforce session.
func NewClient(api *salesforce.Salesforce, opts ...Option) Client {
	c := &restClient{api: api}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *restClient) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return eris.Wrap(c.limiter.Wait(ctx), "sf: rate limit")
}

func (c *restClient) Query(ctx context.Context, soql string, out any) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}
	return eris.Wrap(c.api.Query(soql, out), "sf: query")
}

func (c *restClient) InsertOne(ctx context.Context, object string, record map[string]any) (string, error) {
	if err := c.throttle(ctx); err != nil {
		return "", err
	}
	res, err := c.api.InsertOne(object, record)
	if err != nil {
		return "", eris.Wrapf(err, "sf: insert %s", object)
	}
	if !res.Success {
		return "", eris.Errorf("sf: %s rejected: %v", object, res.Errors)
	}
	return res.Id, nil
}

func (c *restClient) InsertCollection(ctx context.Context, object string, records []map[string]any) ([]CollectionResult, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}
	res, err := c.api.InsertCollection(object, records, maxBatchSize)
	if err != nil {
		return nil, eris.Wrapf(err, "sf: insert %d %s record(s)", len(records), object)
	}
	out := make([]CollectionResult, 0, len(res.Results))
	for _, r := range res.Results {
		cr := CollectionResult{ID: r.Id, Success: r.Success}
		for _, e := range r.Errors {
			cr.Errors = append(cr.Errors, e.Message)
		}
		out = append(out, cr)
	}
	return out, nil
}

func (c *restClient) UpdateOne(ctx context.Context, object, id string, fields map[string]any) error {
	if err := c.throttle(ctx); err != nil {
		return err
	}
	rec := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		rec[k] = v
	}
	rec["Id"] = id
	return eris.Wrapf(c.api.UpdateOne(object, rec), "sf: update %s %s", object, id)
}
