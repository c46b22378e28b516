package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gisement-io/gisement/internal/ir"
	"github.com/gisement-io/gisement/internal/logging"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// AirtableOptions configures the Airtable store.
type AirtableOptions struct {
	BaseURL       string
	APIKey        string
	BaseID        string
	ProductsTable string
	RatePerSecond int
	Fields        *ir.FieldTable
	HTTPClient    *http.Client
}

// Airtable implements Store on the Airtable REST API.
type Airtable struct {
	baseURL  string
	baseID   string
	products string
	fields   *ir.FieldTable
	client   *http.Client
	limiter  *rate.Limiter
}

var _ Store = (*Airtable)(nil)

// airtablePageSize is the largest page the list endpoint returns.
const airtablePageSize = 100

func NewAirtable(opts AirtableOptions) *Airtable {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.airtable.com/v0"
	}
	perSecond := opts.RatePerSecond
	if perSecond <= 0 {
		perSecond = 5
	}

	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.APIKey}))
	client.Timeout = 30 * time.Second

	return &Airtable{
		baseURL:  baseURL,
		baseID:   opts.BaseID,
		products: opts.ProductsTable,
		fields:   opts.Fields,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

type airtableRecord struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

type airtableList struct {
	Records []airtableRecord `json:"records"`
	Offset  string           `json:"offset"`
}

func (a *Airtable) Select(ctx context.Context, q Query) ([]*ir.SourceRecord, error) {
	params := url.Values{}
	if formula := StateFormula(a.fields, q.States); formula != "" {
		params.Set("filterByFormula", formula)
	}
	if q.Limit > 0 {
		params.Set("maxRecords", strconv.Itoa(q.Limit))
	}
	params.Set("pageSize", strconv.Itoa(airtablePageSize))

	var out []*ir.SourceRecord
	for {
		var page airtableList
		if err := a.do(ctx, http.MethodGet, a.tablePath(a.products)+"?"+params.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("select %s: %w", a.products, err)
		}
		for _, r := range page.Records {
			out = append(out, a.record(r))
		}
		if page.Offset == "" || (q.Limit > 0 && len(out) >= q.Limit) {
			break
		}
		params.Set("offset", page.Offset)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (a *Airtable) Update(ctx context.Context, id string, patch Patch) error {
	body := map[string]any{"fields": attributes(a.fields, patch)}
	if err := a.do(ctx, http.MethodPatch, a.tablePath(a.products)+"/"+url.PathEscape(id), body, nil); err != nil {
		return fmt.Errorf("update %s/%s: %w", a.products, id, err)
	}
	return nil
}

func (a *Airtable) Find(ctx context.Context, table, id string) (*ir.SourceRecord, error) {
	var r airtableRecord
	if err := a.do(ctx, http.MethodGet, a.tablePath(table)+"/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, fmt.Errorf("find %s/%s: %w", table, id, err)
	}
	return a.record(r), nil
}

func (a *Airtable) record(r airtableRecord) *ir.SourceRecord {
	rec := &ir.SourceRecord{ID: r.ID, Fields: r.Fields}
	if label, ok := r.Fields[a.fields.StatusField].(string); ok {
		rec.State = a.fields.StateOf(label)
	}
	return rec
}

func (a *Airtable) tablePath(table string) string {
	return "/" + url.PathEscape(a.baseID) + "/" + url.PathEscape(table)
}

// StateFormula builds the filterByFormula expression matching any of states.
func StateFormula(table *ir.FieldTable, states []ir.SyncState) string {
	if len(states) == 0 {
		return ""
	}
	terms := make([]string, 0, len(states))
	for _, s := range states {
		terms = append(terms, fmt.Sprintf("{%s}='%s'", table.StatusField, escapeFormula(table.Label(s))))
	}
	if len(terms) == 1 {
		return terms[0]
	}
	return "OR(" + strings.Join(terms, ",") + ")"
}

func escapeFormula(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// airtableError is a non-2xx answer of the Airtable API.
type airtableError struct {
	Status  int
	Type    string
	Message string
}

func (e *airtableError) Error() string {
	return fmt.Sprintf("airtable %d %s: %s", e.Status, e.Type, e.Message)
}

func (e *airtableError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

func (a *Airtable) do(ctx context.Context, method, path string, body, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logging.Debug("source request", "method", method, "path", path)
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &airtableError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var wrapped struct {
			Error json.RawMessage `json:"error"`
		}
		if json.Unmarshal(raw, &wrapped) == nil && len(wrapped.Error) > 0 {
			var detail struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			}
			if json.Unmarshal(wrapped.Error, &detail) == nil {
				apiErr.Type, apiErr.Message = detail.Type, detail.Message
			} else {
				var code string
				if json.Unmarshal(wrapped.Error, &code) == nil {
					apiErr.Type = code
				}
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
