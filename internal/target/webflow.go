package target

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

// WebflowOptions configures the Webflow v2 client.
type WebflowOptions struct {
	BaseURL       string
	Token         string
	RatePerMinute int
	// HTTPClient is the transport under the bearer-token client. Optional.
	HTTPClient *http.Client
}

// Webflow implements Store against the Webflow CMS v2 API. All calls share one
// limiter because the API enforces a global per-token rate limit.
type Webflow struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebflow(opts WebflowOptions) *Webflow {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.webflow.com/v2"
	}
	perMinute := opts.RatePerMinute
	if perMinute <= 0 {
		perMinute = 60
	}

	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}))
	client.Timeout = 30 * time.Second

	return &Webflow{
		baseURL: baseURL,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

type wireOptions struct {
	Options []ir.Option `json:"options"`
}

type wireField struct {
	ID          string       `json:"id"`
	Slug        string       `json:"slug"`
	DisplayName string       `json:"displayName"`
	Type        string       `json:"type"`
	IsRequired  bool         `json:"isRequired"`
	Options     []ir.Option  `json:"options"`
	Validations *wireOptions `json:"validations"`
}

type wireCollection struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"displayName"`
	Slug        string      `json:"slug"`
	Fields      []wireField `json:"fields"`
}

type wireItem struct {
	ID         string         `json:"id,omitempty"`
	IsArchived bool           `json:"isArchived"`
	IsDraft    bool           `json:"isDraft"`
	FieldData  map[string]any `json:"fieldData"`
}

type wireItemList struct {
	Items []wireItem `json:"items"`
}

func (w *Webflow) GetCollectionSchema(ctx context.Context, collectionID string) (*ir.CollectionSchema, error) {
	var col wireCollection
	if err := w.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(collectionID), nil, &col); err != nil {
		return nil, err
	}

	schema := &ir.CollectionSchema{
		ID:          col.ID,
		DisplayName: col.DisplayName,
		Slug:        col.Slug,
		Fields:      make([]ir.SchemaField, 0, len(col.Fields)),
	}
	for _, f := range col.Fields {
		options := f.Options
		if f.Validations != nil && len(f.Validations.Options) > 0 {
			options = f.Validations.Options
		}
		schema.Fields = append(schema.Fields, ir.SchemaField{
			ID:          f.ID,
			Slug:        f.Slug,
			DisplayName: f.DisplayName,
			Type:        f.Type,
			IsRequired:  f.IsRequired,
			Options:     options,
		})
	}
	return schema, nil
}

func (w *Webflow) PatchField(ctx context.Context, collectionID, fieldID string, patch FieldPatch) error {
	path := fmt.Sprintf("/collections/%s/fields/%s", url.PathEscape(collectionID), url.PathEscape(fieldID))
	return w.do(ctx, http.MethodPatch, path, patch, nil)
}

func (w *Webflow) ListItems(ctx context.Context, collectionID string, limit int) ([]*ir.TargetItem, error) {
	path := fmt.Sprintf("/collections/%s/items?limit=%d", url.PathEscape(collectionID), limit)
	var list wireItemList
	if err := w.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	items := make([]*ir.TargetItem, 0, len(list.Items))
	for _, it := range list.Items {
		items = append(items, &ir.TargetItem{
			ID:         it.ID,
			FieldData:  it.FieldData,
			IsDraft:    it.IsDraft,
			IsArchived: it.IsArchived,
		})
	}
	return items, nil
}

func (w *Webflow) CreateItem(ctx context.Context, collectionID string, fieldData ir.Payload) (*ir.TargetItem, error) {
	path := fmt.Sprintf("/collections/%s/items", url.PathEscape(collectionID))
	var created wireItem
	if err := w.do(ctx, http.MethodPost, path, wireItem{FieldData: fieldData}, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, fmt.Errorf("create item in %s: response has no id", collectionID)
	}
	return &ir.TargetItem{ID: created.ID, FieldData: created.FieldData, IsDraft: created.IsDraft, IsArchived: created.IsArchived}, nil
}

func (w *Webflow) UpdateItem(ctx context.Context, collectionID, itemID string, fieldData ir.Payload) error {
	path := fmt.Sprintf("/collections/%s/items/%s", url.PathEscape(collectionID), url.PathEscape(itemID))
	return w.do(ctx, http.MethodPatch, path, wireItem{FieldData: fieldData}, nil)
}

func (w *Webflow) do(ctx context.Context, method, path string, body, out any) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logging.Debug("target request", "method", method, "path", path)
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 300 {
		return decodeAPIError(resp, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response, raw []byte) error {
	apiErr := &APIError{Status: resp.StatusCode}

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
