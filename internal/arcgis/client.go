// Package arcgis is a small client for the ArcGIS REST API: token
// authentication, item and service lookup, paged layer queries and
// addFeatures. It covers ArcGIS Online and Enterprise portals.
package arcgis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultPortal is ArcGIS Online.
const DefaultPortal = "https://www.arcgis.com"

const (
	codeInvalidToken  = 498
	codeTokenRequired = 499
)

// ErrNotFound is returned when an item, layer or table does not exist.
var ErrNotFound = errors.New("arcgis: not found")

// APIError is an error reported by the REST API, either in the JSON
// envelope or as an HTTP status.
type APIError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("arcgis: %d %s (%s)", e.Code, e.Message, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("arcgis: %d %s", e.Code, e.Message)
}

// Temporary reports whether the request may succeed if retried.
func (e *APIError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Credentials authenticate against a portal. A static Token takes precedence
// over Username/Password. All fields empty means anonymous access.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Client talks to one portal and the services it hosts.
type Client struct {
	portal  string
	creds   Credentials
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

// WithBreaker replaces the circuit breaker settings.
func WithBreaker(st gobreaker.Settings) Option {
	return func(c *Client) { c.breaker = c.newBreaker(st) }
}

// New returns a Client for portal (DefaultPortal when empty).
func New(portal string, creds Credentials, opts ...Option) *Client {
	if portal == "" {
		portal = DefaultPortal
	}
	c := &Client{
		portal: strings.TrimRight(portal, "/"),
		creds:  creds,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: zap.NewNop(),
		now:    time.Now,
	}
	if creds.Token != "" {
		c.token = creds.Token
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = c.newBreaker(gobreaker.Settings{
			Name:    "arcgis:" + c.portal,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return c
}

func (c *Client) newBreaker(st gobreaker.Settings) *gobreaker.CircuitBreaker {
	if st.IsSuccessful == nil {
		// Only failures that say something about the server's health count.
		st.IsSuccessful = func(err error) bool { return err == nil || !isTemporary(err) }
	}
	if st.OnStateChange == nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}
	}
	return gobreaker.NewCircuitBreaker(st)
}

// Portal returns the portal base URL.
func (c *Client) Portal() string { return c.portal }

// ── Token ──────────────────────────────────────────────────

type tokenResponse struct {
	Token   string `json:"token"`
	Expires int64  `json:"expires"` // epoch ms
}

// Token returns a valid token, generating a new one when the cached token
// is missing or about to expire. Anonymous clients get "".
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.creds.Token != "" {
		return c.creds.Token, nil
	}
	if c.creds.Username == "" {
		return "", nil
	}
	if c.token != "" && c.now().Add(time.Minute).Before(c.expires) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("username", c.creds.Username)
	form.Set("password", c.creds.Password)
	form.Set("client", "referer")
	form.Set("referer", c.portal)
	form.Set("expiration", "60")

	var tr tokenResponse
	if err := c.call(ctx, http.MethodPost, c.portal+"/sharing/rest/generateToken", form, &tr); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("generate token: empty token")
	}
	c.token = tr.Token
	c.expires = time.UnixMilli(tr.Expires)
	c.logger.Debug("token generated", zap.Time("expires", c.expires))
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds.Token == "" {
		c.token = ""
		c.expires = time.Time{}
	}
}

// ── Requests ───────────────────────────────────────────────

// do performs an authenticated request. An invalid-token response triggers
// one token refresh and a second attempt.
func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}
		p := url.Values{}
		for k, v := range params {
			p[k] = v
		}
		if token != "" {
			p.Set("token", token)
		}

		err = c.call(ctx, method, endpoint, p, out)
		var apiErr *APIError
		if attempt == 0 && c.creds.Username != "" && errors.As(err, &apiErr) &&
			(apiErr.Code == codeInvalidToken || apiErr.Code == codeTokenRequired) {
			c.logger.Debug("token rejected, refreshing", zap.String("endpoint", endpoint))
			c.invalidateToken()
			continue
		}
		return err
	}
}

// call sends one request through the circuit breaker and decodes the JSON
// body into out. Errors in the response envelope become *APIError.
func (c *Client) call(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	params.Set("f", "json")
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, endpoint, params, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, params url.Values, out any) error {
	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+params.Encode(), nil)
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode), Details: []string{truncate(string(body), 256)}}
	}

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isTemporary(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) && t.Temporary() {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue) && ue.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ── Content ────────────────────────────────────────────────

// Item is a portal content item.
type Item struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
	URL   string `json:"url"`
}

// Item looks up a content item by id.
func (c *Client) Item(ctx context.Context, id string) (*Item, error) {
	var it Item
	err := c.do(ctx, http.MethodGet, c.portal+"/sharing/rest/content/items/"+url.PathEscape(id), url.Values{}, &it)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusBadRequest || apiErr.Code == http.StatusNotFound) {
		return nil, fmt.Errorf("item %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("item %q: %w", id, err)
	}
	if it.URL == "" {
		return nil, fmt.Errorf("item %q has no service url", id)
	}
	return &it, nil
}

// LayerRef names a layer or table inside a service.
type LayerRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ServiceInfo lists a feature service's layers and tables.
type ServiceInfo struct {
	Layers []LayerRef `json:"layers"`
	Tables []LayerRef `json:"tables"`
}

// Service fetches the layer and table listing of a feature service.
func (c *Client) Service(ctx context.Context, serviceURL string) (*ServiceInfo, error) {
	var si ServiceInfo
	if err := c.do(ctx, http.MethodGet, strings.TrimRight(serviceURL, "/"), url.Values{}, &si); err != nil {
		return nil, fmt.Errorf("service %s: %w", serviceURL, err)
	}
	return &si, nil
}

// Field is a layer attribute definition.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Alias    string `json:"alias,omitempty"`
	Editable *bool  `json:"editable,omitempty"`
}

// IsEditable reports whether values for the field may be written.
func (f Field) IsEditable() bool {
	switch f.Type {
	case "esriFieldTypeOID", "esriFieldTypeGlobalID", "esriFieldTypeGeometry":
		return false
	}
	return f.Editable == nil || *f.Editable
}

// Esri field types that need conversion.
const (
	FieldTypeDate = "esriFieldTypeDate"
	FieldTypeOID  = "esriFieldTypeOID"
)

// LayerInfo describes a layer or table.
type LayerInfo struct {
	ID             int     `json:"id"`
	Name           string  `json:"name"`
	Type           string  `json:"type"` // "Feature Layer" | "Table"
	GeometryType   string  `json:"geometryType,omitempty"`
	ObjectIDField  string  `json:"objectIdField,omitempty"`
	MaxRecordCount int     `json:"maxRecordCount,omitempty"`
	Fields         []Field `json:"fields"`

	// URL is the layer endpoint; set by the client.
	URL string `json:"-"`
}

// IsTable reports whether the layer carries no geometry.
func (l *LayerInfo) IsTable() bool { return l.Type == "Table" }

// Layer fetches the definition of layer id within a service.
func (c *Client) Layer(ctx context.Context, serviceURL string, id int) (*LayerInfo, error) {
	layerURL := strings.TrimRight(serviceURL, "/") + "/" + strconv.Itoa(id)
	var li LayerInfo
	if err := c.do(ctx, http.MethodGet, layerURL, url.Values{}, &li); err != nil {
		return nil, fmt.Errorf("layer %s: %w", layerURL, err)
	}
	li.URL = layerURL
	return &li, nil
}

// FindLayer looks a layer or table up by name across the service's layers
// and tables.
func (c *Client) FindLayer(ctx context.Context, serviceURL, name string) (*LayerInfo, error) {
	si, err := c.Service(ctx, serviceURL)
	if err != nil {
		return nil, err
	}
	for _, ref := range append(append([]LayerRef(nil), si.Layers...), si.Tables...) {
		if ref.Name == name {
			return c.Layer(ctx, serviceURL, ref.ID)
		}
	}
	return nil, fmt.Errorf("layer %q in %s: %w", name, serviceURL, ErrNotFound)
}

// ── Features ───────────────────────────────────────────────

// Feature is a feature as the REST API encodes it.
type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   map[string]any `json:"geometry,omitempty"`
}

// Query parameterizes a layer query.
type Query struct {
	Where          string
	OutFields      string
	ReturnGeometry bool
	Offset         int
	Count          int
	OrderBy        string
}

// QueryResult is one page of a layer query.
type QueryResult struct {
	Features              []Feature `json:"features"`
	ExceededTransferLimit bool      `json:"exceededTransferLimit"`
}

// Query fetches one page of features from a layer.
func (c *Client) Query(ctx context.Context, layerURL string, q Query) (*QueryResult, error) {
	p := url.Values{}
	where := q.Where
	if where == "" {
		where = "1=1"
	}
	outFields := q.OutFields
	if outFields == "" {
		outFields = "*"
	}
	p.Set("where", where)
	p.Set("outFields", outFields)
	p.Set("returnGeometry", strconv.FormatBool(q.ReturnGeometry))
	if q.Offset > 0 {
		p.Set("resultOffset", strconv.Itoa(q.Offset))
	}
	if q.Count > 0 {
		p.Set("resultRecordCount", strconv.Itoa(q.Count))
	}
	if q.OrderBy != "" {
		p.Set("orderByFields", q.OrderBy)
	}

	var qr QueryResult
	if err := c.do(ctx, http.MethodPost, layerURL+"/query", p, &qr); err != nil {
		return nil, fmt.Errorf("query %s: %w", layerURL, err)
	}
	return &qr, nil
}

// EditError is the per-feature error of an edit operation.
type EditError struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// EditResult is the outcome of adding one feature.
type EditResult struct {
	ObjectID int64      `json:"objectId"`
	Success  bool       `json:"success"`
	Error    *EditError `json:"error,omitempty"`
}

// AddFeatures adds features to a layer. Rejected features are reported in the
// results; an error means the request as a whole failed.
func (c *Client) AddFeatures(ctx context.Context, layerURL string, features []Feature) ([]EditResult, error) {
	payload, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("encode features: %w", err)
	}
	p := url.Values{}
	p.Set("features", string(payload))
	p.Set("rollbackOnFailure", "false")

	var resp struct {
		AddResults []EditResult `json:"addResults"`
	}
	if err := c.do(ctx, http.MethodPost, layerURL+"/addFeatures", p, &resp); err != nil {
		return nil, fmt.Errorf("add features %s: %w", layerURL, err)
	}
	return resp.AddResults, nil
}
