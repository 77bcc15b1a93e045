package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/consoleharvest/internal/model"
)

// Defaults for HTTPJSONOptions.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultUserAgent        = "consoleharvest/1.0"
	DefaultPageParam        = "page"
	DefaultSizeParam        = "page_size"
	DefaultCredentialHeader = "Authorization"
	DefaultMaxBodyBytes     = 16 << 20
)

// Errors returned while building or parsing with an HTTPJSON adapter.
var (
	// ErrBaseURLRequired is returned when HTTPJSONOptions.BaseURL is empty.
	ErrBaseURLRequired = errors.New("base URL is required")

	// ErrKeyFieldRequired is returned when HTTPJSONOptions.KeyField is empty.
	ErrKeyFieldRequired = errors.New("key field is required")

	// ErrBodyTooLarge is returned when a response exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("response body exceeds size limit")
)

// HTTPJSONOptions describes how to page through one JSON console.
type HTTPJSONOptions struct {
	// Platform tags every produced record.
	Platform string

	// BaseURL and Path form the listing endpoint.
	BaseURL string
	Path    string

	// PageParam and SizeParam are the query parameter names for the page
	// number and page size. Query holds fixed extra parameters.
	PageParam string
	SizeParam string
	Query     map[string]string

	// CredentialHeader receives the session blob, prefixed with
	// CredentialScheme when set (for example "Bearer").
	// When CredentialCookie is true the blob is sent as the Cookie header.
	CredentialHeader string
	CredentialScheme string
	CredentialCookie bool

	// Headers are sent with every request.
	Headers map[string]string

	// RecordsPath locates the record array in the body; empty means the
	// body itself is the array.
	RecordsPath string

	// KeyField is the natural key inside each record.
	KeyField string

	// TotalPagesPath optionally locates the total page count.
	TotalPagesPath string

	// Fields restricts the captured fields. Empty captures all of them.
	Fields []string

	Classifier StatusClassifier

	// ProxyAddress routes requests through a SOCKS5 proxy ("host:port").
	ProxyAddress string

	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64

	// HTTPClient overrides the client built from the options above.
	HTTPClient *http.Client
}

// HTTPJSON is a PageFetcher for consoles exposing a paginated JSON API.
type HTTPJSON struct {
	opts     HTTPJSONOptions
	endpoint *url.URL
	client   *http.Client
	now      func() time.Time
}

// NewHTTPJSON validates opts and builds the adapter.
func NewHTTPJSON(opts HTTPJSONOptions) (*HTTPJSON, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, ErrBaseURLRequired
	}
	if strings.TrimSpace(opts.KeyField) == "" {
		return nil, ErrKeyFieldRequired
	}

	endpoint, err := url.Parse(strings.TrimRight(base, "/") + "/" + strings.TrimLeft(opts.Path, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", base)
	}

	if opts.PageParam == "" {
		opts.PageParam = DefaultPageParam
	}
	if opts.SizeParam == "" {
		opts.SizeParam = DefaultSizeParam
	}
	if opts.CredentialHeader == "" {
		opts.CredentialHeader = DefaultCredentialHeader
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}

	client := opts.HTTPClient
	if client == nil {
		if opts.ProxyAddress != "" {
			client, err = NewProxyClient(opts.ProxyAddress, opts.Timeout)
			if err != nil {
				return nil, err
			}
		} else {
			client = &http.Client{Timeout: opts.Timeout}
		}
	}

	return &HTTPJSON{
		opts:     opts,
		endpoint: endpoint,
		client:   client,
		now:      time.Now,
	}, nil
}

// Fetch requests one page.
func (h *HTTPJSON) Fetch(ctx context.Context, session model.Session, req model.PageRequest) (*Response, error) {
	u := *h.endpoint
	q := u.Query()
	for k, v := range h.opts.Query {
		q.Set(k, v)
	}
	q.Set(h.opts.PageParam, strconv.Itoa(req.Number))
	if req.Size > 0 {
		q.Set(h.opts.SizeParam, strconv.Itoa(req.Size))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrFatalResponse, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", h.opts.UserAgent)
	for k, v := range h.opts.Headers {
		httpReq.Header.Set(k, v)
	}
	h.applyCredential(httpReq, session)

	start := h.now()
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > h.opts.MaxBodyBytes {
		return nil, fmt.Errorf("%w: %w (%d bytes)", model.ErrMalformedResponse, ErrBodyTooLarge, h.opts.MaxBodyBytes)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Latency:    h.now().Sub(start),
	}, nil
}

// applyCredential places the session blob where the console expects it.
func (h *HTTPJSON) applyCredential(req *http.Request, session model.Session) {
	if session.Blob == "" {
		return
	}
	if h.opts.CredentialCookie {
		req.Header.Set("Cookie", session.Blob)
		return
	}
	value := session.Blob
	if h.opts.CredentialScheme != "" && !strings.HasPrefix(value, h.opts.CredentialScheme+" ") {
		value = h.opts.CredentialScheme + " " + value
	}
	req.Header.Set(h.opts.CredentialHeader, value)
}

// Classify delegates to the configured StatusClassifier.
func (h *HTTPJSON) Classify(resp *Response) model.Classification {
	return h.opts.Classifier.Classify(resp)
}

// Parse extracts records and the optional total page count.
func (h *HTTPJSON) Parse(resp *Response) (model.Page, error) {
	doc, err := decodeJSON(resp.Body)
	if err != nil {
		return model.Page{}, fmt.Errorf("decode body: %w", err)
	}

	raw, ok := lookup(doc, h.opts.RecordsPath)
	if !ok {
		return model.Page{}, fmt.Errorf("records path %q not found", h.opts.RecordsPath)
	}
	var items []interface{}
	if raw != nil {
		items, ok = raw.([]interface{})
		if !ok {
			return model.Page{}, fmt.Errorf("records path %q is not an array", h.opts.RecordsPath)
		}
	}

	fetchedAt := h.now().UTC()
	records := make([]model.Record, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return model.Page{}, fmt.Errorf("record %d is not an object", i)
		}
		record, err := h.toRecord(obj, fetchedAt)
		if err != nil {
			return model.Page{}, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, record)
	}

	page := model.Page{Records: records}
	if h.opts.TotalPagesPath != "" {
		if v, ok := lookup(doc, h.opts.TotalPagesPath); ok {
			if total, err := strconv.Atoi(stringify(v)); err == nil && total > 0 {
				page.TotalPages = total
			}
		}
	}
	return page, nil
}

// toRecord normalizes one decoded JSON object into the common record shape.
func (h *HTTPJSON) toRecord(obj map[string]interface{}, fetchedAt time.Time) (model.Record, error) {
	keyValue, ok := lookup(obj, h.opts.KeyField)
	key := stringify(keyValue)
	if !ok || key == "" {
		return model.Record{}, fmt.Errorf("missing key field %q", h.opts.KeyField)
	}

	fields := make(map[string]string)
	if len(h.opts.Fields) > 0 {
		for _, name := range h.opts.Fields {
			if v, ok := lookup(obj, name); ok {
				fields[name] = stringify(v)
			}
		}
	} else {
		for name, v := range obj {
			if name == h.opts.KeyField {
				continue
			}
			fields[name] = stringify(v)
		}
	}

	return model.Record{
		Platform:  h.opts.Platform,
		Key:       key,
		Fields:    fields,
		FetchedAt: fetchedAt,
	}, nil
}
