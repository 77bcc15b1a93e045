package config

import (
	"maps"
	"os"
	"slices"
	"strings"
	"time"
)

// Flow defaults applied after merging a flow over the file's defaults.
const (
	ModeSequential = "sequential"
	ModeConcurrent = "concurrent"

	AuthStatic  = "static"
	AuthCommand = "command"
	AuthOAuth2  = "oauth2"

	ExpiryNone   = "none"
	ExpiryJWT    = "jwt"
	ExpiryMaxAge = "max_age"

	RuleQuantityMismatch = "quantity_mismatch"
	RuleFieldBelow       = "field_below"

	DefaultMode         = ModeSequential
	DefaultWorkers      = 4
	DefaultPageSize     = 50
	DefaultAuthAttempts = 3

	// DefaultStopOnShortPage ends a run on a page shorter than the page
	// size. Consoles that cap page sizes below the requested size should
	// turn it off.
	DefaultStopOnShortPage = true
)

// FlowConfig holds the configuration of one flow.
type FlowConfig struct {
	// Platform tags every record of the flow and scopes its natural keys.
	Platform string `yaml:"platform,omitempty"`

	// Account is the console account the flow logs in as.
	Account string `yaml:"account,omitempty"`

	Auth     AuthConfig     `yaml:"auth,omitempty"`
	Request  RequestConfig  `yaml:"request,omitempty"`
	Response ResponseConfig `yaml:"response,omitempty"`
	Paging   PagingConfig   `yaml:"paging,omitempty"`
	Retry    RetryConfig    `yaml:"retry,omitempty"`
	Output   OutputConfig   `yaml:"output,omitempty"`
}

// AuthConfig selects and configures the Authenticator.
type AuthConfig struct {
	// Type is static, command or oauth2.
	Type string `yaml:"type,omitempty"`

	// Credential is a literal credential for the static type.
	// Prefer CredentialEnv so the secret stays out of the file.
	Credential    string `yaml:"credential,omitempty"`
	CredentialEnv string `yaml:"credential_env,omitempty"`

	// Command is the external login driver for the command type.
	// "{account}" in any argument is replaced by the account.
	Command []string      `yaml:"command,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// OAuth2 client credentials.
	TokenURL        string   `yaml:"token_url,omitempty"`
	ClientID        string   `yaml:"client_id,omitempty"`
	ClientSecret    string   `yaml:"client_secret,omitempty"`
	ClientSecretEnv string   `yaml:"client_secret_env,omitempty"`
	Scopes          []string `yaml:"scopes,omitempty"`

	// Expiry decides when a cached session is refreshed before use:
	// none, jwt (exp claim minus Leeway) or max_age.
	Expiry string        `yaml:"expiry,omitempty"`
	MaxAge time.Duration `yaml:"max_age,omitempty"`
	Leeway time.Duration `yaml:"leeway,omitempty"`

	// RefreshTimeout bounds one login.
	RefreshTimeout time.Duration `yaml:"refresh_timeout,omitempty"`
}

// Secret returns the static credential, reading CredentialEnv if set.
func (a AuthConfig) Secret() string {
	if a.CredentialEnv != "" {
		return os.Getenv(a.CredentialEnv)
	}
	return a.Credential
}

// ClientSecretValue returns the OAuth2 client secret, reading
// ClientSecretEnv if set.
func (a AuthConfig) ClientSecretValue() string {
	if a.ClientSecretEnv != "" {
		return os.Getenv(a.ClientSecretEnv)
	}
	return a.ClientSecret
}

// RequestConfig describes how pages are requested.
type RequestConfig struct {
	BaseURL   string            `yaml:"base_url,omitempty"`
	Path      string            `yaml:"path,omitempty"`
	PageParam string            `yaml:"page_param,omitempty"`
	SizeParam string            `yaml:"size_param,omitempty"`
	Query     map[string]string `yaml:"query,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`

	// CredentialHeader and CredentialScheme place the session blob in a
	// header ("Authorization: Bearer <blob>"). CredentialCookie sends the
	// blob as the Cookie header instead.
	CredentialHeader string `yaml:"credential_header,omitempty"`
	CredentialScheme string `yaml:"credential_scheme,omitempty"`
	CredentialCookie bool   `yaml:"credential_cookie,omitempty"`

	UserAgent    string        `yaml:"user_agent,omitempty"`
	Proxy        string        `yaml:"proxy,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	MaxBodyBytes int64         `yaml:"max_body_bytes,omitempty"`
}

// ResponseConfig describes how pages are classified and parsed.
type ResponseConfig struct {
	RecordsPath    string   `yaml:"records_path,omitempty"`
	KeyField       string   `yaml:"key_field,omitempty"`
	TotalPagesPath string   `yaml:"total_pages_path,omitempty"`
	Fields         []string `yaml:"fields,omitempty"`

	// AuthErrorPath and AuthErrorCodes detect a rejected session inside a
	// 200 response. RequiredField is a field every authenticated response
	// carries; its absence means the session was rejected.
	AuthErrorPath  string   `yaml:"auth_error_path,omitempty"`
	AuthErrorCodes []string `yaml:"auth_error_codes,omitempty"`
	RequiredField  string   `yaml:"required_field,omitempty"`
}

// PagingConfig controls orchestration.
type PagingConfig struct {
	// Mode is sequential or concurrent.
	Mode    string `yaml:"mode,omitempty"`
	Workers int    `yaml:"workers,omitempty"`

	PageSize        int `yaml:"page_size,omitempty"`
	FirstPage       int `yaml:"first_page,omitempty"`
	MaxPages        int `yaml:"max_pages,omitempty"`
	AuthAttempts    int `yaml:"auth_attempts,omitempty"`
	BufferThreshold int `yaml:"buffer_threshold,omitempty"`

	// MaxConsecutiveSkips aborts after this many skipped pages in a row.
	// Unset keeps the default, 0 disables the limit.
	MaxConsecutiveSkips *int `yaml:"max_consecutive_skips,omitempty"`

	StopOnShortPage        *bool `yaml:"stop_on_short_page,omitempty"`
	SkipExhaustedPages     *bool `yaml:"skip_exhausted_pages,omitempty"`
	ContinueOnStorageError *bool `yaml:"continue_on_storage_error,omitempty"`

	DrainTimeout    time.Duration `yaml:"drain_timeout,omitempty"`
	ConsumerTimeout time.Duration `yaml:"consumer_timeout,omitempty"`

	Cutoff CutoffConfig `yaml:"cutoff,omitempty"`
}

// CutoffConfig stops a run at the first page holding a record whose
// timestamp field is older than OlderThan.
type CutoffConfig struct {
	Field     string        `yaml:"field,omitempty"`
	OlderThan time.Duration `yaml:"older_than,omitempty"`

	// Layout is the time layout of Field. Default RFC 3339.
	Layout string `yaml:"layout,omitempty"`
}

// Enabled reports whether a cutoff is configured.
func (c CutoffConfig) Enabled() bool {
	return c.Field != "" || c.OlderThan != 0
}

// RetryConfig is the retry policy for TRANSIENT failures.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts,omitempty"`
	InitialBackoff time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff,omitempty"`
	Factor         float64       `yaml:"factor,omitempty"`
	Jitter         float64       `yaml:"jitter,omitempty"`
}

// OutputConfig selects the sinks next to the database.
type OutputConfig struct {
	// CSV is the file fresh records are appended to.
	CSV string `yaml:"csv,omitempty"`

	// Alerts is "log" or the path of a JSON lines file for anomalies.
	Alerts string `yaml:"alerts,omitempty"`

	Anomaly AnomalyConfig `yaml:"anomaly,omitempty"`
}

// AnomalyConfig selects the anomaly predicate.
type AnomalyConfig struct {
	// Rule is quantity_mismatch or field_below.
	Rule string `yaml:"rule,omitempty"`

	// Name labels alerts. Defaults to Rule.
	Name string `yaml:"name,omitempty"`

	// Delivered and Received are the fields compared by quantity_mismatch.
	Delivered string `yaml:"delivered,omitempty"`
	Received  string `yaml:"received,omitempty"`

	// Field and Min configure field_below.
	Field string  `yaml:"field,omitempty"`
	Min   float64 `yaml:"min,omitempty"`
}

// Enabled reports whether an anomaly rule is configured.
func (a AnomalyConfig) Enabled() bool {
	return a.Rule != ""
}

// File represents the structure of the .harvest.yaml flow file.
type File struct {
	// Flows maps flow names to their configuration.
	Flows map[string]FlowConfig `yaml:"flows,omitempty"`

	// Defaults is applied to every flow unless the flow overrides it.
	Defaults FlowConfig `yaml:"defaults,omitempty"`
}

// FlowNames returns the flow names in sorted order.
func (cf *File) FlowNames() []string {
	return slices.Sorted(maps.Keys(cf.Flows))
}

// GetFlowConfig returns the configuration for a flow: the flow's own
// settings merged over the file's defaults, with built-in defaults for
// whatever is still unset.
func (cf *File) GetFlowConfig(name string) FlowConfig {
	result := cf.Defaults.clone()

	if flow, ok := cf.Flows[name]; ok {
		result.mergeFrom(flow)
	}

	result.applyDefaults()
	return result
}

// clone copies the maps and slices so merging never writes through to the
// file's defaults.
func (f FlowConfig) clone() FlowConfig {
	f.Request.Query = maps.Clone(f.Request.Query)
	f.Request.Headers = maps.Clone(f.Request.Headers)
	f.Response.Fields = slices.Clone(f.Response.Fields)
	f.Response.AuthErrorCodes = slices.Clone(f.Response.AuthErrorCodes)
	f.Auth.Command = slices.Clone(f.Auth.Command)
	f.Auth.Scopes = slices.Clone(f.Auth.Scopes)
	return f
}

// mergeFrom overrides f with every field set in o. Maps are merged key by
// key; slices replace.
func (f *FlowConfig) mergeFrom(o FlowConfig) {
	setString(&f.Platform, o.Platform)
	setString(&f.Account, o.Account)

	a := &f.Auth
	setString(&a.Type, o.Auth.Type)
	setString(&a.Credential, o.Auth.Credential)
	setString(&a.CredentialEnv, o.Auth.CredentialEnv)
	setSlice(&a.Command, o.Auth.Command)
	setValue(&a.Timeout, o.Auth.Timeout)
	setString(&a.TokenURL, o.Auth.TokenURL)
	setString(&a.ClientID, o.Auth.ClientID)
	setString(&a.ClientSecret, o.Auth.ClientSecret)
	setString(&a.ClientSecretEnv, o.Auth.ClientSecretEnv)
	setSlice(&a.Scopes, o.Auth.Scopes)
	setString(&a.Expiry, o.Auth.Expiry)
	setValue(&a.MaxAge, o.Auth.MaxAge)
	setValue(&a.Leeway, o.Auth.Leeway)
	setValue(&a.RefreshTimeout, o.Auth.RefreshTimeout)

	r := &f.Request
	setString(&r.BaseURL, o.Request.BaseURL)
	setString(&r.Path, o.Request.Path)
	setString(&r.PageParam, o.Request.PageParam)
	setString(&r.SizeParam, o.Request.SizeParam)
	r.Query = mergeMap(r.Query, o.Request.Query)
	r.Headers = mergeMap(r.Headers, o.Request.Headers)
	setString(&r.CredentialHeader, o.Request.CredentialHeader)
	setString(&r.CredentialScheme, o.Request.CredentialScheme)
	if o.Request.CredentialCookie {
		r.CredentialCookie = true
	}
	setString(&r.UserAgent, o.Request.UserAgent)
	setString(&r.Proxy, o.Request.Proxy)
	setValue(&r.Timeout, o.Request.Timeout)
	setValue(&r.MaxBodyBytes, o.Request.MaxBodyBytes)

	s := &f.Response
	setString(&s.RecordsPath, o.Response.RecordsPath)
	setString(&s.KeyField, o.Response.KeyField)
	setString(&s.TotalPagesPath, o.Response.TotalPagesPath)
	setSlice(&s.Fields, o.Response.Fields)
	setString(&s.AuthErrorPath, o.Response.AuthErrorPath)
	setSlice(&s.AuthErrorCodes, o.Response.AuthErrorCodes)
	setString(&s.RequiredField, o.Response.RequiredField)

	p := &f.Paging
	setString(&p.Mode, o.Paging.Mode)
	setValue(&p.Workers, o.Paging.Workers)
	setValue(&p.PageSize, o.Paging.PageSize)
	setValue(&p.FirstPage, o.Paging.FirstPage)
	setValue(&p.MaxPages, o.Paging.MaxPages)
	setValue(&p.AuthAttempts, o.Paging.AuthAttempts)
	setValue(&p.BufferThreshold, o.Paging.BufferThreshold)
	setPointer(&p.MaxConsecutiveSkips, o.Paging.MaxConsecutiveSkips)
	setPointer(&p.StopOnShortPage, o.Paging.StopOnShortPage)
	setPointer(&p.SkipExhaustedPages, o.Paging.SkipExhaustedPages)
	setPointer(&p.ContinueOnStorageError, o.Paging.ContinueOnStorageError)
	setValue(&p.DrainTimeout, o.Paging.DrainTimeout)
	setValue(&p.ConsumerTimeout, o.Paging.ConsumerTimeout)
	if o.Paging.Cutoff.Enabled() {
		p.Cutoff = o.Paging.Cutoff
	}

	t := &f.Retry
	setValue(&t.MaxAttempts, o.Retry.MaxAttempts)
	setValue(&t.InitialBackoff, o.Retry.InitialBackoff)
	setValue(&t.MaxBackoff, o.Retry.MaxBackoff)
	setValue(&t.Factor, o.Retry.Factor)
	setValue(&t.Jitter, o.Retry.Jitter)

	setString(&f.Output.CSV, o.Output.CSV)
	setString(&f.Output.Alerts, o.Output.Alerts)
	if o.Output.Anomaly.Enabled() {
		f.Output.Anomaly = o.Output.Anomaly
	}
}

// applyDefaults fills settings no layer set.
func (f *FlowConfig) applyDefaults() {
	fallback(&f.Auth.Type, AuthStatic)
	fallback(&f.Auth.Expiry, ExpiryNone)
	f.Paging.Mode = strings.ToLower(f.Paging.Mode)
	fallback(&f.Paging.Mode, DefaultMode)
	fallback(&f.Paging.Workers, DefaultWorkers)
	fallback(&f.Paging.PageSize, DefaultPageSize)
	fallback(&f.Paging.AuthAttempts, DefaultAuthAttempts)
	if f.Paging.StopOnShortPage == nil {
		v := DefaultStopOnShortPage
		f.Paging.StopOnShortPage = &v
	}
	if f.Output.Anomaly.Enabled() {
		fallback(&f.Output.Anomaly.Name, f.Output.Anomaly.Rule)
	}
}

// Validate checks a merged flow.
func (f FlowConfig) Validate() error {
	switch {
	case f.Platform == "":
		return ErrMissingPlatform
	case f.Account == "":
		return ErrMissingAccount
	case f.Request.BaseURL == "":
		return ErrMissingBaseURL
	case f.Response.KeyField == "":
		return ErrMissingKeyField
	case f.Paging.PageSize < 0:
		return ErrInvalidPageSize
	case f.Paging.MaxConsecutiveSkips != nil && *f.Paging.MaxConsecutiveSkips < 0:
		return ErrInvalidSkipLimit
	}

	switch f.Paging.Mode {
	case ModeSequential:
	case ModeConcurrent:
		if f.Paging.Workers <= 0 {
			return ErrInvalidWorkers
		}
	default:
		return ErrInvalidMode
	}

	switch f.Auth.Type {
	case AuthStatic:
		if f.Auth.Credential == "" && f.Auth.CredentialEnv == "" {
			return ErrMissingCredential
		}
	case AuthCommand:
		if len(f.Auth.Command) == 0 {
			return ErrMissingCredential
		}
	case AuthOAuth2:
		if f.Auth.TokenURL == "" || f.Auth.ClientID == "" {
			return ErrMissingCredential
		}
	default:
		return ErrInvalidAuthType
	}

	switch f.Auth.Expiry {
	case ExpiryNone, ExpiryJWT:
	case ExpiryMaxAge:
		if f.Auth.MaxAge <= 0 {
			return ErrInvalidExpiry
		}
	default:
		return ErrInvalidExpiry
	}

	if c := f.Paging.Cutoff; c.Enabled() && (c.Field == "" || c.OlderThan <= 0) {
		return ErrInvalidCutoff
	}

	if a := f.Output.Anomaly; a.Enabled() {
		switch a.Rule {
		case RuleQuantityMismatch:
			if a.Delivered == "" || a.Received == "" {
				return ErrInvalidAnomalyRule
			}
		case RuleFieldBelow:
			if a.Field == "" {
				return ErrInvalidAnomalyRule
			}
		default:
			return ErrInvalidAnomalyRule
		}
	}

	return nil
}

// Validate checks every flow in the file and reports the first problem,
// wrapped in a FlowError.
func (cf *File) Validate() error {
	if len(cf.Flows) == 0 {
		return ErrNoFlows
	}
	for _, name := range cf.FlowNames() {
		if err := cf.GetFlowConfig(name).Validate(); err != nil {
			return &FlowError{Flow: name, Err: err}
		}
	}
	return nil
}

func setString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// fallback sets *dst to def when it is still the zero value.
func fallback[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}

func setValue[T comparable](dst *T, src T) {
	var zero T
	if src != zero {
		*dst = src
	}
}

func setPointer[T any](dst **T, src *T) {
	if src != nil {
		v := *src
		*dst = &v
	}
}

func setSlice[T any](dst *[]T, src []T) {
	if len(src) > 0 {
		*dst = slices.Clone(src)
	}
}

func mergeMap(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	maps.Copy(dst, src)
	return dst
}
