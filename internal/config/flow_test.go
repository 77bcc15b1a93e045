package config

import (
	"errors"
	"testing"
	"time"
)

func boolPtr(v bool) *bool { return &v }

func intPtr(v int) *int { return &v }

// validFlow returns a merged flow that passes validation.
func validFlow() FlowConfig {
	f := FlowConfig{
		Platform: "acme",
		Account:  "ops@example.com",
		Auth:     AuthConfig{Credential: "s3cret"},
		Request:  RequestConfig{BaseURL: "https://console.acme.test"},
		Response: ResponseConfig{KeyField: "id"},
	}
	f.applyDefaults()
	return f
}

// TestGetFlowConfig tests merging a flow over the file's defaults.
func TestGetFlowConfig(t *testing.T) {
	t.Parallel()

	newFile := func() *File {
		return &File{
			Defaults: FlowConfig{
				Account: "ops@example.com",
				Request: RequestConfig{
					Headers: map[string]string{"Accept": "application/json", "X-Tenant": "1"},
				},
				Response: ResponseConfig{Fields: []string{"status"}},
				Paging: PagingConfig{
					PageSize:           100,
					SkipExhaustedPages: boolPtr(true),
				},
				Retry: RetryConfig{MaxAttempts: 5},
			},
			Flows: map[string]FlowConfig{
				"orders": {
					Platform: "acme",
					Request: RequestConfig{
						BaseURL: "https://console.acme.test",
						Headers: map[string]string{"X-Tenant": "42"},
					},
					Response: ResponseConfig{Fields: []string{"quantity", "price"}},
					Paging: PagingConfig{
						Mode:            "CONCURRENT",
						StopOnShortPage: boolPtr(false),
					},
				},
			},
		}
	}

	t.Run("flow values override defaults", func(t *testing.T) {
		t.Parallel()

		got := newFile().GetFlowConfig("orders")
		if got.Platform != "acme" {
			t.Errorf("expected platform acme, got %q", got.Platform)
		}
		if got.Account != "ops@example.com" {
			t.Errorf("expected default account, got %q", got.Account)
		}
		if got.Paging.PageSize != 100 {
			t.Errorf("expected default page size 100, got %d", got.Paging.PageSize)
		}
		if got.Retry.MaxAttempts != 5 {
			t.Errorf("expected default max attempts 5, got %d", got.Retry.MaxAttempts)
		}
	})

	t.Run("maps merge key by key", func(t *testing.T) {
		t.Parallel()

		got := newFile().GetFlowConfig("orders")
		if got.Request.Headers["Accept"] != "application/json" {
			t.Error("expected Accept header from defaults")
		}
		if got.Request.Headers["X-Tenant"] != "42" {
			t.Errorf("expected flow X-Tenant, got %q", got.Request.Headers["X-Tenant"])
		}
	})

	t.Run("slices replace", func(t *testing.T) {
		t.Parallel()

		got := newFile().GetFlowConfig("orders")
		if len(got.Response.Fields) != 2 || got.Response.Fields[0] != "quantity" {
			t.Errorf("expected flow fields, got %v", got.Response.Fields)
		}
	})

	t.Run("explicit false survives the merge", func(t *testing.T) {
		t.Parallel()

		got := newFile().GetFlowConfig("orders")
		if *got.Paging.StopOnShortPage {
			t.Error("expected stop_on_short_page false")
		}
		if got.Paging.SkipExhaustedPages == nil || !*got.Paging.SkipExhaustedPages {
			t.Error("expected skip_exhausted_pages from defaults")
		}
	})

	t.Run("built-in defaults fill the rest", func(t *testing.T) {
		t.Parallel()

		got := newFile().GetFlowConfig("orders")
		if got.Paging.Mode != ModeConcurrent {
			t.Errorf("expected lower-cased mode, got %q", got.Paging.Mode)
		}
		if got.Paging.Workers != DefaultWorkers {
			t.Errorf("expected %d workers, got %d", DefaultWorkers, got.Paging.Workers)
		}
		if got.Paging.AuthAttempts != DefaultAuthAttempts {
			t.Errorf("expected %d auth attempts, got %d", DefaultAuthAttempts, got.Paging.AuthAttempts)
		}
		if got.Auth.Type != AuthStatic || got.Auth.Expiry != ExpiryNone {
			t.Errorf("expected static auth without expiry, got %q/%q", got.Auth.Type, got.Auth.Expiry)
		}
	})

	t.Run("unknown flow gets defaults only", func(t *testing.T) {
		t.Parallel()

		got := newFile().GetFlowConfig("missing")
		if got.Platform != "" {
			t.Errorf("expected empty platform, got %q", got.Platform)
		}
		if got.Paging.StopOnShortPage == nil || !*got.Paging.StopOnShortPage {
			t.Error("expected stop_on_short_page to default to true")
		}
	})

	t.Run("merging never mutates the defaults", func(t *testing.T) {
		t.Parallel()

		file := newFile()
		_ = file.GetFlowConfig("orders")
		if file.Defaults.Request.Headers["X-Tenant"] != "1" {
			t.Error("defaults header was overwritten")
		}
		if file.Defaults.Paging.Mode != "" {
			t.Error("defaults mode was filled in")
		}
		if file.Defaults.Paging.StopOnShortPage != nil {
			t.Error("defaults stop_on_short_page was set")
		}
	})

	t.Run("explicit zero skip limit survives the merge", func(t *testing.T) {
		t.Parallel()

		file := newFile()
		file.Defaults.Paging.MaxConsecutiveSkips = intPtr(5)
		flow := file.Flows["orders"]
		flow.Paging.MaxConsecutiveSkips = intPtr(0)
		file.Flows["orders"] = flow

		got := file.GetFlowConfig("orders")
		if got.Paging.MaxConsecutiveSkips == nil || *got.Paging.MaxConsecutiveSkips != 0 {
			t.Errorf("expected max_consecutive_skips 0, got %v", got.Paging.MaxConsecutiveSkips)
		}
		if *file.Defaults.Paging.MaxConsecutiveSkips != 5 {
			t.Error("defaults max_consecutive_skips was overwritten")
		}

		got = file.GetFlowConfig("missing")
		if got.Paging.MaxConsecutiveSkips == nil || *got.Paging.MaxConsecutiveSkips != 5 {
			t.Errorf("expected default max_consecutive_skips 5, got %v", got.Paging.MaxConsecutiveSkips)
		}
	})

	t.Run("anomaly name defaults to the rule", func(t *testing.T) {
		t.Parallel()

		file := newFile()
		flow := file.Flows["orders"]
		flow.Output.Anomaly = AnomalyConfig{Rule: RuleFieldBelow, Field: "stock"}
		file.Flows["orders"] = flow

		got := file.GetFlowConfig("orders")
		if got.Output.Anomaly.Name != RuleFieldBelow {
			t.Errorf("expected name %q, got %q", RuleFieldBelow, got.Output.Anomaly.Name)
		}
	})
}

// TestFlowConfigValidate tests validation of a merged flow.
func TestFlowConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*FlowConfig)
		want   error
	}{
		{name: "valid flow", modify: func(*FlowConfig) {}},
		{name: "missing platform", modify: func(f *FlowConfig) { f.Platform = "" }, want: ErrMissingPlatform},
		{name: "missing account", modify: func(f *FlowConfig) { f.Account = "" }, want: ErrMissingAccount},
		{name: "missing base url", modify: func(f *FlowConfig) { f.Request.BaseURL = "" }, want: ErrMissingBaseURL},
		{name: "missing key field", modify: func(f *FlowConfig) { f.Response.KeyField = "" }, want: ErrMissingKeyField},
		{name: "negative page size", modify: func(f *FlowConfig) { f.Paging.PageSize = -1 }, want: ErrInvalidPageSize},
		{name: "negative skip limit", modify: func(f *FlowConfig) { f.Paging.MaxConsecutiveSkips = intPtr(-1) }, want: ErrInvalidSkipLimit},
		{name: "zero skip limit", modify: func(f *FlowConfig) { f.Paging.MaxConsecutiveSkips = intPtr(0) }},
		{name: "unknown mode", modify: func(f *FlowConfig) { f.Paging.Mode = "parallel" }, want: ErrInvalidMode},
		{
			name: "concurrent without workers",
			modify: func(f *FlowConfig) {
				f.Paging.Mode = ModeConcurrent
				f.Paging.Workers = 0
			},
			want: ErrInvalidWorkers,
		},
		{name: "unknown auth type", modify: func(f *FlowConfig) { f.Auth.Type = "saml" }, want: ErrInvalidAuthType},
		{name: "static without credential", modify: func(f *FlowConfig) { f.Auth.Credential = "" }, want: ErrMissingCredential},
		{
			name: "static from environment",
			modify: func(f *FlowConfig) {
				f.Auth.Credential = ""
				f.Auth.CredentialEnv = "ACME_SESSION"
			},
		},
		{name: "command without argv", modify: func(f *FlowConfig) { f.Auth.Type = AuthCommand }, want: ErrMissingCredential},
		{
			name: "command with argv",
			modify: func(f *FlowConfig) {
				f.Auth.Type = AuthCommand
				f.Auth.Command = []string{"acme-login", "{account}"}
			},
		},
		{name: "oauth2 without token url", modify: func(f *FlowConfig) { f.Auth.Type = AuthOAuth2 }, want: ErrMissingCredential},
		{name: "unknown expiry", modify: func(f *FlowConfig) { f.Auth.Expiry = "sometimes" }, want: ErrInvalidExpiry},
		{name: "max age without duration", modify: func(f *FlowConfig) { f.Auth.Expiry = ExpiryMaxAge }, want: ErrInvalidExpiry},
		{
			name: "max age with duration",
			modify: func(f *FlowConfig) {
				f.Auth.Expiry = ExpiryMaxAge
				f.Auth.MaxAge = time.Hour
			},
		},
		{
			name:   "cutoff without field",
			modify: func(f *FlowConfig) { f.Paging.Cutoff.OlderThan = time.Hour },
			want:   ErrInvalidCutoff,
		},
		{
			name:   "cutoff with field",
			modify: func(f *FlowConfig) { f.Paging.Cutoff = CutoffConfig{Field: "created_at", OlderThan: 24 * time.Hour} },
		},
		{
			name:   "quantity mismatch without fields",
			modify: func(f *FlowConfig) { f.Output.Anomaly.Rule = RuleQuantityMismatch },
			want:   ErrInvalidAnomalyRule,
		},
		{
			name:   "unknown anomaly rule",
			modify: func(f *FlowConfig) { f.Output.Anomaly.Rule = "gut_feeling" },
			want:   ErrInvalidAnomalyRule,
		},
		{
			name: "field below",
			modify: func(f *FlowConfig) {
				f.Output.Anomaly = AnomalyConfig{Rule: RuleFieldBelow, Field: "stock", Min: 1}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := validFlow()
			tt.modify(&f)

			err := f.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// TestFileValidate tests that flow problems are reported with the flow name.
func TestFileValidate(t *testing.T) {
	t.Parallel()

	t.Run("no flows", func(t *testing.T) {
		t.Parallel()

		if err := (&File{}).Validate(); !errors.Is(err, ErrNoFlows) {
			t.Errorf("expected ErrNoFlows, got %v", err)
		}
	})

	t.Run("invalid flow", func(t *testing.T) {
		t.Parallel()

		file := &File{Flows: map[string]FlowConfig{"orders": {Platform: "acme"}}}
		err := file.Validate()

		var flowErr *FlowError
		if !errors.As(err, &flowErr) {
			t.Fatalf("expected FlowError, got %v", err)
		}
		if flowErr.Flow != "orders" {
			t.Errorf("expected flow orders, got %q", flowErr.Flow)
		}
		if !errors.Is(err, ErrMissingAccount) {
			t.Errorf("expected ErrMissingAccount, got %v", err)
		}
	})
}

// TestAuthConfigSecret tests reading secrets from the environment.
func TestAuthConfigSecret(t *testing.T) {
	t.Setenv("HARVEST_TEST_SESSION", "from-env")
	t.Setenv("HARVEST_TEST_CLIENT", "client-from-env")

	literal := AuthConfig{Credential: "literal", ClientSecret: "client-literal"}
	if literal.Secret() != "literal" || literal.ClientSecretValue() != "client-literal" {
		t.Error("expected literal secrets")
	}

	env := AuthConfig{
		Credential:      "literal",
		CredentialEnv:   "HARVEST_TEST_SESSION",
		ClientSecretEnv: "HARVEST_TEST_CLIENT",
	}
	if env.Secret() != "from-env" {
		t.Errorf("expected secret from environment, got %q", env.Secret())
	}
	if env.ClientSecretValue() != "client-from-env" {
		t.Errorf("expected client secret from environment, got %q", env.ClientSecretValue())
	}
}
