package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// Authenticator produces a fresh opaque credential blob for an account.
// Implementations may take tens of seconds and must honor ctx.
type Authenticator interface {
	Authenticate(ctx context.Context, account string) (string, error)
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, account string) (string, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, account string) (string, error) {
	return f(ctx, account)
}

// ErrUnknownAccount is returned when an Authenticator has no material for the account.
var ErrUnknownAccount = errors.New("unknown account")

// StaticAuthenticator returns fixed credentials, typically loaded from config.
type StaticAuthenticator map[string]string

// Authenticate returns the configured credential for account.
func (s StaticAuthenticator) Authenticate(_ context.Context, account string) (string, error) {
	blob, ok := s[account]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return blob, nil
}

// accountPlaceholder is substituted with the account name in command arguments.
const accountPlaceholder = "{account}"

// CommandAuthenticator runs an external login driver (for example a headless
// browser script) and reads the credential blob from its standard output.
// The account name is substituted for "{account}" in Args and is also
// exported as HARVEST_ACCOUNT.
type CommandAuthenticator struct {
	Args    []string
	Timeout time.Duration
}

// NewCommandAuthenticator creates a CommandAuthenticator.
func NewCommandAuthenticator(args []string, timeout time.Duration) *CommandAuthenticator {
	return &CommandAuthenticator{Args: args, Timeout: timeout}
}

// ErrNoCommand is returned when a CommandAuthenticator has no arguments.
var ErrNoCommand = errors.New("login command is not configured")

// Authenticate runs the login command once.
func (c *CommandAuthenticator) Authenticate(ctx context.Context, account string) (string, error) {
	if len(c.Args) == 0 {
		return "", ErrNoCommand
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = strings.ReplaceAll(arg, accountPlaceholder, account)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // command comes from the operator's config
	cmd.Env = append(os.Environ(), "HARVEST_ACCOUNT="+account)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("login command failed: %w: %s", err, msg)
		}
		return "", fmt.Errorf("login command failed: %w", err)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// OAuth2Authenticator obtains bearer tokens with the client credentials grant.
// Configs maps an account to its client; Default is used for accounts
// without an entry.
type OAuth2Authenticator struct {
	Configs map[string]*clientcredentials.Config
	Default *clientcredentials.Config
}

// Authenticate fetches a new access token and returns it as an
// Authorization header value.
func (o *OAuth2Authenticator) Authenticate(ctx context.Context, account string) (string, error) {
	cfg := o.Configs[account]
	if cfg == nil {
		cfg = o.Default
	}
	if cfg == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}

	token, err := cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}

	tokenType := token.Type()
	return tokenType + " " + token.AccessToken, nil
}
