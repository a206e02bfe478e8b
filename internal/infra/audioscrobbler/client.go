// Package audioscrobbler provides a client for Audioscrobbler 2.0 compatible
// scrobbling services (Last.fm, Libre.fm and self-hosted servers).
package audioscrobbler

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/scrobblebox/internal/domain/account"
	"github.com/osa030/scrobblebox/internal/domain/track"
)

// MaxBatchSize is the largest batch the protocol accepts.
const MaxBatchSize = 50

var (
	// ErrAuthenticationFailed is returned for rejected credentials, keys or signatures.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrSubmissionFailed is returned when a batch could not be delivered.
	ErrSubmissionFailed = errors.New("submission failed")
	// ErrTransient marks failures worth retrying.
	ErrTransient = errors.New("transient failure")
	// ErrNotAuthenticated is returned by Submit before a successful Authenticate.
	ErrNotAuthenticated = errors.New("client is not authenticated")
)

// API error codes the client reacts to.
const (
	codeAuthFailed       = 4
	codeOperationFailed  = 8
	codeInvalidSession   = 9
	codeInvalidAPIKey    = 10
	codeServiceOffline   = 11
	codeInvalidSignature = 13
	codeTemporaryError   = 16
	codeSuspendedAPIKey  = 26
	codeRateLimit        = 29
)

// Ignored codes of a single scrobble.
const (
	ignoredNone           = "0"
	ignoredDailyLimit     = "5"
	ignoredAlreadyCounted = "91"
)

// Config represents the settings of one service.
type Config struct {
	Name           string
	BaseURL        string
	APIKey         string
	APISecret      string
	BatchSize      int
	MaxAttempts    int
	RetryDelay     time.Duration
	MaxRetryDelay  time.Duration
	Timeout        time.Duration
	DebugResponses bool
}

// Known service endpoints.
const (
	LastFMURL  = "https://ws.audioscrobbler.com/2.0/"
	LibreFMURL = "https://libre.fm/2.0/"

	// LibreFMKey is used as both key and secret; Libre.fm accepts any pair.
	LibreFMKey = "scrobblebox"
)

// State is the lifecycle state of a Client.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateSubmitting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateSubmitting:
		return "submitting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status is the outcome of one submitted candidate.
type Status int

const (
	// StatusAccepted means the service counted the scrobble (or already had it).
	StatusAccepted Status = iota
	// StatusRejected means the service conclusively ignored the scrobble.
	StatusRejected
	// StatusFailed means the outcome is unknown; the candidate stays pending.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	default:
		return "failed"
	}
}

// Result is the outcome of one candidate of a batch.
type Result struct {
	Candidate track.Candidate
	Status    Status
	Code      string // ignored code for rejected items
	Message   string
	Err       error // cause for failed items
}

// Client talks to one service on behalf of one account.
// It is not safe for concurrent use.
type Client struct {
	cfg        Config
	binding    account.Binding
	baseURL    string
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	state      State
	sessionKey string
}

// New creates a new client. Zero values in cfg are replaced by defaults.
func New(cfg Config, binding account.Binding) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.Newf("service %s: base url is required", cfg.Name)
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.Newf("service %s: api key and secret are required", cfg.Name)
	}
	if !binding.HasCredentials() {
		return nil, errors.Newf("account %s has no credentials", binding.ID())
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}

	return &Client{
		cfg:        cfg,
		binding:    binding,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		sleep:      sleepContext,
		state:      StateUnauthenticated,
	}, nil
}

// BatchSize returns the effective batch size.
func (c *Client) BatchSize() int {
	return c.cfg.BatchSize
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	zlog.Debug().Msgf("client state: account=%s from=%s to=%s", c.binding.ID(), c.state, s)
	c.state = s
}

// Authenticate establishes a session. A session key stored with the account
// is used as-is; otherwise a mobile session is requested with the password hash.
func (c *Client) Authenticate(ctx context.Context) error {
	switch c.State() {
	case StateAuthenticated:
		return nil
	case StateFailed:
		return errors.Wrapf(ErrAuthenticationFailed, "account %s", c.binding.ID())
	}

	if c.binding.SessionKey != "" {
		c.mu.Lock()
		c.sessionKey = c.binding.SessionKey
		c.mu.Unlock()
		c.setState(StateAuthenticated)
		return nil
	}

	c.setState(StateAuthenticating)
	params := map[string]string{
		"method":    "auth.getMobileSession",
		"username":  c.binding.Username,
		"authToken": c.binding.AuthToken(),
		"api_key":   c.cfg.APIKey,
	}
	body, err := c.call(ctx, params)
	if err != nil {
		if isAuthError(err) {
			c.setState(StateFailed)
			return errors.Mark(errors.Wrapf(err, "account %s", c.binding.ID()), ErrAuthenticationFailed)
		}
		c.setState(StateUnauthenticated)
		return errors.Wrapf(err, "failed to authenticate %s", c.binding.ID())
	}

	var resp sessionResponse
	if err := decodeJSON(body, &resp); err != nil || resp.Session.Key == "" {
		c.setState(StateUnauthenticated)
		return errors.Newf("failed to authenticate %s: no session key in response", c.binding.ID())
	}

	c.mu.Lock()
	c.sessionKey = resp.Session.Key
	c.mu.Unlock()
	c.setState(StateAuthenticated)
	zlog.Info().Msgf("authenticated: account=%s", c.binding.ID())
	return nil
}

// Submit sends one batch. It always returns one Result per candidate, in order.
// The error is non-nil when the batch as a whole failed.
func (c *Client) Submit(ctx context.Context, batch []track.Candidate) ([]Result, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if len(batch) > c.cfg.BatchSize {
		return failAll(batch, errors.Newf("batch of %d exceeds %d", len(batch), c.cfg.BatchSize))
	}
	if c.State() != StateAuthenticated {
		return failAll(batch, ErrNotAuthenticated)
	}

	c.setState(StateSubmitting)
	c.mu.Lock()
	sk := c.sessionKey
	c.mu.Unlock()

	body, err := c.call(ctx, scrobbleParams(c.cfg.APIKey, sk, batch))
	if err != nil {
		if isAuthError(err) {
			c.setState(StateFailed)
			return failAll(batch, errors.Mark(errors.Wrapf(err, "account %s", c.binding.ID()), ErrAuthenticationFailed))
		}
		c.setState(StateAuthenticated)
		return failAll(batch, errors.Mark(err, ErrSubmissionFailed))
	}
	c.setState(StateAuthenticated)

	var resp scrobbleResponse
	if err := decodeJSON(body, &resp); err != nil {
		return failAll(batch, errors.Mark(errors.Wrap(err, "ambiguous response"), ErrSubmissionFailed))
	}
	return interpret(batch, resp)
}

func scrobbleParams(apiKey, sessionKey string, batch []track.Candidate) map[string]string {
	params := map[string]string{
		"method":  "track.scrobble",
		"api_key": apiKey,
		"sk":      sessionKey,
	}
	for i, c := range batch {
		idx := "[" + strconv.Itoa(i) + "]"
		md := c.Metadata
		params["artist"+idx] = md.Artist
		params["track"+idx] = md.Title
		params["timestamp"+idx] = strconv.FormatInt(c.StartedAt.Unix(), 10)
		if md.Album != "" {
			params["album"+idx] = md.Album
		}
		if md.AlbumArtist != "" {
			params["albumArtist"+idx] = md.AlbumArtist
		}
		if md.TrackNumber > 0 {
			params["trackNumber"+idx] = strconv.Itoa(md.TrackNumber)
		}
		if secs := int64(md.Duration / time.Second); secs > 0 {
			params["duration"+idx] = strconv.FormatInt(secs, 10)
		}
	}
	return params
}

// interpret maps the per-item part of a scrobble response onto the batch.
func interpret(batch []track.Candidate, resp scrobbleResponse) ([]Result, error) {
	if resp.Scrobbles == nil {
		return failAll(batch, errors.Mark(errors.New("ambiguous response: no scrobbles"), ErrSubmissionFailed))
	}

	entries := resp.Scrobbles.Scrobble
	attr := resp.Scrobbles.Attr
	results := make([]Result, len(batch))
	switch {
	case len(entries) == len(batch):
		for i, e := range entries {
			results[i] = classify(batch[i], e.IgnoredMessage)
		}
	case len(entries) == 0 && int(attr.Accepted) == len(batch) && attr.Ignored == 0:
		for i, c := range batch {
			results[i] = Result{Candidate: c, Status: StatusAccepted}
		}
	default:
		return failAll(batch, errors.Mark(errors.Newf(
			"ambiguous response: %d entries for %d items (accepted=%d ignored=%d)",
			len(entries), len(batch), attr.Accepted, attr.Ignored), ErrSubmissionFailed))
	}
	return results, nil
}

func classify(c track.Candidate, m *ignoredMessage) Result {
	if m == nil {
		return Result{Candidate: c, Status: StatusAccepted}
	}
	switch {
	case (m.Code == "" || m.Code == ignoredNone) && m.Text == "":
		return Result{Candidate: c, Status: StatusAccepted}
	case m.Code == ignoredNone:
		return Result{Candidate: c, Status: StatusAccepted, Message: m.Text}
	case m.Code == ignoredAlreadyCounted:
		return Result{Candidate: c, Status: StatusAccepted, Code: m.Code, Message: m.Text}
	case m.Code == ignoredDailyLimit:
		return Result{Candidate: c, Status: StatusFailed, Code: m.Code, Message: m.Text,
			Err: errors.Mark(errors.Newf("daily scrobble limit: %s", m.Text), ErrTransient)}
	}
	code := m.Code
	if code == "" {
		code = "unknown"
	}
	return Result{Candidate: c, Status: StatusRejected, Code: code, Message: m.Text}
}

func failAll(batch []track.Candidate, err error) ([]Result, error) {
	results := make([]Result, len(batch))
	for i, c := range batch {
		results[i] = Result{Candidate: c, Status: StatusFailed, Err: err}
	}
	return results, err
}

func isAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case codeAuthFailed, codeInvalidSession, codeInvalidAPIKey, codeInvalidSignature, codeSuspendedAPIKey:
		return true
	}
	return false
}
