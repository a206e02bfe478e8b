package audioscrobbler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/scrobblebox/internal/domain/account"
	"github.com/osa030/scrobblebox/internal/domain/track"
)

const (
	testKey    = "test-api-key"
	testSecret = "test-api-secret"
)

// fakeService records requests and answers them with the handler.
type fakeService struct {
	t       *testing.T
	mu      sync.Mutex
	forms   []map[string]string
	handler func(n int, form map[string]string) (int, http.Header, string)
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, http.MethodPost, r.Method)
	assert.Equal(f.t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
	require.NoError(f.t, r.ParseForm())

	form := make(map[string]string, len(r.PostForm))
	for name := range r.PostForm {
		form[name] = r.PostForm.Get(name)
	}
	assert.Equal(f.t, "json", form["format"])
	assert.Equal(f.t, Sign(form, testSecret), form["api_sig"], "signature")

	f.mu.Lock()
	f.forms = append(f.forms, form)
	n := len(f.forms)
	f.mu.Unlock()

	status, header, body := f.handler(n, form)
	for k, v := range header {
		w.Header()[k] = v
	}
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}

func (f *fakeService) requests() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.forms...)
}

func newTestClient(t *testing.T, binding account.Binding, handler func(n int, form map[string]string) (int, http.Header, string)) (*Client, *fakeService, *[]time.Duration) {
	t.Helper()
	fake := &fakeService{t: t, handler: handler}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	c, err := New(Config{
		Name:          "test",
		BaseURL:       server.URL,
		APIKey:        testKey,
		APISecret:     testSecret,
		BatchSize:     50,
		MaxAttempts:   3,
		RetryDelay:    time.Second,
		MaxRetryDelay: 5 * time.Second,
	}, binding)
	require.NoError(t, err)

	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return c, fake, &delays
}

func sessionBinding() account.Binding {
	return account.Binding{Service: "test", Username: "alice", SessionKey: "stored-sk"}
}

func candidates(n int) []track.Candidate {
	out := make([]track.Candidate, n)
	for i := range out {
		out[i] = track.Candidate{
			Metadata: track.Metadata{
				Artist:   fmt.Sprintf("Artist %d", i),
				Title:    fmt.Sprintf("Title %d", i),
				Duration: 3 * time.Minute,
			},
			StartedAt: time.Unix(int64(1700000000+i*200), 0),
			Played:    2 * time.Minute,
		}
	}
	return out
}

func acceptedBody(n int) string {
	entries := ""
	for i := range n {
		if i > 0 {
			entries += ","
		}
		entries += `{"ignoredMessage":{"code":"0","#text":""}}`
	}
	return fmt.Sprintf(`{"scrobbles":{"scrobble":[%s],"@attr":{"accepted":%d,"ignored":0}}}`, entries, n)
}

func ok(body string) (int, http.Header, string) {
	return http.StatusOK, nil, body
}

func TestAuthenticate_StoredSessionKey(t *testing.T) {
	c, fake, _ := newTestClient(t, sessionBinding(), func(int, map[string]string) (int, http.Header, string) {
		return ok(acceptedBody(1))
	})

	require.NoError(t, c.Authenticate(context.Background()))
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Empty(t, fake.requests())

	_, err := c.Submit(context.Background(), candidates(1))
	require.NoError(t, err)
	assert.Equal(t, "stored-sk", fake.requests()[0]["sk"])
}

func TestAuthenticate_MobileSession(t *testing.T) {
	binding := account.Binding{Service: "test", Username: "alice", PasswordMD5: account.MD5Hex("secret")}
	c, fake, _ := newTestClient(t, binding, func(n int, form map[string]string) (int, http.Header, string) {
		if form["method"] == "auth.getMobileSession" {
			return ok(`{"session":{"name":"alice","key":"fresh-sk","subscriber":0}}`)
		}
		return ok(acceptedBody(1))
	})

	require.NoError(t, c.Authenticate(context.Background()))
	require.NoError(t, c.Authenticate(context.Background()), "second call is a no-op")

	reqs := fake.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "alice", reqs[0]["username"])
	assert.Equal(t, binding.AuthToken(), reqs[0]["authToken"])
	assert.Equal(t, testKey, reqs[0]["api_key"])

	_, err := c.Submit(context.Background(), candidates(1))
	require.NoError(t, err)
	assert.Equal(t, "fresh-sk", fake.requests()[1]["sk"])
}

func TestAuthenticate_Rejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad credentials", body: `{"error":4,"message":"Authentication Failed"}`},
		{name: "invalid api key", body: `{"error":10,"message":"Invalid API key"}`},
		{name: "bad signature as string", body: `{"error":"13","message":"Invalid method signature supplied"}`},
		{name: "suspended key", body: `{"error":26,"message":"Suspended API key"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binding := account.Binding{Service: "test", Username: "alice", PasswordMD5: account.MD5Hex("wrong")}
			c, fake, _ := newTestClient(t, binding, func(int, map[string]string) (int, http.Header, string) {
				return http.StatusForbidden, nil, tt.body
			})

			err := c.Authenticate(context.Background())
			assert.True(t, errors.Is(err, ErrAuthenticationFailed), "got %v", err)
			assert.Equal(t, StateFailed, c.State())
			assert.Len(t, fake.requests(), 1, "no retry")

			results, err := c.Submit(context.Background(), candidates(2))
			assert.True(t, errors.Is(err, ErrNotAuthenticated))
			assert.Len(t, results, 2)
			assert.Len(t, fake.requests(), 1, "nothing submitted")
		})
	}
}

func TestSubmit_Params(t *testing.T) {
	c, fake, _ := newTestClient(t, sessionBinding(), func(int, map[string]string) (int, http.Header, string) {
		return ok(acceptedBody(2))
	})
	require.NoError(t, c.Authenticate(context.Background()))

	batch := []track.Candidate{
		{
			Metadata: track.Metadata{
				Artist: "Portishead", Title: "Roads", Album: "Dummy", AlbumArtist: "Portishead",
				TrackNumber: 3, Duration: 305*time.Second + 400*time.Millisecond,
			},
			StartedAt: time.Unix(1143374412, 0),
		},
		{
			Metadata:  track.Metadata{Artist: "Kraftwerk", Title: "Autobahn", Duration: 0},
			StartedAt: time.Unix(1143375000, 0),
		},
	}
	results, err := c.Submit(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for i, r := range results {
		assert.Equal(t, StatusAccepted, r.Status)
		assert.Equal(t, batch[i], r.Candidate)
	}

	form := fake.requests()[0]
	assert.Equal(t, "track.scrobble", form["method"])
	assert.Equal(t, testKey, form["api_key"])
	assert.Equal(t, "Portishead", form["artist[0]"])
	assert.Equal(t, "Roads", form["track[0]"])
	assert.Equal(t, "1143374412", form["timestamp[0]"])
	assert.Equal(t, "Dummy", form["album[0]"])
	assert.Equal(t, "Portishead", form["albumArtist[0]"])
	assert.Equal(t, "3", form["trackNumber[0]"])
	assert.Equal(t, "305", form["duration[0]"])
	assert.Equal(t, "Kraftwerk", form["artist[1]"])
	assert.NotContains(t, form, "album[1]")
	assert.NotContains(t, form, "duration[1]")
	assert.NotContains(t, form, "trackNumber[1]")
}

func TestSubmit_ItemResults(t *testing.T) {
	body := `{"scrobbles":{"scrobble":[
		{"ignoredMessage":{"code":"0","#text":""}},
		{"ignoredMessage":{"code":"1","#text":"Artist was ignored"}},
		{"ignoredMessage":{"code":91,"#text":"Already scrobbled"}},
		{"ignoredMessage":{"code":"5","#text":"Daily scrobble limit exceeded"}}
	],"@attr":{"accepted":"2","ignored":"2"}}}`
	c, _, _ := newTestClient(t, sessionBinding(), func(int, map[string]string) (int, http.Header, string) {
		return ok(body)
	})
	require.NoError(t, c.Authenticate(context.Background()))

	results, err := c.Submit(context.Background(), candidates(4))
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, StatusAccepted, results[0].Status)
	assert.Equal(t, StatusRejected, results[1].Status)
	assert.Equal(t, "1", results[1].Code)
	assert.Equal(t, "Artist was ignored", results[1].Message)
	assert.Equal(t, StatusAccepted, results[2].Status)
	assert.Equal(t, "91", results[2].Code)
	assert.Equal(t, StatusFailed, results[3].Status)
	assert.True(t, errors.Is(results[3].Err, ErrTransient))
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestSubmit_SingleObjectResponse(t *testing.T) {
	c, _, _ := newTestClient(t, sessionBinding(), func(int, map[string]string) (int, http.Header, string) {
		return ok(`{"scrobbles":{"scrobble":{"ignoredMessage":{"code":"0","#text":""}},"@attr":{"accepted":"1","ignored":"0"}}}`)
	})
	require.NoError(t, c.Authenticate(context.Background()))

	results, err := c.Submit(context.Background(), candidates(1))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, results[0].Status)
}

func TestSubmit_Ambiguous(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "fewer entries", body: acceptedBody(2)},
		{name: "no scrobbles", body: `{"status":"ok"}`},
		{name: "not json", body: `<lfm status="ok"></lfm>`},
		{name: "counts disagree", body: `{"scrobbles":{"@attr":{"accepted":1,"ignored":0}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := newTestClient(t, sessionBinding(), func(int, map[string]string) (int, http.Header, string) {
				return ok(tt.body)
			})
			require.NoError(t, c.Authenticate(context.Background()))

			results, err := c.Submit(context.Background(), candidates(3))
			assert.True(t, errors.Is(err, ErrSubmissionFailed), "got %v", err)
			require.Len(t, results, 3)
			for _, r := range results {
				assert.Equal(t, StatusFailed, r.Status)
			}
		})
	}
}

func TestSubmit_AcceptedByCounts(t *testing.T) {
	c, _, _ := newTestClient(t, sessionBinding(), func(int, map[string]string) (int, http.Header, string) {
		return ok(`{"scrobbles":{"@attr":{"accepted":"3","ignored":"0"}}}`)
	})
	require.NoError(t, c.Authenticate(context.Background()))

	results, err := c.Submit(context.Background(), candidates(3))
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, StatusAccepted, r.Status)
	}
}

func TestSubmit_RetriesTransient(t *testing.T) {
	c, fake, delays := newTestClient(t, sessionBinding(), func(n int, _ map[string]string) (int, http.Header, string) {
		switch n {
		case 1:
			return http.StatusServiceUnavailable, nil, "busy"
		case 2:
			return ok(`{"error":16,"message":"There was a temporary error processing your request."}`)
		}
		return ok(acceptedBody(2))
	})
	require.NoError(t, c.Authenticate(context.Background()))

	results, err := c.Submit(context.Background(), candidates(2))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, results[1].Status)
	assert.Len(t, fake.requests(), 3)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
}

func TestSubmit_RetryAfter(t *testing.T) {
	c, _, delays := newTestClient(t, sessionBinding(), func(n int, _ map[string]string) (int, http.Header, string) {
		switch n {
		case 1:
			return http.StatusTooManyRequests, http.Header{"Retry-After": []string{"3"}}, ""
		case 2:
			return http.StatusTooManyRequests, http.Header{"Retry-After": []string{"120"}}, `{"error":29,"message":"Rate limit exceeded"}`
		}
		return ok(acceptedBody(1))
	})
	require.NoError(t, c.Authenticate(context.Background()))

	_, err := c.Submit(context.Background(), candidates(1))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second, 5 * time.Second}, *delays, "honoured, then capped")
}

func TestSubmit_RetriesExhausted(t *testing.T) {
	c, fake, _ := newTestClient(t, sessionBinding(), func(int, map[string]string) (int, http.Header, string) {
		return http.StatusBadGateway, nil, ""
	})
	require.NoError(t, c.Authenticate(context.Background()))

	results, err := c.Submit(context.Background(), candidates(4))
	assert.True(t, errors.Is(err, ErrSubmissionFailed))
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Len(t, fake.requests(), 3)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, StatusFailed, r.Status)
		assert.True(t, errors.Is(r.Err, ErrSubmissionFailed))
	}
	assert.Equal(t, StateAuthenticated, c.State(), "client stays usable")
}

func TestSubmit_InvalidSession(t *testing.T) {
	c, fake, _ := newTestClient(t, sessionBinding(), func(int, map[string]string) (int, http.Header, string) {
		return http.StatusForbidden, nil, `{"error":9,"message":"Invalid session key - Please re-authenticate"}`
	})
	require.NoError(t, c.Authenticate(context.Background()))

	results, err := c.Submit(context.Background(), candidates(2))
	assert.True(t, errors.Is(err, ErrAuthenticationFailed), "got %v", err)
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Len(t, fake.requests(), 1)

	assert.True(t, errors.Is(c.Authenticate(context.Background()), ErrAuthenticationFailed))
}

func TestSubmit_NonTransientAPIError(t *testing.T) {
	c, fake, _ := newTestClient(t, sessionBinding(), func(int, map[string]string) (int, http.Header, string) {
		return http.StatusBadRequest, nil, `{"error":6,"message":"Invalid parameters"}`
	})
	require.NoError(t, c.Authenticate(context.Background()))

	_, err := c.Submit(context.Background(), candidates(1))
	assert.True(t, errors.Is(err, ErrSubmissionFailed))
	assert.False(t, errors.Is(err, ErrTransient))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 6, apiErr.Code)
	assert.Len(t, fake.requests(), 1)
}

func TestSubmit_BatchTooLarge(t *testing.T) {
	c, fake, _ := newTestClient(t, sessionBinding(), func(int, map[string]string) (int, http.Header, string) {
		return ok(acceptedBody(51))
	})
	require.NoError(t, c.Authenticate(context.Background()))

	results, err := c.Submit(context.Background(), candidates(51))
	assert.Error(t, err)
	assert.Len(t, results, 51)
	assert.Empty(t, fake.requests())
}

func TestSubmit_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, fake, _ := newTestClient(t, sessionBinding(), func(int, map[string]string) (int, http.Header, string) {
		cancel()
		return http.StatusServiceUnavailable, nil, ""
	})
	require.NoError(t, c.Authenticate(ctx))

	_, err := c.Submit(ctx, candidates(1))
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	assert.Len(t, fake.requests(), 1)
}

func TestNew_Validation(t *testing.T) {
	good := Config{BaseURL: "http://localhost", APIKey: "k", APISecret: "s"}

	_, err := New(Config{APIKey: "k", APISecret: "s"}, sessionBinding())
	assert.Error(t, err)
	_, err = New(Config{BaseURL: "http://localhost", APIKey: "k"}, sessionBinding())
	assert.Error(t, err)
	_, err = New(good, account.Binding{Username: "alice"})
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "http://localhost", APIKey: "k", APISecret: "s", BatchSize: 500}, sessionBinding())
	require.NoError(t, err)
	assert.Equal(t, MaxBatchSize, c.BatchSize())
	assert.Equal(t, StateUnauthenticated, c.State())
}
