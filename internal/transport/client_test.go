package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"avatarctl/internal/apierr"
	"avatarctl/internal/credential"
	"avatarctl/internal/entity"
	"avatarctl/internal/testsupport"
	"avatarctl/internal/transport"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token() (string, error) { return s.token, s.err }

func newClient(t *testing.T, baseURL string, tokens transport.TokenSource, opts ...transport.Option) *transport.Client {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithBaseURL(baseURL))
	client, err := transport.New(cfg, tokens, opts...)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	return client
}

func TestResolveEachKind(t *testing.T) {
	api := testsupport.NewFakeAPI(t)
	av := api.AddAvatar("Ada", "generating")
	project := api.AddAnimation(av.ID, "Intro", 2)
	client := newClient(t, api.URL, staticTokens{token: testsupport.FakeToken})

	story, err := client.CreateStory(context.Background(), transport.CreateStoryRequest{AvatarID: av.ID, Prompt: "once upon a time"})
	if err != nil {
		t.Fatalf("CreateStory: %v", err)
	}

	tests := []struct {
		key    entity.Key
		status entity.Status
	}{
		{key: entity.AvatarKey(av.ID), status: "generating"},
		{key: entity.AnimationKey(project.ID), status: "pending"},
		{key: entity.SegmentKey(project.ID, 1), status: "pending"},
		{key: story.Key, status: "pending"},
	}
	for _, tc := range tests {
		t.Run(tc.key.String(), func(t *testing.T) {
			got, err := client.Resolve(context.Background(), tc.key)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got.Key != tc.key {
				t.Fatalf("key mismatch: got %v want %v", got.Key, tc.key)
			}
			if got.Status != tc.status {
				t.Fatalf("status mismatch: got %q want %q", got.Status, tc.status)
			}
			if len(got.Data) == 0 {
				t.Fatal("expected raw record data")
			}
		})
	}
}

func TestStoryStatusNormalized(t *testing.T) {
	api := testsupport.NewFakeAPI(t)
	client := newClient(t, api.URL, staticTokens{token: testsupport.FakeToken})

	story, err := client.CreateStory(context.Background(), transport.CreateStoryRequest{Prompt: "dragons"})
	if err != nil {
		t.Fatalf("CreateStory: %v", err)
	}
	api.SetStoryStatus(story.Key.ID, "success")

	got, err := client.GetStory(context.Background(), story.Key.ID)
	if err != nil {
		t.Fatalf("GetStory: %v", err)
	}
	if got.Status != "success" || got.Class() != entity.TerminalSuccess {
		t.Fatalf("expected normalized terminal success, got %q (%v)", got.Status, got.Class())
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   apierr.Kind
	}{
		{name: "policy", status: http.StatusUnprocessableEntity, code: "content_policy", want: apierr.KindPolicy},
		{name: "validation", status: http.StatusUnprocessableEntity, code: "required", want: apierr.KindValidation},
		{name: "not found", status: http.StatusNotFound, code: "not_found", want: apierr.KindNotFound},
		{name: "rate limited", status: http.StatusTooManyRequests, code: "rate_limited", want: apierr.KindNetwork},
		{name: "server", status: http.StatusBadGateway, code: "", want: apierr.KindServer},
		{name: "forbidden", status: http.StatusForbidden, code: "forbidden", want: apierr.KindAuth},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := testsupport.NewFakeAPI(t)
			client := newClient(t, api.URL, staticTokens{token: testsupport.FakeToken})
			api.FailNext("POST /avatars", tc.status, tc.code, "prompt")

			_, err := client.CreateAvatar(context.Background(), transport.CreateAvatarRequest{Name: "x", Prompt: "y"})
			if got := apierr.Classify(err); got != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got, err)
			}
			var apiErr *apierr.Error
			if !errors.As(err, &apiErr) || apiErr.HTTPStatus != tc.status {
				t.Fatalf("expected *apierr.Error with status %d, got %v", tc.status, err)
			}
		})
	}
}

func TestAuthFailureHookFiresOnRejectedCredential(t *testing.T) {
	api := testsupport.NewFakeAPI(t)
	av := api.AddAvatar("Ada", "pending")
	client := newClient(t, api.URL, staticTokens{token: "wrong"})

	var fired atomic.Int32
	client.SetAuthFailureHook(func(error) { fired.Add(1) })

	_, err := client.GetAvatar(context.Background(), av.ID)
	if !errors.Is(err, apierr.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if fired.Load() != 1 {
		t.Fatalf("expected hook to fire once, got %d", fired.Load())
	}
}

func TestMissingCredentialFailsWithoutNetwork(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	client := newClient(t, server.URL, staticTokens{err: credential.ErrExpired})
	var fired atomic.Int32
	client.SetAuthFailureHook(func(error) { fired.Add(1) })

	_, err := client.GetAvatar(context.Background(), "av-1")
	if !errors.Is(err, apierr.ErrAuth) || !errors.Is(err, credential.ErrExpired) {
		t.Fatalf("expected auth error wrapping ErrExpired, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected no network call, got %d", hits.Load())
	}
	if fired.Load() != 1 {
		t.Fatalf("expected hook to fire, got %d", fired.Load())
	}
}

func TestTimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client := newClient(t, server.URL, staticTokens{token: "t"}, transport.WithTimeout(50*time.Millisecond))
	_, err := client.GetAvatar(context.Background(), "slow")
	if !errors.Is(err, apierr.ErrNetwork) {
		t.Fatalf("expected network error, got %v", err)
	}
	if !apierr.Retryable(err) {
		t.Fatal("expected timeout to be retryable")
	}
}

func TestCallerCancellationPassesThrough(t *testing.T) {
	api := testsupport.NewFakeAPI(t)
	client := newClient(t, api.URL, staticTokens{token: testsupport.FakeToken})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.GetAvatar(ctx, "av-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, apierr.ErrNetwork) {
		t.Fatalf("cancellation must not be classified as network: %v", err)
	}
}

func TestRequestHeaders(t *testing.T) {
	var seen http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"av-1","status":"completed"}`))
	}))
	defer server.Close()

	client := newClient(t, server.URL, staticTokens{token: "abc"}, transport.WithClientID("client-7"))
	got, err := client.GetAvatar(context.Background(), "av-1")
	if err != nil {
		t.Fatalf("GetAvatar: %v", err)
	}
	if got.Class() != entity.TerminalSuccess {
		t.Fatalf("expected completed avatar, got %v", got.Class())
	}
	if seen.Get("Authorization") != "Bearer abc" {
		t.Fatalf("unexpected Authorization header %q", seen.Get("Authorization"))
	}
	if seen.Get("X-Client-ID") != "client-7" {
		t.Fatalf("unexpected X-Client-ID %q", seen.Get("X-Client-ID"))
	}
	if seen.Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID")
	}
}

func TestLogin(t *testing.T) {
	api := testsupport.NewFakeAPI(t)
	client := newClient(t, api.URL, nil)

	res, err := client.Login(context.Background(), "ada@example.test", testsupport.FakePassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token != testsupport.FakeToken || res.Account != "ada@example.test" {
		t.Fatalf("unexpected login result %#v", res)
	}

	_, err = client.Login(context.Background(), "ada@example.test", "nope")
	if !errors.Is(err, apierr.ErrAuth) {
		t.Fatalf("expected auth error for bad password, got %v", err)
	}
}

func TestSavePromptsValidationCarriesField(t *testing.T) {
	api := testsupport.NewFakeAPI(t)
	project := api.AddAnimation("av-1", "Intro", 1)
	client := newClient(t, api.URL, staticTokens{token: testsupport.FakeToken})

	_, err := client.SavePrompts(context.Background(), project.ID, []transport.SegmentPrompt{{Index: 4, Prompt: "x"}})
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apierr.Error, got %v", err)
	}
	if apiErr.Kind != apierr.KindValidation || apiErr.Field != "prompts[4]" {
		t.Fatalf("unexpected error %#v", apiErr)
	}
}

func TestResolveAvatarList(t *testing.T) {
	api := testsupport.NewFakeAPI(t)
	api.AddAvatar("Ada", "completed")
	api.AddAvatar("Grace", "pending")
	client := newClient(t, api.URL, staticTokens{token: testsupport.FakeToken})

	got, err := client.Resolve(context.Background(), entity.ListKey(entity.KindAvatar))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	avatars, err := entity.Decode[[]entity.Avatar](got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(avatars) != 2 || avatars[0].Name != "Ada" || avatars[1].Name != "Grace" {
		t.Fatalf("unexpected avatars %#v", avatars)
	}
}

func TestEmptyReadBodyIsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/avatars/null-body":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("null"))
		case "/stories/no-content", "/animations/an-1/generate":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	client := newClient(t, srv.URL, staticTokens{token: testsupport.FakeToken})
	ctx := context.Background()

	for _, key := range []entity.Key{entity.AvatarKey("null-body"), entity.StoryKey("no-content")} {
		got, err := client.Resolve(ctx, key)
		if !errors.Is(err, apierr.ErrServer) {
			t.Fatalf("Resolve(%s): expected server error, got %v", key, err)
		}
		if !got.Key.IsZero() {
			t.Fatalf("Resolve(%s): expected no entity, got %#v", key, got)
		}
	}

	started, err := client.GenerateAnimation(ctx, "an-1")
	if err != nil {
		t.Fatalf("GenerateAnimation with no body: %v", err)
	}
	if !started.Key.IsZero() {
		t.Fatalf("expected empty mutation result, got %#v", started)
	}
}
