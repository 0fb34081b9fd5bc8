package mutation_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"avatarctl/internal/apierr"
	"avatarctl/internal/cache"
	"avatarctl/internal/entity"
	"avatarctl/internal/mutation"
)

var projectKey = entity.AnimationKey("an-1")

// fakeServer holds the authoritative project prompts.
type fakeServer struct {
	mu      sync.Mutex
	prompts []string
	fetches atomic.Int32
}

func (s *fakeServer) set(prompts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = prompts
}

func (s *fakeServer) fetch(ctx context.Context, key entity.Key) (entity.Entity, error) {
	s.fetches.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	project := entity.AnimationProject{ID: key.ID, Status: "pending"}
	for i, p := range s.prompts {
		project.Segments = append(project.Segments, entity.Segment{ProjectID: key.ID, Index: i, Prompt: p, Status: "pending"})
	}
	data, _ := json.Marshal(project)
	return entity.Entity{Key: key, Status: "pending", Data: data}, nil
}

func prompts(t *testing.T, e entity.Entity) []string {
	t.Helper()
	project, err := entity.Decode[entity.AnimationProject](e)
	if err != nil {
		t.Fatalf("decode project: %v", err)
	}
	out := make([]string, 0, len(project.Segments))
	for _, seg := range project.Segments {
		out = append(out, seg.Prompt)
	}
	return out
}

func TestSuccessInvalidatesTargets(t *testing.T) {
	server := &fakeServer{}
	server.set("old-a", "old-b")
	store := cache.New(server.fetch)
	defer store.Close()
	gw := mutation.New(store)

	if _, err := store.EnsureFresh(context.Background(), projectKey, nil); err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}

	res, err := gw.Submit(context.Background(), mutation.Mutation{
		Name:    "save prompts",
		Targets: []entity.Key{projectKey},
		Execute: func(ctx context.Context) (entity.Entity, error) {
			server.set("new-a", "new-b")
			return server.fetch(ctx, projectKey)
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Superseded {
		t.Fatal("lone mutation must not be superseded")
	}
	if res.Indexes[projectKey] != 1 {
		t.Fatalf("expected submission index 1, got %d", res.Indexes[projectKey])
	}
	if !store.Stale(projectKey) {
		t.Fatal("expected target invalidated")
	}

	refreshed, err := store.EnsureFresh(context.Background(), projectKey, nil)
	if err != nil {
		t.Fatalf("EnsureFresh after save: %v", err)
	}
	if got := prompts(t, refreshed); len(got) != 2 || got[0] != "new-a" || got[1] != "new-b" {
		t.Fatalf("expected server-confirmed prompts, got %v", got)
	}
}

func TestPolicyFailureLeavesCacheUntouched(t *testing.T) {
	listKey := entity.ListKey(entity.KindAvatar)
	var fetches atomic.Int32
	store := cache.New(func(ctx context.Context, key entity.Key) (entity.Entity, error) {
		fetches.Add(1)
		return entity.Entity{Key: key, Data: []byte(`[{"id":"av-1","status":"completed"}]`)}, nil
	})
	defer store.Close()
	gw := mutation.New(store)

	before, err := store.EnsureFresh(context.Background(), listKey, nil)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}

	var calls atomic.Int32
	_, err = gw.Submit(context.Background(), mutation.Mutation{
		Name:    "create avatar",
		Targets: []entity.Key{listKey},
		Execute: func(ctx context.Context) (entity.Entity, error) {
			calls.Add(1)
			return entity.Entity{}, apierr.FromResponse("create avatar", 422, bodyWithCode("content_policy"))
		},
	})
	if !errors.Is(err, apierr.ErrPolicy) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("mutation must not be retried, executed %d times", calls.Load())
	}
	if store.Stale(listKey) {
		t.Fatal("failed mutation must not invalidate")
	}
	after, ok := store.Get(listKey)
	if !ok || string(after.Data) != string(before.Data) {
		t.Fatalf("avatar list changed: %s", after.Data)
	}
	if fetches.Load() != 1 {
		t.Fatalf("expected no re-fetch, got %d fetches", fetches.Load())
	}
}

func TestEarlierMutationSuperseded(t *testing.T) {
	server := &fakeServer{}
	server.set("initial")
	store := cache.New(server.fetch)
	defer store.Close()
	gw := mutation.New(store)

	firstApplied := make(chan struct{})
	releaseFirst := make(chan struct{})
	firstResult := make(chan mutation.Result, 1)
	go func() {
		res, err := gw.Submit(context.Background(), mutation.Mutation{
			Name:    "save prompts",
			Targets: []entity.Key{projectKey},
			Execute: func(ctx context.Context) (entity.Entity, error) {
				server.set("first")
				close(firstApplied)
				<-releaseFirst
				return entity.Entity{}, nil
			},
		})
		if err != nil {
			t.Errorf("first Submit: %v", err)
		}
		firstResult <- res
	}()
	<-firstApplied

	secondIssued := make(chan struct{})
	releaseSecond := make(chan struct{})
	secondResult := make(chan mutation.Result, 1)
	go func() {
		res, err := gw.Submit(context.Background(), mutation.Mutation{
			Name:    "save prompts",
			Targets: []entity.Key{projectKey},
			Execute: func(ctx context.Context) (entity.Entity, error) {
				server.set("second")
				close(secondIssued)
				<-releaseSecond
				return entity.Entity{}, nil
			},
		})
		if err != nil {
			t.Errorf("second Submit: %v", err)
		}
		secondResult <- res
	}()
	<-secondIssued

	close(releaseFirst)
	first := <-firstResult
	if !first.Superseded {
		t.Fatal("expected first mutation superseded by the second")
	}

	close(releaseSecond)
	second := <-secondResult
	if second.Superseded {
		t.Fatal("latest mutation must not be superseded")
	}
	if second.Indexes[projectKey] != 2 || gw.LastIndex(projectKey) != 2 {
		t.Fatalf("unexpected indexes: %v last=%d", second.Indexes, gw.LastIndex(projectKey))
	}

	current, err := store.EnsureFresh(context.Background(), projectKey, nil)
	if err != nil {
		t.Fatalf("EnsureFresh: %v", err)
	}
	if got := prompts(t, current); len(got) != 1 || got[0] != "second" {
		t.Fatalf("expected cache to reflect the second mutation, got %v", got)
	}
}

func TestAuthFailureTriggersTermination(t *testing.T) {
	store := cache.New(nil)
	defer store.Close()
	var terminated atomic.Int32
	gw := mutation.New(store, mutation.WithAuthFailure(func(error) { terminated.Add(1) }))

	_, err := gw.Submit(context.Background(), mutation.Mutation{
		Name:    "generate animation",
		Targets: []entity.Key{projectKey},
		Execute: func(ctx context.Context) (entity.Entity, error) {
			return entity.Entity{}, apierr.FromResponse("generate animation", 401, apierr.Body{})
		},
	})
	if !errors.Is(err, apierr.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if terminated.Load() != 1 {
		t.Fatalf("expected termination path once, got %d", terminated.Load())
	}
}

func TestUnclassifiedErrorsAreWrapped(t *testing.T) {
	store := cache.New(nil)
	defer store.Close()
	gw := mutation.New(store)

	_, err := gw.Submit(context.Background(), mutation.Mutation{
		Name:    "create story",
		Targets: []entity.Key{entity.ListKey(entity.KindStory)},
		Execute: func(ctx context.Context) (entity.Entity, error) {
			return entity.Entity{}, context.DeadlineExceeded
		},
	})
	var apiErr *apierr.Error
	if !errors.As(err, &apiErr) || apiErr.Kind != apierr.KindNetwork {
		t.Fatalf("expected network *apierr.Error, got %v", err)
	}
}

func bodyWithCode(code string) apierr.Body {
	var body apierr.Body
	body.Error.Code = code
	body.Error.Message = "rejected"
	return body
}
