package studio

import (
	"context"
	"fmt"
	"strings"

	"avatarctl/internal/apierr"
	"avatarctl/internal/entity"
	"avatarctl/internal/logging"
	"avatarctl/internal/mutation"
	"avatarctl/internal/transport"
)

// Get returns the cached value of key, fetching it when missing or stale.
func (s *Studio) Get(ctx context.Context, key entity.Key) (entity.Entity, error) {
	return s.cache.EnsureFresh(ctx, key, nil)
}

// Refresh re-reads key from the service regardless of the cache.
func (s *Studio) Refresh(ctx context.Context, key entity.Key) (entity.Entity, error) {
	return s.cache.Refresh(ctx, key, nil)
}

// Avatar returns one avatar record.
func (s *Studio) Avatar(ctx context.Context, id string) (entity.Entity, entity.Avatar, error) {
	return getRecord[entity.Avatar](ctx, s, entity.AvatarKey(id))
}

// Animation returns one animation project with its segments.
func (s *Studio) Animation(ctx context.Context, id string) (entity.Entity, entity.AnimationProject, error) {
	return getRecord[entity.AnimationProject](ctx, s, entity.AnimationKey(id))
}

// Story returns one story job.
func (s *Studio) Story(ctx context.Context, id string) (entity.Entity, entity.Story, error) {
	return getRecord[entity.Story](ctx, s, entity.StoryKey(id))
}

func getRecord[T any](ctx context.Context, s *Studio, key entity.Key) (entity.Entity, T, error) {
	var zero T
	e, err := s.Get(ctx, key)
	if err != nil {
		return entity.Entity{}, zero, err
	}
	rec, err := entity.Decode[T](e)
	if err != nil {
		return e, zero, apierr.Wrap(apierr.KindServer, "decode "+string(key.Kind), "", err)
	}
	return e, rec, nil
}

// ListAvatars returns every avatar of the account from the cached list.
func (s *Studio) ListAvatars(ctx context.Context) ([]entity.Avatar, error) {
	e, err := s.Get(ctx, entity.ListKey(entity.KindAvatar))
	if err != nil {
		return nil, err
	}
	if len(e.Data) == 0 {
		return nil, nil
	}
	avatars, err := entity.Decode[[]entity.Avatar](e)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindServer, "list avatars", "", err)
	}
	return avatars, nil
}

// CreateAvatar starts an avatar generation job. The avatar list becomes
// stale only when the service accepted the request.
func (s *Studio) CreateAvatar(ctx context.Context, req transport.CreateAvatarRequest) (entity.Entity, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Prompt = strings.TrimSpace(req.Prompt)
	res, err := s.gateway.Submit(ctx, mutation.Mutation{
		Name:    "create avatar",
		Targets: []entity.Key{entity.ListKey(entity.KindAvatar)},
		Execute: func(ctx context.Context) (entity.Entity, error) {
			return s.client.CreateAvatar(ctx, req)
		},
	})
	if err != nil {
		return entity.Entity{}, err
	}
	s.record(ctx, res.Entity, req.Name)
	return res.Entity, nil
}

// SavePrompts stores per-segment prompts and returns the project as the
// service now reports it.
func (s *Studio) SavePrompts(ctx context.Context, projectID string, prompts []transport.SegmentPrompt) (entity.AnimationProject, error) {
	projectKey := entity.AnimationKey(projectID)
	targets := []entity.Key{projectKey}
	for _, p := range prompts {
		targets = append(targets, entity.SegmentKey(projectID, p.Index))
	}
	if _, err := s.gateway.Submit(ctx, mutation.Mutation{
		Name:    "save prompts",
		Targets: targets,
		Execute: func(ctx context.Context) (entity.Entity, error) {
			return s.client.SavePrompts(ctx, projectID, prompts)
		},
	}); err != nil {
		return entity.AnimationProject{}, err
	}
	_, project, err := getRecord[entity.AnimationProject](ctx, s, projectKey)
	return project, err
}

// GenerateAnimation starts generation of every segment of a project.
func (s *Studio) GenerateAnimation(ctx context.Context, projectID string) (entity.Entity, error) {
	key := entity.AnimationKey(projectID)
	res, err := s.gateway.Submit(ctx, mutation.Mutation{
		Name:    "generate animation",
		Targets: []entity.Key{key},
		Execute: func(ctx context.Context) (entity.Entity, error) {
			return s.client.GenerateAnimation(ctx, projectID)
		},
	})
	if err != nil {
		return entity.Entity{}, err
	}
	s.record(ctx, res.Entity, "")
	s.poller.Restart(key)
	return res.Entity, nil
}

// RegenerateSegment starts a new job for one segment, optionally with a new
// prompt, and restarts polling of the segment and its project.
func (s *Studio) RegenerateSegment(ctx context.Context, projectID string, index int, prompt string) (entity.Entity, error) {
	if index < 0 {
		return entity.Entity{}, apierr.Wrap(apierr.KindValidation, "regenerate segment", fmt.Sprintf("invalid segment index %d", index), nil)
	}
	segKey := entity.SegmentKey(projectID, index)
	projectKey := entity.AnimationKey(projectID)
	res, err := s.gateway.Submit(ctx, mutation.Mutation{
		Name:    "regenerate segment",
		Targets: []entity.Key{segKey, projectKey},
		Execute: func(ctx context.Context) (entity.Entity, error) {
			return s.client.RegenerateSegment(ctx, projectID, index, prompt)
		},
	})
	if err != nil {
		return entity.Entity{}, err
	}
	s.record(ctx, res.Entity, fmt.Sprintf("segment %d of %s", index+1, projectID))
	s.poller.Restart(segKey)
	s.poller.Restart(projectKey)
	return res.Entity, nil
}

// CreateStory starts a story generation job.
func (s *Studio) CreateStory(ctx context.Context, req transport.CreateStoryRequest) (entity.Entity, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	res, err := s.gateway.Submit(ctx, mutation.Mutation{
		Name: "create story",
		Execute: func(ctx context.Context) (entity.Entity, error) {
			return s.client.CreateStory(ctx, req)
		},
	})
	if err != nil {
		return entity.Entity{}, err
	}
	s.record(ctx, res.Entity, summarize(req.Prompt))
	return res.Entity, nil
}

func (s *Studio) record(ctx context.Context, e entity.Entity, label string) {
	if s.jobs == nil || e.Key.IsZero() {
		return
	}
	if label == "" {
		label = labelFor(e)
	}
	if err := s.jobs.record(ctx, e.Key, label, e.Status); err != nil {
		logging.WarnWithContext(s.logger, "failed to record job", "ledger_record_failed",
			logging.String(logging.FieldEntityKey, e.Key.String()),
			logging.Error(err),
			logging.String(logging.FieldImpact, "this job will not be resumed automatically"),
		)
	}
}

func labelFor(e entity.Entity) string {
	switch e.Key.Kind {
	case entity.KindAnimation:
		if p, err := entity.Decode[entity.AnimationProject](e); err == nil {
			return p.Title
		}
	case entity.KindAvatar:
		if a, err := entity.Decode[entity.Avatar](e); err == nil {
			return a.Name
		}
	}
	return ""
}

func summarize(text string) string {
	const limit = 48
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}
