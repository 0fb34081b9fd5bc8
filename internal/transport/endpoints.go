package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"avatarctl/internal/apierr"
	"avatarctl/internal/entity"
)

// LoginResult is the credential issued by POST /auth/login.
type LoginResult struct {
	Token   string `json:"token"`
	Account string `json:"account"`
}

// CreateAvatarRequest is the body of POST /avatars.
type CreateAvatarRequest struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
}

// SegmentPrompt is one entry of PUT /animations/{id}/prompts.
type SegmentPrompt struct {
	Index  int    `json:"index"`
	Prompt string `json:"prompt"`
}

// CreateStoryRequest is the body of POST /stories.
type CreateStoryRequest struct {
	AvatarID string `json:"avatar_id,omitempty"`
	Prompt   string `json:"prompt"`
}

type avatarList struct {
	Avatars []json.RawMessage `json:"avatars"`
}

// Login exchanges account credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, request{
		operation: "login",
		method:    http.MethodPost,
		path:      "/auth/login",
		body:      map[string]string{"email": email, "password": password},
		out:       &out,
	})
	if err != nil {
		return LoginResult{}, err
	}
	if strings.TrimSpace(out.Token) == "" {
		return LoginResult{}, apierr.Wrap(apierr.KindServer, "login", "response carried no token", nil)
	}
	return out, nil
}

// GetAvatar fetches one avatar.
func (c *Client) GetAvatar(ctx context.Context, id string) (entity.Entity, error) {
	return c.fetch(ctx, "get avatar", http.MethodGet, "/avatars/"+url.PathEscape(id), nil, avatarEntity)
}

// ListAvatars fetches every avatar of the account.
func (c *Client) ListAvatars(ctx context.Context) ([]entity.Entity, error) {
	var out avatarList
	if err := c.do(ctx, request{
		operation:     "list avatars",
		method:        http.MethodGet,
		path:          "/avatars",
		out:           &out,
		authenticated: true,
	}); err != nil {
		return nil, err
	}
	items := make([]entity.Entity, 0, len(out.Avatars))
	for _, raw := range out.Avatars {
		e, err := avatarEntity(raw)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindServer, "list avatars", "decode avatar", err)
		}
		items = append(items, e)
	}
	return items, nil
}

// CreateAvatar starts an avatar generation job.
func (c *Client) CreateAvatar(ctx context.Context, req CreateAvatarRequest) (entity.Entity, error) {
	return c.fetch(ctx, "create avatar", http.MethodPost, "/avatars", req, avatarEntity)
}

// GetAnimation fetches an animation project including its segments.
func (c *Client) GetAnimation(ctx context.Context, id string) (entity.Entity, error) {
	return c.fetch(ctx, "get animation", http.MethodGet, "/animations/"+url.PathEscape(id), nil, animationEntity)
}

// SavePrompts replaces the per-segment prompts of a project.
func (c *Client) SavePrompts(ctx context.Context, projectID string, prompts []SegmentPrompt) (entity.Entity, error) {
	body := map[string][]SegmentPrompt{"prompts": prompts}
	return c.fetch(ctx, "save prompts", http.MethodPut, "/animations/"+url.PathEscape(projectID)+"/prompts", body, animationEntity)
}

// GenerateAnimation starts generation of every segment of a project.
func (c *Client) GenerateAnimation(ctx context.Context, projectID string) (entity.Entity, error) {
	return c.fetch(ctx, "generate animation", http.MethodPost, "/animations/"+url.PathEscape(projectID)+"/generate", struct{}{}, animationEntity)
}

// GetSegment fetches one segment of a project.
func (c *Client) GetSegment(ctx context.Context, projectID string, index int) (entity.Entity, error) {
	return c.fetch(ctx, "get segment", http.MethodGet, segmentPath(projectID, index), nil, segmentEntity)
}

// RegenerateSegment starts a fresh generation job for one segment. An empty
// prompt keeps the saved one.
func (c *Client) RegenerateSegment(ctx context.Context, projectID string, index int, prompt string) (entity.Entity, error) {
	body := map[string]string{}
	if p := strings.TrimSpace(prompt); p != "" {
		body["prompt"] = p
	}
	return c.fetch(ctx, "regenerate segment", http.MethodPost, segmentPath(projectID, index)+"/regenerate", body, segmentEntity)
}

// CreateStory starts a story generation job.
func (c *Client) CreateStory(ctx context.Context, req CreateStoryRequest) (entity.Entity, error) {
	return c.fetch(ctx, "create story", http.MethodPost, "/stories", req, storyEntity)
}

// GetStory fetches the status of a story job.
func (c *Client) GetStory(ctx context.Context, id string) (entity.Entity, error) {
	return c.fetch(ctx, "get story", http.MethodGet, "/stories/"+url.PathEscape(id), nil, storyEntity)
}

// Resolve fetches the entity behind key. It is the default fetcher the cache
// uses when callers do not supply one.
func (c *Client) Resolve(ctx context.Context, key entity.Key) (entity.Entity, error) {
	if key.IsList() {
		if key.Kind != entity.KindAvatar {
			return entity.Entity{}, apierr.Wrap(apierr.KindValidation, "resolve", fmt.Sprintf("no list endpoint for %q", key.Kind), nil)
		}
		items, err := c.ListAvatars(ctx)
		if err != nil {
			return entity.Entity{}, err
		}
		return listEntity(key, items)
	}
	switch key.Kind {
	case entity.KindAvatar:
		return c.GetAvatar(ctx, key.ID)
	case entity.KindAnimation:
		return c.GetAnimation(ctx, key.ID)
	case entity.KindSegment:
		projectID, index, err := entity.SplitSegmentID(key.ID)
		if err != nil {
			return entity.Entity{}, apierr.Wrap(apierr.KindValidation, "resolve", "invalid segment key", err)
		}
		return c.GetSegment(ctx, projectID, index)
	case entity.KindStory:
		return c.GetStory(ctx, key.ID)
	default:
		return entity.Entity{}, apierr.Wrap(apierr.KindValidation, "resolve", fmt.Sprintf("unsupported kind %q", key.Kind), nil)
	}
}

func (c *Client) fetch(ctx context.Context, operation, method, path string, body any, convert func(json.RawMessage) (entity.Entity, error)) (entity.Entity, error) {
	var raw json.RawMessage
	if err := c.do(ctx, request{
		operation:     operation,
		method:        method,
		path:          path,
		body:          body,
		out:           &raw,
		authenticated: true,
	}); err != nil {
		return entity.Entity{}, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		// Mutations may answer without a body; a read must return the record.
		if method == http.MethodGet {
			return entity.Entity{}, apierr.Wrap(apierr.KindServer, operation, "empty response body", nil)
		}
		return entity.Entity{}, nil
	}
	e, err := convert(raw)
	if err != nil {
		return entity.Entity{}, apierr.Wrap(apierr.KindServer, operation, "decode entity", err)
	}
	return e, nil
}

func segmentPath(projectID string, index int) string {
	return fmt.Sprintf("/animations/%s/segments/%d", url.PathEscape(projectID), index)
}

func newEntity(key entity.Key, status string, updatedAt time.Time, failure string, raw json.RawMessage) (entity.Entity, error) {
	if key.ID == "" {
		return entity.Entity{}, fmt.Errorf("%s record has no id", key.Kind)
	}
	data := make(json.RawMessage, len(raw))
	copy(data, raw)
	return entity.Entity{
		Key:           key,
		Status:        entity.NormalizeStatus(status),
		UpdatedAt:     updatedAt,
		FailureReason: strings.TrimSpace(failure),
		Data:          data,
	}, nil
}

// listEntity packs collection members into one cache entry whose Data is a
// JSON array of the member records.
func listEntity(key entity.Key, items []entity.Entity) (entity.Entity, error) {
	records := make([]json.RawMessage, 0, len(items))
	var latest time.Time
	for _, item := range items {
		records = append(records, item.Data)
		if item.UpdatedAt.After(latest) {
			latest = item.UpdatedAt
		}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return entity.Entity{}, apierr.Wrap(apierr.KindServer, "resolve", "encode list", err)
	}
	return entity.Entity{Key: key, UpdatedAt: latest, Data: data}, nil
}

func avatarEntity(raw json.RawMessage) (entity.Entity, error) {
	var rec entity.Avatar
	if err := json.Unmarshal(raw, &rec); err != nil {
		return entity.Entity{}, err
	}
	return newEntity(entity.AvatarKey(rec.ID), rec.Status, rec.UpdatedAt, rec.Error, raw)
}

func animationEntity(raw json.RawMessage) (entity.Entity, error) {
	var rec entity.AnimationProject
	if err := json.Unmarshal(raw, &rec); err != nil {
		return entity.Entity{}, err
	}
	return newEntity(entity.AnimationKey(rec.ID), rec.Status, rec.UpdatedAt, rec.Error, raw)
}

func segmentEntity(raw json.RawMessage) (entity.Entity, error) {
	var rec entity.Segment
	if err := json.Unmarshal(raw, &rec); err != nil {
		return entity.Entity{}, err
	}
	if rec.ProjectID == "" {
		return entity.Entity{}, fmt.Errorf("segment record has no project id")
	}
	return newEntity(entity.SegmentKey(rec.ProjectID, rec.Index), rec.Status, rec.UpdatedAt, rec.Error, raw)
}

func storyEntity(raw json.RawMessage) (entity.Entity, error) {
	var rec entity.Story
	if err := json.Unmarshal(raw, &rec); err != nil {
		return entity.Entity{}, err
	}
	return newEntity(entity.StoryKey(rec.ID), rec.Status, rec.UpdatedAt, rec.Error, raw)
}
