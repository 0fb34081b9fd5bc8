package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind names a server-tracked resource type.
type Kind string

const (
	KindAvatar    Kind = "avatar"
	KindAnimation Kind = "animation"
	KindSegment   Kind = "segment"
	KindStory     Kind = "story"
)

var allKinds = []Kind{KindAvatar, KindAnimation, KindSegment, KindStory}

// AllKinds returns the ordered list of known kinds.
func AllKinds() []Kind {
	cp := make([]Kind, len(allKinds))
	copy(cp, allKinds)
	return cp
}

// ParseKind converts a string into a known Kind.
func ParseKind(value string) (Kind, bool) {
	normalized := Kind(strings.ToLower(strings.TrimSpace(value)))
	for _, kind := range allKinds {
		if kind == normalized {
			return kind, true
		}
	}
	return "", false
}

// Key identifies one entity in the cache. IDs are opaque and unique within
// their kind.
type Key struct {
	Kind Kind
	ID   string
}

// NewKey builds a key with a trimmed id.
func NewKey(kind Kind, id string) Key {
	return Key{Kind: kind, ID: strings.TrimSpace(id)}
}

// AvatarKey returns the cache key of an avatar.
func AvatarKey(id string) Key { return NewKey(KindAvatar, id) }

// ListID is the reserved id of a kind's collection entry.
const ListID = "*"

// ListKey returns the cache key of the collection of kind, e.g. the avatar
// list. Collections are cached like entities but never polled.
func ListKey(kind Kind) Key { return Key{Kind: kind, ID: ListID} }

// IsList reports whether k names a collection rather than one entity.
func (k Key) IsList() bool { return k.ID == ListID }

// AnimationKey returns the cache key of an animation project.
func AnimationKey(id string) Key { return NewKey(KindAnimation, id) }

// StoryKey returns the cache key of a story job.
func StoryKey(id string) Key { return NewKey(KindStory, id) }

// SegmentKey returns the cache key of one segment of an animation project.
func SegmentKey(projectID string, index int) Key {
	return NewKey(KindSegment, fmt.Sprintf("%s:%d", strings.TrimSpace(projectID), index))
}

// SplitSegmentID parses a segment key id into its project id and index.
func SplitSegmentID(id string) (string, int, error) {
	sep := strings.LastIndex(id, ":")
	if sep <= 0 || sep == len(id)-1 {
		return "", 0, fmt.Errorf("segment id %q: expected <project>:<index>", id)
	}
	index, err := strconv.Atoi(id[sep+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("segment id %q: invalid index", id)
	}
	return id[:sep], index, nil
}

// ParseKey parses the "kind/id" form produced by Key.String.
func ParseKey(value string) (Key, error) {
	kindPart, idPart, ok := strings.Cut(strings.TrimSpace(value), "/")
	if !ok {
		return Key{}, fmt.Errorf("key %q: expected <kind>/<id>", value)
	}
	kind, ok := ParseKind(kindPart)
	if !ok {
		return Key{}, fmt.Errorf("key %q: unknown kind %q", value, kindPart)
	}
	key := NewKey(kind, idPart)
	if key.ID == "" {
		return Key{}, fmt.Errorf("key %q: empty id", value)
	}
	return key, nil
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.ID
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Kind == "" && k.ID == ""
}

// Entity is the cached representation of a server resource.
type Entity struct {
	Key           Key
	Status        Status
	UpdatedAt     time.Time
	FailureReason string
	// Data holds the kind-specific record exactly as the server sent it.
	Data json.RawMessage
}

// Class returns the status class of the entity.
func (e Entity) Class() StatusClass {
	return Classify(e.Key.Kind, e.Status)
}

// Terminal reports whether the entity reached a final status.
func (e Entity) Terminal() bool {
	return e.Class().Terminal()
}

// ErrNoData is returned by Decode when the entity carries no record.
var ErrNoData = errors.New("entity has no data")

// Decode unmarshals the entity record into T.
func Decode[T any](e Entity) (T, error) {
	var out T
	if len(e.Data) == 0 {
		return out, ErrNoData
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", e.Key, err)
	}
	return out, nil
}

// Avatar is a generated character image.
type Avatar struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt"`
	Style     string    `json:"style,omitempty"`
	Status    string    `json:"status"`
	ImageURL  string    `json:"image_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AnimationProject is a multi-segment animation planned prompt by prompt.
type AnimationProject struct {
	ID        string    `json:"id"`
	AvatarID  string    `json:"avatar_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	VideoURL  string    `json:"video_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	Segments  []Segment `json:"segments"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Segment is one generated clip of an animation project.
type Segment struct {
	ProjectID string    `json:"project_id"`
	Index     int       `json:"index"`
	Prompt    string    `json:"prompt"`
	Status    string    `json:"status"`
	VideoURL  string    `json:"video_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Story is a narrated story generation job.
type Story struct {
	ID        string    `json:"id"`
	AvatarID  string    `json:"avatar_id,omitempty"`
	Prompt    string    `json:"prompt"`
	Status    string    `json:"status"`
	Text      string    `json:"text,omitempty"`
	AudioURL  string    `json:"audio_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SegmentClasses returns the status class of every segment of a project in
// index order.
func (p AnimationProject) SegmentClasses() []StatusClass {
	out := make([]StatusClass, len(p.Segments))
	for i, seg := range p.Segments {
		out[i] = Classify(KindSegment, NormalizeStatus(seg.Status))
	}
	return out
}
