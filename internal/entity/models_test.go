package entity_test

import (
	"encoding/json"
	"errors"
	"testing"

	"avatarctl/internal/entity"
)

func TestParseKeyRoundTrip(t *testing.T) {
	key := entity.SegmentKey("proj-1", 2)
	parsed, err := entity.ParseKey(key.String())
	if err != nil {
		t.Fatalf("ParseKey returned error: %v", err)
	}
	if parsed != key {
		t.Fatalf("unexpected key: %v", parsed)
	}
	project, index, err := entity.SplitSegmentID(parsed.ID)
	if err != nil {
		t.Fatalf("SplitSegmentID returned error: %v", err)
	}
	if project != "proj-1" || index != 2 {
		t.Fatalf("unexpected segment parts: %q %d", project, index)
	}
}

func TestParseKeyRejectsMalformed(t *testing.T) {
	for _, value := range []string{"avatar", "robot/1", "avatar/ ", ""} {
		if _, err := entity.ParseKey(value); err == nil {
			t.Errorf("expected error for %q", value)
		}
	}
	for _, id := range []string{"proj", "proj:", ":1", "proj:x", "proj:-1"} {
		if _, _, err := entity.SplitSegmentID(id); err == nil {
			t.Errorf("expected error for segment id %q", id)
		}
	}
}

func TestDecodeProject(t *testing.T) {
	raw, err := json.Marshal(entity.AnimationProject{
		ID:     "p1",
		Status: "in_progress",
		Segments: []entity.Segment{
			{Index: 0, Prompt: "wave", Status: "completed"},
			{Index: 1, Prompt: "bow", Status: "PENDING"},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ent := entity.Entity{Key: entity.AnimationKey("p1"), Status: entity.StatusInProgress, Data: raw}
	project, err := entity.Decode[entity.AnimationProject](ent)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	classes := project.SegmentClasses()
	if len(classes) != 2 || classes[0] != entity.TerminalSuccess || classes[1] != entity.NonTerminal {
		t.Fatalf("unexpected segment classes: %v", classes)
	}
	if ent.Terminal() {
		t.Fatal("in-progress project reported terminal")
	}
}

func TestDecodeWithoutData(t *testing.T) {
	_, err := entity.Decode[entity.Avatar](entity.Entity{Key: entity.AvatarKey("a")})
	if !errors.Is(err, entity.ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}
