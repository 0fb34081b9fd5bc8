package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"avatarctl/internal/entity"
	"avatarctl/internal/testsupport"
)

func TestAvatarCreateAndList(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.run(t, "avatar", "create", "--name", "Ada", "--prompt", "studio portrait")
	if err != nil {
		t.Fatalf("avatar create: %v", err)
	}
	requireContains(t, out, "created (Pending)")

	out, _, err = env.run(t, "avatar", "list")
	if err != nil {
		t.Fatalf("avatar list: %v", err)
	}
	requireContains(t, out, "Ada")
	requireContains(t, out, "Pending")

	out, _, err = env.run(t, "avatar", "list", "--json")
	if err != nil {
		t.Fatalf("avatar list --json: %v", err)
	}
	var avatars []entity.Avatar
	if err := json.Unmarshal([]byte(out), &avatars); err != nil {
		t.Fatalf("decode avatars: %v\n%s", err, out)
	}
	if len(avatars) != 1 || avatars[0].Name != "Ada" {
		t.Fatalf("unexpected avatars %#v", avatars)
	}
}

func TestAvatarCreatePolicyRejection(t *testing.T) {
	env := setupCLITestEnv(t)
	env.api.FailNext("POST /avatars", http.StatusUnprocessableEntity, "content_policy", "prompt")

	_, _, err := env.run(t, "avatar", "create", "--prompt", "something forbidden")
	if err == nil {
		t.Fatal("expected policy rejection")
	}
	requireContains(t, describeError(err), "Rejected by content or plan policy")
}

func TestAvatarCreateRequiresPrompt(t *testing.T) {
	env := setupCLITestEnv(t)
	if _, _, err := env.run(t, "avatar", "create", "--name", "Ada"); err == nil {
		t.Fatal("expected error without --prompt")
	}
	if calls := env.api.Calls("POST /avatars"); calls != 0 {
		t.Fatalf("expected no request, got %d", calls)
	}
}

func TestAvatarShow(t *testing.T) {
	env := setupCLITestEnv(t)
	avatar := env.api.AddAvatar("Grace", "completed")

	out, _, err := env.run(t, "avatar", "show", avatar.ID)
	if err != nil {
		t.Fatalf("avatar show: %v", err)
	}
	requireContains(t, out, "avatar/"+avatar.ID)
	requireContains(t, out, "[OK] Completed")
	requireContains(t, out, "Grace")
}

func TestAvatarWatchFailedJob(t *testing.T) {
	env := setupCLITestEnv(t)
	avatar := env.api.AddAvatar("Broken", "failed")

	out, _, err := env.run(t, "avatar", "watch", avatar.ID)
	if err == nil {
		t.Fatal("expected failed job to exit with error")
	}
	requireContains(t, out, "[ERROR] Failed")
	requireContains(t, err.Error(), "failed")
}

func TestStoryWatchFinishedJob(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.run(t, "story", "create", "--prompt", "a lighthouse keeper's cat")
	if err != nil {
		t.Fatalf("story create: %v", err)
	}
	id := idFrom(t, out)
	env.api.SetStoryStatus(id, "success")

	out, _, err = env.run(t, "story", "watch", id)
	if err != nil {
		t.Fatalf("story watch: %v", err)
	}
	requireContains(t, out, "story/"+id)
	requireContains(t, out, "[OK] Success")
}

func TestAnimationPromptsAndShow(t *testing.T) {
	env := setupCLITestEnv(t)
	project := env.api.AddAnimation("av-0", "Intro", 2)

	out, _, err := env.run(t, "animation", "prompts", project.ID, "--set", "0=wave hello", "--set", "1=take a bow")
	if err != nil {
		t.Fatalf("animation prompts: %v", err)
	}
	requireContains(t, out, "Saved 2 prompt(s)")

	out, _, err = env.run(t, "animation", "show", project.ID)
	if err != nil {
		t.Fatalf("animation show: %v", err)
	}
	requireContains(t, out, "wave hello")
	requireContains(t, out, "take a bow")
	requireContains(t, out, "Intro")
}

func TestAnimationPromptsValidationError(t *testing.T) {
	env := setupCLITestEnv(t)
	project := env.api.AddAnimation("av-0", "Intro", 1)

	_, _, err := env.run(t, "animation", "prompts", project.ID, "--set", "4=too far")
	if err == nil {
		t.Fatal("expected validation error")
	}
	requireContains(t, describeError(err), "prompts[4]")
}

func TestAnimationGenerateAndRegenerate(t *testing.T) {
	env := setupCLITestEnv(t)
	project := env.api.AddAnimation("av-0", "Intro", 2)

	if _, _, err := env.run(t, "animation", "generate", project.ID); err == nil {
		t.Fatal("expected generate to fail without prompts")
	}
	if _, _, err := env.run(t, "animation", "prompts", project.ID, "--set", "0=a", "--set", "1=b"); err != nil {
		t.Fatalf("animation prompts: %v", err)
	}
	out, _, err := env.run(t, "animation", "generate", project.ID)
	if err != nil {
		t.Fatalf("animation generate: %v", err)
	}
	requireContains(t, out, "In Progress")

	out, _, err = env.run(t, "animation", "regenerate", project.ID, "1", "--prompt", "jump")
	if err != nil {
		t.Fatalf("animation regenerate: %v", err)
	}
	requireContains(t, out, "Segment 1 of "+project.ID+" restarted (Pending)")

	out, _, err = env.run(t, "jobs", "--active")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	requireContains(t, out, "animation/"+project.ID)
	requireContains(t, out, "segment/"+project.ID+":1")
}

func TestJobsJSONAndResume(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := env.run(t, "story", "create", "--prompt", "resume me")
	if err != nil {
		t.Fatalf("story create: %v", err)
	}
	id := idFrom(t, out)

	out, _, err = env.run(t, "jobs", "--json")
	if err != nil {
		t.Fatalf("jobs --json: %v", err)
	}
	var jobs []jobView
	if err := json.Unmarshal([]byte(out), &jobs); err != nil {
		t.Fatalf("decode jobs: %v\n%s", err, out)
	}
	if len(jobs) != 1 || jobs[0].Key != "story/"+id || jobs[0].Class != "non_terminal" {
		t.Fatalf("unexpected jobs %#v", jobs)
	}

	env.api.SetStoryStatus(id, "success")
	out, _, err = env.run(t, "resume")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	requireContains(t, out, "1 job(s) finished, 0 failed")

	out, _, err = env.run(t, "resume")
	if err != nil {
		t.Fatalf("second resume: %v", err)
	}
	requireContains(t, out, "No unfinished jobs")
}

func TestJobsWithLedgerDisabled(t *testing.T) {
	env := setupCLITestEnv(t, withoutLedger())
	_, _, err := env.run(t, "jobs")
	if err == nil {
		t.Fatal("expected error with ledger disabled")
	}
	requireContains(t, describeError(err), "ledger is disabled")
}

func TestLoginReadsPasswordFromStdin(t *testing.T) {
	env := setupCLITestEnv(t, withoutToken())

	_, _, err := env.run(t, "avatar", "list")
	if err == nil {
		t.Fatal("expected error before login")
	}
	requireContains(t, describeError(err), "Not signed in")

	out, _, err := env.runWithInput(t, testsupport.FakePassword+"\n", "login", "--email", "ada@example.test")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	requireContains(t, out, "Signed in as ada@example.test")

	if _, _, err := env.run(t, "avatar", "list"); err != nil {
		t.Fatalf("avatar list after login: %v", err)
	}

	out, _, err = env.run(t, "logout")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	requireContains(t, out, "Signed out")
}

func TestRevokedCredentialEndsSession(t *testing.T) {
	env := setupCLITestEnv(t, withoutToken())
	if _, _, err := env.runWithInput(t, testsupport.FakePassword+"\n", "login", "--email", "ada@example.test"); err != nil {
		t.Fatalf("login: %v", err)
	}
	env.api.RevokeToken()

	_, stderr, err := env.run(t, "avatar", "list")
	if err == nil {
		t.Fatal("expected auth error")
	}
	requireContains(t, stderr, "avatarctl login")
	if strings.Count(stderr, "Session expired") != 1 {
		t.Fatalf("expected a single session message, got %q", stderr)
	}
}

func TestRetryFlagRepeatsUnreachableMutationOnce(t *testing.T) {
	env := setupCLITestEnv(t)
	env.api.FailNext("POST /avatars", http.StatusTooManyRequests, "rate_limited", "")

	out, stderr, err := env.run(t, "--retry", "avatar", "create", "--name", "Ada", "--prompt", "portrait")
	if err != nil {
		t.Fatalf("avatar create --retry: %v", err)
	}
	requireContains(t, out, "created (Pending)")
	requireContains(t, stderr, "retrying once")
	if calls := env.api.Calls("POST /avatars"); calls != 2 {
		t.Fatalf("expected 2 create requests, got %d", calls)
	}
}

func TestRetryFlagGivesUpAfterSecondFailure(t *testing.T) {
	env := setupCLITestEnv(t)
	env.api.FailNext("POST /stories", http.StatusTooManyRequests, "rate_limited", "")
	env.api.FailNext("POST /stories", http.StatusTooManyRequests, "rate_limited", "")

	_, _, err := env.run(t, "--retry", "story", "create", "--prompt", "a quiet harbour")
	if err == nil {
		t.Fatal("expected error after the retry also failed")
	}
	requireContains(t, describeError(err), "Could not reach the service")
	if calls := env.api.Calls("POST /stories"); calls != 2 {
		t.Fatalf("expected exactly one retry, got %d requests", calls)
	}
}

func TestUnreachableMutationNotRetriedByDefault(t *testing.T) {
	env := setupCLITestEnv(t)
	env.api.FailNext("POST /avatars", http.StatusTooManyRequests, "rate_limited", "")

	if _, _, err := env.run(t, "avatar", "create", "--prompt", "portrait"); err == nil {
		t.Fatal("expected network error without --retry")
	}
	if calls := env.api.Calls("POST /avatars"); calls != 1 {
		t.Fatalf("expected a single request, got %d", calls)
	}
}

func TestPolicyRejectionNeverRetried(t *testing.T) {
	env := setupCLITestEnv(t)
	env.api.FailNext("POST /avatars", http.StatusUnprocessableEntity, "content_policy", "prompt")

	if _, _, err := env.run(t, "--retry", "avatar", "create", "--prompt", "forbidden"); err == nil {
		t.Fatal("expected policy rejection")
	}
	if calls := env.api.Calls("POST /avatars"); calls != 1 {
		t.Fatalf("policy failures must not be retried, got %d requests", calls)
	}
}
