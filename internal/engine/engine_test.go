package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gateline/internal/auth"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Owner  auth.Human
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	owner := auth.Human{ID: "owner-1", Role: auth.RoleMember}
	if _, err := eng.CreateProject(ctx, owner, "proj-1", "test project", ""); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Owner: owner}
}

func (env testEnv) createItem(t *testing.T, title string) domain.Item {
	t.Helper()
	it, err := env.Engine.CreateItem(env.Ctx, env.Owner, engine.ItemCreateOptions{
		ProjectID: "proj-1",
		Title:     title,
	})
	if err != nil {
		t.Fatalf("create item: %v", err)
	}
	return it
}

func (env testEnv) issueAgent(t *testing.T) auth.Agent {
	t.Helper()
	issued, err := env.Engine.IssueKey(env.Ctx, env.Owner, "proj-1", "test agent")
	if err != nil {
		t.Fatalf("issue key: %v", err)
	}
	return auth.Agent{KeyID: issued.Key.ID, ProjectID: issued.Key.ProjectID}
}

func validPayload() engine.ResolutionPayload {
	return engine.ResolutionPayload{
		ChatSessionID:  "sess-1",
		ResolutionNote: "fixed the race in the watcher",
		CodeChanges:    "diff --git a/watch.go b/watch.go",
		CommandOutputs: []engine.CommandOutput{{Command: "go test ./...", Output: "ok", ExitCode: 0}},
	}
}

func (env testEnv) countEvents(t *testing.T, itemID, evtType string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountActivity(env.Ctx, itemID, evtType)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func TestAgentResolutionRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "flaky login")
	agent := env.issueAgent(t)

	// agent resolves from open: note plus one status change
	item, err := env.Engine.SubmitResolution(env.Ctx, agent, item.ID, validPayload())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if item.Status != domain.StatusInReview {
		t.Fatalf("expected in_review, got %s", item.Status)
	}
	if n := env.countEvents(t, item.ID, domain.EventResolutionNote); n != 1 {
		t.Fatalf("expected 1 resolution note, got %d", n)
	}
	if n := env.countEvents(t, item.ID, domain.EventStatusChange); n != 1 {
		t.Fatalf("expected 1 status change, got %d", n)
	}

	// reviewer rejects back to in_progress
	item, err = env.Engine.Review(env.Ctx, env.Owner, item.ID, engine.ReviewReject, "tests missing")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if item.Status != domain.StatusInProgress {
		t.Fatalf("expected in_progress after reject, got %s", item.Status)
	}
	if n := env.countEvents(t, item.ID, domain.EventReviewRejected); n != 1 {
		t.Fatalf("expected 1 rejection event, got %d", n)
	}
	// the rejection is a single event, not a rejection plus a status change
	if n := env.countEvents(t, item.ID, domain.EventStatusChange); n != 1 {
		t.Fatalf("expected no extra status change, got %d", n)
	}

	// second round resolves and gets approved
	item, err = env.Engine.SubmitResolution(env.Ctx, agent, item.ID, validPayload())
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	item, err = env.Engine.Review(env.Ctx, env.Owner, item.ID, engine.ReviewApprove, "looks good")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if item.Status != domain.StatusResolved {
		t.Fatalf("expected resolved, got %s", item.Status)
	}

	// resolved is terminal for agents
	_, err = env.Engine.SubmitResolution(env.Ctx, agent, item.ID, validPayload())
	var te engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error on resolved item, got %v", err)
	}
}

func TestResolveWhileInReviewAddsNoteOnly(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "retry loop")
	agent := env.issueAgent(t)
	if _, err := env.Engine.SubmitResolution(env.Ctx, agent, item.ID, validPayload()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := env.Engine.SubmitResolution(env.Ctx, agent, item.ID, validPayload()); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if n := env.countEvents(t, item.ID, domain.EventResolutionNote); n != 2 {
		t.Fatalf("expected 2 resolution notes, got %d", n)
	}
	if n := env.countEvents(t, item.ID, domain.EventStatusChange); n != 1 {
		t.Fatalf("expected 1 status change, got %d", n)
	}
}

func TestAgentCanOnlyEnterReview(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "agent bounds")
	agent := env.issueAgent(t)
	for _, target := range []string{domain.StatusInProgress, domain.StatusResolved, domain.StatusArchived} {
		_, err := env.Engine.SetStatus(env.Ctx, agent, item.ID, target)
		var te engine.TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("expected transition error for agent -> %s, got %v", target, err)
		}
	}
	it, err := env.Engine.SetStatus(env.Ctx, agent, item.ID, domain.StatusInReview)
	if err != nil || it.Status != domain.StatusInReview {
		t.Fatalf("agent -> in_review should succeed: %v", err)
	}
}

func TestAgentRejectedOnTerminalItem(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "terminal guard")
	agent := env.issueAgent(t)
	if _, err := env.Engine.SubmitResolution(env.Ctx, agent, item.ID, validPayload()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := env.Engine.Review(env.Ctx, env.Owner, item.ID, engine.ReviewApprove, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	// setting the current terminal status is still a violation for agents
	var te engine.TransitionError
	for _, target := range []string{domain.StatusResolved, domain.StatusInReview} {
		_, err := env.Engine.SetStatus(env.Ctx, agent, item.ID, target)
		if !errors.As(err, &te) {
			t.Fatalf("expected transition error for agent -> %s on resolved item, got %v", target, err)
		}
	}
	// the same request from the owner is a plain no-op
	it, err := env.Engine.SetStatus(env.Ctx, env.Owner, item.ID, domain.StatusResolved)
	if err != nil || it.Status != domain.StatusResolved {
		t.Fatalf("human no-op on resolved item: %v", err)
	}
	// archived is equally off limits
	if _, err := env.Engine.SetStatus(env.Ctx, env.Owner, item.ID, domain.StatusOpen); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, env.Owner, item.ID, domain.StatusArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, agent, item.ID, domain.StatusArchived); !errors.As(err, &te) {
		t.Fatalf("expected transition error for agent on archived item, got %v", err)
	}
}

func TestHumanLifecycleEdges(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "edges")
	steps := []string{
		domain.StatusInProgress,
		domain.StatusInReview,
		domain.StatusResolved,
		domain.StatusOpen, // reopen
		domain.StatusArchived,
		domain.StatusInProgress, // unarchive straight to work
	}
	for _, s := range steps {
		var err error
		item, err = env.Engine.SetStatus(env.Ctx, env.Owner, item.ID, s)
		if err != nil {
			t.Fatalf("to %s: %v", s, err)
		}
	}
	// open -> resolved skips review and is rejected even for humans
	item, _ = env.Engine.SetStatus(env.Ctx, env.Owner, item.ID, domain.StatusInReview)
	item, _ = env.Engine.SetStatus(env.Ctx, env.Owner, item.ID, domain.StatusInProgress)
	_, err := env.Engine.SetStatus(env.Ctx, env.Owner, item.ID, domain.StatusResolved)
	var te engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error for in_progress -> resolved, got %v", err)
	}
}

func TestStatusNoopRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "noop")
	before := env.countEvents(t, item.ID, domain.EventStatusChange)
	it, err := env.Engine.SetStatus(env.Ctx, env.Owner, item.ID, domain.StatusOpen)
	if err != nil {
		t.Fatalf("noop set: %v", err)
	}
	if it.Status != domain.StatusOpen {
		t.Fatalf("unexpected status %s", it.Status)
	}
	if after := env.countEvents(t, item.ID, domain.EventStatusChange); after != before {
		t.Fatalf("noop recorded an event")
	}
}

func TestFieldUpdateDiffAndNoop(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "title v1")
	title := "title v2"
	it, err := env.Engine.UpdateItemFields(env.Ctx, env.Owner, item.ID, engine.FieldUpdate{Title: &title})
	if err != nil || it.Title != "title v2" {
		t.Fatalf("update title: %v", err)
	}
	if n := env.countEvents(t, item.ID, domain.EventItemUpdated); n != 1 {
		t.Fatalf("expected 1 update event, got %d", n)
	}
	// same value again records nothing
	if _, err := env.Engine.UpdateItemFields(env.Ctx, env.Owner, item.ID, engine.FieldUpdate{Title: &title}); err != nil {
		t.Fatalf("noop update: %v", err)
	}
	if n := env.countEvents(t, item.ID, domain.EventItemUpdated); n != 1 {
		t.Fatalf("noop update recorded an event")
	}
}

func TestResolutionPayloadValidation(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "validation")
	agent := env.issueAgent(t)
	cases := []func(*engine.ResolutionPayload){
		func(p *engine.ResolutionPayload) { p.ChatSessionID = "" },
		func(p *engine.ResolutionPayload) { p.ResolutionNote = "  " },
		func(p *engine.ResolutionPayload) { p.CodeChanges = "" },
		func(p *engine.ResolutionPayload) { p.CommandOutputs = nil },
		func(p *engine.ResolutionPayload) { p.CommandOutputs[0].Command = "" },
	}
	for i, mutate := range cases {
		payload := validPayload()
		mutate(&payload)
		_, err := env.Engine.SubmitResolution(env.Ctx, agent, item.ID, payload)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
	// nothing was recorded for the rejected submissions
	if n := env.countEvents(t, item.ID, domain.EventResolutionNote); n != 0 {
		t.Fatalf("rejected payloads left %d events", n)
	}
}

func TestFailedAppendRollsBackMutation(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "atomicity")
	// block the event insert so the append fails mid-transaction
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`CREATE TRIGGER block_appends BEFORE INSERT ON activity_events
		 BEGIN SELECT RAISE(ABORT, 'append blocked'); END`); err != nil {
		t.Fatalf("install trigger: %v", err)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, env.Owner, item.ID, domain.StatusInProgress); err == nil {
		t.Fatalf("expected status change to fail while appends are blocked")
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER block_appends`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	it, err := env.Engine.Repo.GetItem(env.Ctx, nil, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if it.Status != domain.StatusOpen {
		t.Fatalf("status leaked out of the aborted transaction: %s", it.Status)
	}
	if n := env.countEvents(t, item.ID, domain.EventStatusChange); n != 0 {
		t.Fatalf("aborted transaction left %d status events", n)
	}
}

func TestReviewRequiresInReview(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "early review")
	_, err := env.Engine.Review(env.Ctx, env.Owner, item.ID, engine.ReviewApprove, "")
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict for review of open item, got %v", err)
	}
}

func TestReviewCommentKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "comment only")
	agent := env.issueAgent(t)
	if _, err := env.Engine.SubmitResolution(env.Ctx, agent, item.ID, validPayload()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	it, err := env.Engine.Review(env.Ctx, env.Owner, item.ID, engine.ReviewComment, "needs a changelog entry")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if it.Status != domain.StatusInReview {
		t.Fatalf("comment moved the item to %s", it.Status)
	}
	if n := env.countEvents(t, item.ID, domain.EventReviewSubmitted); n != 1 {
		t.Fatalf("expected 1 review comment event, got %d", n)
	}
}

func TestKeyRevocation(t *testing.T) {
	env := newTestEnv(t)
	issued, err := env.Engine.IssueKey(env.Ctx, env.Owner, "proj-1", "short lived")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := env.Engine.RevokeKey(env.Ctx, env.Owner, issued.Key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	key, err := env.Engine.Repo.GetAgentKey(env.Ctx, issued.Key.ID)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if !key.Revoked() {
		t.Fatalf("expected key revoked")
	}
	// revoking again reads as absent
	if err := env.Engine.RevokeKey(env.Ctx, env.Owner, issued.Key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on double revoke, got %v", err)
	}
}

func TestCrossProjectAgentSeesNothing(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "private")
	other := auth.Human{ID: "owner-2", Role: auth.RoleMember}
	if _, err := env.Engine.CreateProject(env.Ctx, other, "proj-2", "other project", ""); err != nil {
		t.Fatalf("create project: %v", err)
	}
	issued, err := env.Engine.IssueKey(env.Ctx, other, "proj-2", "foreign agent")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	agent := auth.Agent{KeyID: issued.Key.ID, ProjectID: "proj-2"}
	if _, err := env.Engine.SubmitResolution(env.Ctx, agent, item.ID, validPayload()); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for cross-project agent, got %v", err)
	}
}

func TestMemberVisibility(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "owner only")
	stranger := auth.Human{ID: "someone-else", Role: auth.RoleMember}
	if _, err := env.Engine.SetStatus(env.Ctx, stranger, item.ID, domain.StatusInProgress); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for non-owner, got %v", err)
	}
	admin := auth.Human{ID: "root", Role: auth.RoleAdmin}
	if _, err := env.Engine.SetStatus(env.Ctx, admin, item.ID, domain.StatusInProgress); err != nil {
		t.Fatalf("admin should see everything: %v", err)
	}
}

func TestImageMutations(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "screenshots")
	first, err := env.Engine.AddImage(env.Ctx, env.Owner, item.ID, "before.png")
	if err != nil {
		t.Fatalf("add image: %v", err)
	}
	second, err := env.Engine.AddImage(env.Ctx, env.Owner, item.ID, "after.png")
	if err != nil {
		t.Fatalf("add image: %v", err)
	}
	if err := env.Engine.ReorderImages(env.Ctx, env.Owner, item.ID, []string{second.ID, first.ID}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	imgs, err := env.Engine.Repo.ListImages(env.Ctx, nil, item.ID)
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	if len(imgs) != 2 || imgs[0].ID != second.ID {
		t.Fatalf("unexpected order after reorder")
	}
	// reorder must name every image exactly once
	err = env.Engine.ReorderImages(env.Ctx, env.Owner, item.ID, []string{first.ID})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for partial order, got %v", err)
	}
	if err := env.Engine.DeleteImage(env.Ctx, env.Owner, item.ID, first.ID); err != nil {
		t.Fatalf("delete image: %v", err)
	}
	if n := env.countEvents(t, item.ID, domain.EventImageDeleted); n != 1 {
		t.Fatalf("expected 1 delete event, got %d", n)
	}
}

func TestEventTimestampsFollowEngineClock(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "clock check")
	var ts string
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT created_at FROM activity_events WHERE item_id=?`, item.ID).Scan(&ts); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !strings.HasPrefix(ts, "2024-01-01T") {
		t.Fatalf("event timestamp ignored the injected clock: %s", ts)
	}
}

func TestActivityEventsAreImmutable(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "tamper check")
	if _, err := env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE activity_events SET message='rewritten' WHERE item_id=?`, item.ID); err == nil {
		t.Fatalf("expected update on activity_events to fail")
	}
}
