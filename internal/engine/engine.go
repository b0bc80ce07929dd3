package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gateline/internal/auth"
	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/events"
	"gateline/internal/repo"
)

// Engine runs every mutation as one transaction: authorization has already
// happened, the state change and its activity event commit together or not
// at all. Concurrent mutations against the same item serialize on the item
// row inside the transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Recorder
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Recorder{},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// recorder binds the event recorder to the engine clock unless the recorder
// carries its own, so item timestamps and event timestamps share one source.
func (e Engine) recorder() events.Recorder {
	rec := e.Events
	if rec.Now == nil {
		rec.Now = e.now
	}
	return rec
}

// guardItem loads an item inside the write transaction and applies the
// visibility rule: an item outside the principal's scope reads as absent.
func (e Engine) guardItem(ctx context.Context, tx *sql.Tx, p auth.Principal, itemID string) (domain.Item, error) {
	it, err := e.Repo.GetItem(ctx, tx, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	proj, err := e.Repo.GetProject(ctx, it.ProjectID)
	if err != nil {
		return domain.Item{}, err
	}
	if !auth.CanAccessProject(p, proj) {
		return domain.Item{}, repo.ErrNotFound
	}
	return it, nil
}

// --- projects ---

func (e Engine) CreateProject(ctx context.Context, owner auth.Human, id, name, description string) (domain.Project, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Project{}, ValidationError{Field: "name"}
	}
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Project{
		ID:          id,
		Name:        name,
		OwnerUserID: owner.ID,
		Description: description,
		CreatedAt:   e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// --- items ---

type ItemCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Tags        []string
}

func (e Engine) CreateItem(ctx context.Context, h auth.Human, opts ItemCreateOptions) (domain.Item, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Item{}, ValidationError{Field: "title"}
	}
	proj, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return domain.Item{}, err
	}
	if !auth.CanAccessProject(h, proj) {
		return domain.Item{}, repo.ErrNotFound
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowStr()
	it := domain.Item{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Description: opts.Description,
		Tags:        opts.Tags,
		Status:      domain.StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	if _, err := e.recorder().Append(ctx, tx, it.ID, h.Actor(), domain.EventItemCreated,
		fmt.Sprintf("item %q created", it.Title),
		events.Metadata{"title": it.Title, "status": it.Status}); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

// FieldUpdate carries optional new values; nil means unchanged.
type FieldUpdate struct {
	Title       *string
	Description *string
	Tags        []string
	TagsSet     bool
}

func (e Engine) UpdateItemFields(ctx context.Context, p auth.Principal, itemID string, upd FieldUpdate) (domain.Item, error) {
	if upd.Title != nil && strings.TrimSpace(*upd.Title) == "" {
		return domain.Item{}, ValidationError{Field: "title"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	it, err := e.guardItem(ctx, tx, p, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	var changed []events.Metadata
	if upd.Title != nil && *upd.Title != it.Title {
		changed = append(changed, events.Metadata{"field": "title", "from": it.Title, "to": *upd.Title})
		it.Title = *upd.Title
	}
	if upd.Description != nil && *upd.Description != it.Description {
		changed = append(changed, events.Metadata{"field": "description", "from": it.Description, "to": *upd.Description})
		it.Description = *upd.Description
	}
	if upd.TagsSet && !sameTags(it.Tags, upd.Tags) {
		changed = append(changed, events.Metadata{"field": "tags", "from": it.Tags, "to": upd.Tags})
		it.Tags = upd.Tags
	}
	if len(changed) == 0 {
		// nothing changed; succeed without touching the row or the trail
		return it, nil
	}
	it.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	fields := make([]string, 0, len(changed))
	for _, c := range changed {
		fields = append(fields, c["field"].(string))
	}
	if _, err := e.recorder().Append(ctx, tx, it.ID, p.Actor(), domain.EventItemUpdated,
		fmt.Sprintf("updated %s", strings.Join(fields, ", ")),
		events.Metadata{"changes": changed}); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

func (e Engine) DeleteItem(ctx context.Context, h auth.Human, itemID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	it, err := e.guardItem(ctx, tx, h, itemID)
	if err != nil {
		return err
	}
	// activity events and images cascade with the item row
	if err := e.Repo.DeleteItem(ctx, tx, it.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- status ---

// SetStatus applies one lifecycle edge. For humans, setting the current
// status is a successful no-op and records nothing. Agent requests hit the
// agent edge rules before the no-op short-circuit, so an agent touching a
// terminal item is rejected rather than ignored.
func (e Engine) SetStatus(ctx context.Context, p auth.Principal, itemID, to string) (domain.Item, error) {
	if !validStatus(to) {
		return domain.Item{}, ValidationError{Field: "status"}
	}
	_, isAgent := p.(auth.Agent)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	it, err := e.guardItem(ctx, tx, p, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	if isAgent && (terminal(it.Status) || to != domain.StatusInReview) {
		return domain.Item{}, TransitionError{From: it.Status, To: to}
	}
	if it.Status == to {
		return it, nil
	}
	if err := ensureTransition(it.Status, to, isAgent); err != nil {
		return domain.Item{}, err
	}
	from := it.Status
	it.Status = to
	it.UpdatedAt = e.nowStr()
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return domain.Item{}, err
	}
	if _, err := e.recorder().Append(ctx, tx, it.ID, p.Actor(), domain.EventStatusChange,
		fmt.Sprintf("status changed from %s to %s", from, to),
		events.Metadata{"from": from, "to": to}); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

// --- agent resolution ---

type CommandOutput struct {
	Command  string `json:"command"`
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
}

// ResolutionPayload is the evidence bundle an agent submits with completed
// work. All required fields are checked before the transaction opens.
type ResolutionPayload struct {
	ChatSessionID  string          `json:"chatSessionId"`
	ResolutionNote string          `json:"resolutionNote"`
	CodeChanges    string          `json:"codeChanges"`
	CommandOutputs []CommandOutput `json:"commandOutputs"`
	TestSummary    string          `json:"testSummary,omitempty"`
}

func (p ResolutionPayload) Validate() error {
	if strings.TrimSpace(p.ChatSessionID) == "" {
		return ValidationError{Field: "chatSessionId"}
	}
	if strings.TrimSpace(p.ResolutionNote) == "" {
		return ValidationError{Field: "resolutionNote"}
	}
	if strings.TrimSpace(p.CodeChanges) == "" {
		return ValidationError{Field: "codeChanges"}
	}
	if len(p.CommandOutputs) == 0 {
		return ValidationError{Field: "commandOutputs"}
	}
	for _, c := range p.CommandOutputs {
		if strings.TrimSpace(c.Command) == "" {
			return ValidationError{Field: "commandOutputs.command"}
		}
	}
	return nil
}

// SubmitResolution records the agent's evidence bundle and moves the item
// into review. Resubmission against an item already in review records the
// note without a status change and without re-notifying reviewers.
func (e Engine) SubmitResolution(ctx context.Context, a auth.Agent, itemID string, payload ResolutionPayload) (domain.Item, error) {
	if err := payload.Validate(); err != nil {
		return domain.Item{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	it, err := e.guardItem(ctx, tx, a, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	if terminal(it.Status) {
		return domain.Item{}, TransitionError{From: it.Status, To: domain.StatusInReview}
	}
	outputs := make([]events.Metadata, 0, len(payload.CommandOutputs))
	for _, c := range payload.CommandOutputs {
		outputs = append(outputs, events.Metadata{"command": c.Command, "output": c.Output, "exit_code": c.ExitCode})
	}
	meta := events.Metadata{
		"chat_session_id": payload.ChatSessionID,
		"resolution_note": payload.ResolutionNote,
		"code_changes":    payload.CodeChanges,
		"command_outputs": outputs,
	}
	if payload.TestSummary != "" {
		meta["test_summary"] = payload.TestSummary
	}
	if _, err := e.recorder().Append(ctx, tx, it.ID, a.Actor(), domain.EventResolutionNote,
		"agent submitted resolution evidence", meta); err != nil {
		return domain.Item{}, err
	}
	if it.Status != domain.StatusInReview {
		if err := ensureTransition(it.Status, domain.StatusInReview, true); err != nil {
			return domain.Item{}, err
		}
		from := it.Status
		it.Status = domain.StatusInReview
		it.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
			return domain.Item{}, err
		}
		if _, err := e.recorder().Append(ctx, tx, it.ID, a.Actor(), domain.EventStatusChange,
			fmt.Sprintf("status changed from %s to %s", from, domain.StatusInReview),
			events.Metadata{"from": from, "to": domain.StatusInReview}); err != nil {
			return domain.Item{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

// --- review ---

// Review decisions.
const (
	ReviewApprove = "approve"
	ReviewReject  = "reject"
	ReviewComment = "comment"
)

// Review applies a human verdict to an item in review. A stale decision
// against an item that has since moved is a conflict, not a silent apply.
// A comment-only review records the reviewer's note without moving the item.
func (e Engine) Review(ctx context.Context, h auth.Human, itemID, decision, note string) (domain.Item, error) {
	switch decision {
	case ReviewApprove, ReviewReject, ReviewComment:
	default:
		return domain.Item{}, ValidationError{Field: "decision"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Item{}, err
	}
	defer tx.Rollback()
	it, err := e.guardItem(ctx, tx, h, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	if it.Status != domain.StatusInReview {
		return domain.Item{}, ConflictError{Reason: fmt.Sprintf("item is %s, not %s", it.Status, domain.StatusInReview)}
	}
	from := it.Status
	var evtType, message string
	switch decision {
	case ReviewApprove:
		it.Status = domain.StatusResolved
		evtType = domain.EventReviewApproved
		message = "review approved"
	case ReviewReject:
		it.Status = domain.StatusInProgress
		evtType = domain.EventReviewRejected
		message = "review rejected"
	case ReviewComment:
		evtType = domain.EventReviewSubmitted
		message = "review comment"
	}
	meta := events.Metadata{"from": from, "to": it.Status}
	if note != "" {
		meta["note"] = note
	}
	if it.Status != from {
		it.UpdatedAt = e.nowStr()
		if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
			return domain.Item{}, err
		}
	}
	if _, err := e.recorder().Append(ctx, tx, it.ID, h.Actor(), evtType, message, meta); err != nil {
		return domain.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

// --- images ---

func (e Engine) AddImage(ctx context.Context, p auth.Principal, itemID, filename string) (domain.ItemImage, error) {
	if strings.TrimSpace(filename) == "" {
		return domain.ItemImage{}, ValidationError{Field: "filename"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ItemImage{}, err
	}
	defer tx.Rollback()
	it, err := e.guardItem(ctx, tx, p, itemID)
	if err != nil {
		return domain.ItemImage{}, err
	}
	existing, err := e.Repo.ListImages(ctx, tx, it.ID)
	if err != nil {
		return domain.ItemImage{}, err
	}
	img := domain.ItemImage{
		ID:        uuid.New().String(),
		ItemID:    it.ID,
		Filename:  filename,
		Position:  len(existing),
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertImage(ctx, tx, img); err != nil {
		return domain.ItemImage{}, err
	}
	if _, err := e.recorder().Append(ctx, tx, it.ID, p.Actor(), domain.EventImageUploaded,
		fmt.Sprintf("image %s uploaded", filename),
		events.Metadata{"image_id": img.ID, "filename": filename}); err != nil {
		return domain.ItemImage{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ItemImage{}, err
	}
	return img, nil
}

func (e Engine) DeleteImage(ctx context.Context, p auth.Principal, itemID, imageID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	it, err := e.guardItem(ctx, tx, p, itemID)
	if err != nil {
		return err
	}
	img, err := e.Repo.GetImage(ctx, tx, imageID)
	if err != nil {
		return err
	}
	if img.ItemID != it.ID {
		return repo.ErrNotFound
	}
	if err := e.Repo.DeleteImage(ctx, tx, img.ID); err != nil {
		return err
	}
	if _, err := e.recorder().Append(ctx, tx, it.ID, p.Actor(), domain.EventImageDeleted,
		fmt.Sprintf("image %s deleted", img.Filename),
		events.Metadata{"image_id": img.ID, "filename": img.Filename}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ReorderImages(ctx context.Context, p auth.Principal, itemID string, order []string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	it, err := e.guardItem(ctx, tx, p, itemID)
	if err != nil {
		return err
	}
	existing, err := e.Repo.ListImages(ctx, tx, it.ID)
	if err != nil {
		return err
	}
	if len(order) != len(existing) {
		return ValidationError{Field: "order"}
	}
	byID := make(map[string]bool, len(existing))
	for _, img := range existing {
		byID[img.ID] = true
	}
	for _, id := range order {
		if !byID[id] {
			return ValidationError{Field: "order"}
		}
		delete(byID, id)
	}
	for pos, id := range order {
		if err := e.Repo.SetImagePosition(ctx, tx, id, pos); err != nil {
			return err
		}
	}
	if _, err := e.recorder().Append(ctx, tx, it.ID, p.Actor(), domain.EventImagesReordered,
		"images reordered", events.Metadata{"order": order}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- agent keys ---

// IssuedKey pairs the stored credential with its plaintext token. The token
// exists only in this value and is never retrievable again.
type IssuedKey struct {
	Key   domain.AgentKey
	Token string
}

func (e Engine) IssueKey(ctx context.Context, h auth.Human, projectID, name string) (IssuedKey, error) {
	proj, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return IssuedKey{}, err
	}
	if !auth.CanAccessProject(h, proj) {
		return IssuedKey{}, repo.ErrNotFound
	}
	tag := e.Config.Auth.AgentKeyTag
	secret, prefix, err := auth.MintSecret(tag)
	if err != nil {
		return IssuedKey{}, err
	}
	key := domain.AgentKey{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		CreatedBy:  h.ID,
		Name:       name,
		Prefix:     prefix,
		SecretHash: repo.HashSecret(secret),
		CreatedAt:  e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return IssuedKey{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAgentKey(ctx, tx, key); err != nil {
		return IssuedKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{Key: key, Token: auth.FormatToken(tag, key.ID, secret)}, nil
}

func (e Engine) RevokeKey(ctx context.Context, h auth.Human, keyID string) error {
	key, err := e.Repo.GetAgentKey(ctx, keyID)
	if err != nil {
		return err
	}
	proj, err := e.Repo.GetProject(ctx, key.ProjectID)
	if err != nil {
		return err
	}
	if !auth.CanAccessProject(h, proj) {
		return repo.ErrNotFound
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeAgentKey(ctx, tx, key.ID, e.nowStr()); err != nil {
		return err
	}
	return tx.Commit()
}

// --- helpers ---

func sameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
