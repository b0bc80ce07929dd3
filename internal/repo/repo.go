package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"gateline/internal/domain"
)

// ErrNotFound indicates a missing row. Callers translate it to the API's
// not-found class, which deliberately also covers rows outside the caller's
// visible scope.
var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

// Visibility is the row-level scope predicate applied inside list queries.
// Exactly one of the narrowing fields is consulted: All short-circuits,
// ProjectID pins an agent to its project, OwnerUserID limits a member to
// projects it owns.
type Visibility struct {
	All         bool
	ProjectID   string
	OwnerUserID string
}

func (v Visibility) clause(projectCol, ownerCol string) (string, []any) {
	if v.All {
		return "", nil
	}
	if v.ProjectID != "" {
		return projectCol + "=?", []any{v.ProjectID}
	}
	return ownerCol + "=?", []any{v.OwnerUserID}
}

// --- projects ---

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,owner_user_id,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.OwnerUserID, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,owner_user_id,COALESCE(description,''),created_at FROM projects WHERE id=?`, id)
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.OwnerUserID, &p.Description, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Project{}, ErrNotFound
	}
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (r Repo) ListProjects(ctx context.Context, scope Visibility) ([]domain.Project, error) {
	query := `SELECT id,name,owner_user_id,COALESCE(description,''),created_at FROM projects`
	var args []any
	if clause, cargs := scope.clause("id", "owner_user_id"); clause != "" {
		query += ` WHERE ` + clause
		args = cargs
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.OwnerUserID, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- items ---

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	tags, err := marshalTags(it.Tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO items(id,project_id,title,description,tags_json,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Title, nullable(it.Description), tags, it.Status, it.CreatedAt, it.UpdatedAt)
	return err
}

// GetItem reads an item. Pass a nil tx for a plain read; inside a mutation the
// write transaction must be used so concurrent transitions serialize on the row.
func (r Repo) GetItem(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	query := `SELECT id,project_id,title,COALESCE(description,''),tags_json,status,created_at,updated_at FROM items WHERE id=?`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, id)
	} else {
		row = r.DB.QueryRowContext(ctx, query, id)
	}
	var it domain.Item
	var tags sql.NullString
	err := row.Scan(&it.ID, &it.ProjectID, &it.Title, &it.Description, &tags, &it.Status, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Item{}, ErrNotFound
	}
	if err != nil {
		return domain.Item{}, err
	}
	if tags.Valid {
		it.Tags = decodeTags(tags.String)
	}
	return it, nil
}

func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	tags, err := marshalTags(it.Tags)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE items SET title=?,description=?,tags_json=?,status=?,updated_at=? WHERE id=?`,
		it.Title, nullable(it.Description), tags, it.Status, it.UpdatedAt, it.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteItem(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM items WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type ItemFilters struct {
	ProjectID       string
	Status          string
	Scope           Visibility
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.Item, error) {
	var clauses []string
	var args []any
	if clause, cargs := f.Scope.clause("i.project_id", "p.owner_user_id"); clause != "" {
		clauses = append(clauses, clause)
		args = append(args, cargs...)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "i.project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "i.status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(i.created_at < ? OR (i.created_at = ? AND i.id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT i.id,i.project_id,i.title,COALESCE(i.description,''),i.tags_json,i.status,i.created_at,i.updated_at
FROM items i JOIN projects p ON p.id=i.project_id ` + where + ` ORDER BY i.created_at DESC, i.id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		var it domain.Item
		var tags sql.NullString
		if err := rows.Scan(&it.ID, &it.ProjectID, &it.Title, &it.Description, &tags, &it.Status, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		if tags.Valid {
			it.Tags = decodeTags(tags.String)
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// --- item images ---

func (r Repo) InsertImage(ctx context.Context, tx *sql.Tx, img domain.ItemImage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO item_images(id,item_id,filename,position,created_at) VALUES (?,?,?,?,?)`,
		img.ID, img.ItemID, img.Filename, img.Position, img.CreatedAt)
	return err
}

func (r Repo) GetImage(ctx context.Context, tx *sql.Tx, id string) (domain.ItemImage, error) {
	query := `SELECT id,item_id,filename,position,created_at FROM item_images WHERE id=?`
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, query, id)
	} else {
		row = r.DB.QueryRowContext(ctx, query, id)
	}
	var img domain.ItemImage
	err := row.Scan(&img.ID, &img.ItemID, &img.Filename, &img.Position, &img.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.ItemImage{}, ErrNotFound
	}
	if err != nil {
		return domain.ItemImage{}, err
	}
	return img, nil
}

func (r Repo) DeleteImage(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM item_images WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListImages(ctx context.Context, tx *sql.Tx, itemID string) ([]domain.ItemImage, error) {
	query := `SELECT id,item_id,filename,position,created_at FROM item_images WHERE item_id=? ORDER BY position ASC, created_at ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, itemID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, itemID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ItemImage
	for rows.Next() {
		var img domain.ItemImage
		if err := rows.Scan(&img.ID, &img.ItemID, &img.Filename, &img.Position, &img.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, img)
	}
	return res, rows.Err()
}

func (r Repo) SetImagePosition(ctx context.Context, tx *sql.Tx, id string, position int) error {
	_, err := tx.ExecContext(ctx, `UPDATE item_images SET position=? WHERE id=?`, position, id)
	return err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalTags(tags []string) (any, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil
	}
	return tags
}
