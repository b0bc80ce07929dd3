package server

import (
	"encoding/json"

	"gateline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type CreateItemRequest struct {
	ID          string   `json:"id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type UpdateItemRequest struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"open,in_progress,in_review,resolved,archived"`
}

type ReviewRequest struct {
	Decision string `json:"decision" enum:"approve,reject,comment"`
	Note     string `json:"note,omitempty"`
}

type UploadImageRequest struct {
	Filename string `json:"filename"`
}

type ReorderImagesRequest struct {
	Order []string `json:"order"`
}

type IssueKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty" enum:"member,admin"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerUserID string `json:"owner_user_id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type ItemResponse struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags"`
	Status      string   `json:"status" enum:"open,in_progress,in_review,resolved,archived"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type ImageResponse struct {
	ID        string `json:"id"`
	ItemID    string `json:"item_id"`
	Filename  string `json:"filename"`
	Position  int    `json:"position"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AgentKeyResponse struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	CreatedBy  string  `json:"created_by"`
	Name       string  `json:"name,omitempty"`
	Prefix     string  `json:"prefix"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
	RevokedAt  *string `json:"revoked_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// IssuedKeyResponse is returned exactly once; the token is never retrievable
// again after this response.
type IssuedKeyResponse struct {
	KeyID     string `json:"keyId"`
	Name      string `json:"name,omitempty"`
	Prefix    string `json:"prefix"`
	Token     string `json:"token"`
	CreatedAt string `json:"createdAt" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	ItemID     string         `json:"item_id"`
	ActorType  string         `json:"actor_type" enum:"USER,AGENT"`
	ActorUser  string         `json:"actor_user_id,omitempty"`
	AgentKeyID string         `json:"agent_key_id,omitempty"`
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type MeResponse struct {
	Kind      string `json:"kind" enum:"user,agent"`
	UserID    string `json:"user_id,omitempty"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	KeyID     string `json:"key_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Pagination envelope: nextCursor is null exactly on the last page.

type pageInfo struct {
	Limit      int     `json:"limit"`
	NextCursor *string `json:"nextCursor"`
}

type paginatedEvents struct {
	Items []EventResponse `json:"items"`
	Page  pageInfo        `json:"page"`
}

type paginatedItems struct {
	Items []ItemResponse `json:"items"`
	Page  pageInfo       `json:"page"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func itemResponse(it domain.Item) ItemResponse {
	return ItemResponse{
		ID:          it.ID,
		ProjectID:   it.ProjectID,
		Title:       it.Title,
		Description: it.Description,
		Tags:        nonNilSlice(it.Tags),
		Status:      it.Status,
		CreatedAt:   it.CreatedAt,
		UpdatedAt:   it.UpdatedAt,
	}
}

func imageResponse(img domain.ItemImage) ImageResponse {
	return ImageResponse(img)
}

func agentKeyResponse(k domain.AgentKey) AgentKeyResponse {
	return AgentKeyResponse{
		ID:         k.ID,
		ProjectID:  k.ProjectID,
		CreatedBy:  k.CreatedBy,
		Name:       k.Name,
		Prefix:     k.Prefix,
		LastUsedAt: k.LastUsedAt,
		RevokedAt:  k.RevokedAt,
		CreatedAt:  k.CreatedAt,
	}
}

func eventResponse(e domain.ActivityEvent) EventResponse {
	return EventResponse{
		ID:         e.ID,
		ItemID:     e.ItemID,
		ActorType:  e.ActorType,
		ActorUser:  e.ActorUser,
		AgentKeyID: e.AgentKeyID,
		Type:       e.Type,
		Message:    e.Message,
		Metadata:   decodeJSONMap(e.Metadata),
		CreatedAt:  e.CreatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapItems(items []domain.Item) []ItemResponse {
	res := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, itemResponse(it))
	}
	return res
}

func mapKeys(keys []domain.AgentKey) []AgentKeyResponse {
	res := make([]AgentKeyResponse, 0, len(keys))
	for _, k := range keys {
		res = append(res, agentKeyResponse(k))
	}
	return res
}

func mapImages(imgs []domain.ItemImage) []ImageResponse {
	res := make([]ImageResponse, 0, len(imgs))
	for _, img := range imgs {
		res = append(res, imageResponse(img))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp map[string]any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	return tmp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
