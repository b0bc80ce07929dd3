package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"gateline/internal/auth"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid status transition resolved -> in_review"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Gateline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Gateline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerImages(group, cfg.Engine)
	registerAgentKeys(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors to the stable error taxonomy. No kind is
// swallowed or downgraded; anything unrecognized is an internal error.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"operation": fe.Operation})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	if errors.Is(err, errInvalidCursor) {
		return newAPIError(http.StatusBadRequest, "invalid_cursor", err.Error(), nil)
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "invalid credentials", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// visibleProject loads a project the principal may see; anything else reads
// as not found.
func visibleProject(ctx context.Context, e engine.Engine, p auth.Principal, projectID string) (domain.Project, error) {
	proj, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if !auth.CanAccessProject(p, proj) {
		return domain.Project{}, repo.ErrNotFound
	}
	return proj, nil
}

// visibleItem is the read-path counterpart of the engine's transactional
// guard.
func visibleItem(ctx context.Context, e engine.Engine, p auth.Principal, itemID string) (domain.Item, error) {
	it, err := e.Repo.GetItem(ctx, nil, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	if _, err := visibleProject(ctx, e, p, it.ProjectID); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

func normalizeLimit(e engine.Engine, in int) int {
	def, max := 50, 100
	if e.Config != nil {
		if e.Config.Pagination.DefaultLimit > 0 {
			def = e.Config.Pagination.DefaultLimit
		}
		if e.Config.Pagination.MaxLimit > 0 {
			max = e.Config.Pagination.MaxLimit
		}
	}
	if in <= 0 {
		return def
	}
	if in > max {
		return max
	}
	return in
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := auth.RequireHuman(p, "project.create")
		if err != nil {
			return nil, handleError(err)
		}
		proj, err := e.CreateProject(ctx, h, input.Body.ID, input.Body.Name, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(proj)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx, auth.Scope(p))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		proj, err := visibleProject(ctx, e, p, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(proj)}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := auth.RequireHuman(p, "item.create")
		if err != nil {
			return nil, handleError(err)
		}
		it, err := e.CreateItem(ctx, h, engine.ItemCreateOptions{
			ID:          input.Body.ID,
			ProjectID:   input.ProjectID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Tags:        input.Body.Tags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := visibleProject(ctx, e, p, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(e, input.Limit)
		cursorCreated, cursorID, err := decodeItemCursor(input.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListItems(ctx, repo.ItemFilters{
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			Scope:           auth.Scope(p),
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedItems{Items: []ItemResponse{}, Page: pageInfo{Limit: limit}}
		if len(items) > limit {
			next := encodeItemCursor(items[limit-1].CreatedAt, items[limit-1].ID)
			resp.Page.NextCursor = &next
			items = items[:limit]
		}
		resp.Items = mapItems(items)
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := visibleItem(ctx, e, p, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-item",
		Method:      http.MethodPatch,
		Path:        "/items/{item_id}",
		Summary:     "Update work item fields",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string            `path:"item_id"`
		Body   UpdateItemRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		upd := engine.FieldUpdate{
			Title:       input.Body.Title,
			Description: input.Body.Description,
		}
		if input.Body.Tags != nil {
			upd.TagsSet = true
			upd.Tags = *input.Body.Tags
		}
		it, err := e.UpdateItemFields(ctx, p, input.ItemID, upd)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-item",
		Method:      http.MethodDelete,
		Path:        "/items/{item_id}",
		Summary:     "Delete work item",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := auth.RequireHuman(p, "item.delete")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteItem(ctx, h, input.ItemID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-item-status",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/status",
		Summary:     "Apply a lifecycle transition",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string           `path:"item_id"`
		Body   SetStatusRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.SetStatus(ctx, p, input.ItemID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-resolution",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/resolve",
		Summary:     "Agent submits resolution evidence",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string                   `path:"item_id"`
		Body   engine.ResolutionPayload `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, ok := p.(auth.Agent)
		if !ok {
			return nil, handleError(auth.ForbiddenError{Operation: "item.resolve"})
		}
		it, err := e.SubmitResolution(ctx, a, input.ItemID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-item",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/review",
		Summary:     "Human review decision",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string        `path:"item_id"`
		Body   ReviewRequest `json:"body"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := auth.RequireHuman(p, "item.review")
		if err != nil {
			return nil, handleError(err)
		}
		it, err := e.Review(ctx, h, input.ItemID, input.Body.Decision, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: itemResponse(it)}, nil
	})
}

func registerImages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-images",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/images",
		Summary:     "List item images",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body []ImageResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := visibleItem(ctx, e, p, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		imgs, err := e.Repo.ListImages(ctx, nil, it.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ImageResponse `json:"body"`
		}{Body: mapImages(imgs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upload-image",
		Method:        http.MethodPost,
		Path:          "/items/{item_id}/images",
		Summary:       "Register item image",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string             `path:"item_id"`
		Body   UploadImageRequest `json:"body"`
	}) (*struct {
		Body ImageResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		img, err := e.AddImage(ctx, p, input.ItemID, input.Body.Filename)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImageResponse `json:"body"`
		}{Body: imageResponse(img)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-image",
		Method:      http.MethodDelete,
		Path:        "/items/{item_id}/images/{image_id}",
		Summary:     "Delete item image",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID  string `path:"item_id"`
		ImageID string `path:"image_id"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteImage(ctx, p, input.ItemID, input.ImageID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-images",
		Method:      http.MethodPut,
		Path:        "/items/{item_id}/images/order",
		Summary:     "Reorder item images",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ItemID string               `path:"item_id"`
		Body   ReorderImagesRequest `json:"body"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ReorderImages(ctx, p, input.ItemID, input.Body.Order); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAgentKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-agent-key",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/agent-keys",
		Summary:       "Issue agent key",
		Description:   "The token field is returned exactly once and never again.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      IssueKeyRequest `json:"body"`
	}) (*struct {
		Body IssuedKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := auth.RequireHuman(p, "agent_key.issue")
		if err != nil {
			return nil, handleError(err)
		}
		issued, err := e.IssueKey(ctx, h, input.ProjectID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssuedKeyResponse `json:"body"`
		}{Body: IssuedKeyResponse{
			KeyID:     issued.Key.ID,
			Name:      issued.Key.Name,
			Prefix:    issued.Key.Prefix,
			Token:     issued.Token,
			CreatedAt: issued.Key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-keys",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/agent-keys",
		Summary:     "List agent keys",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []AgentKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := auth.RequireHuman(p, "agent_key.list")
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := visibleProject(ctx, e, h, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.Repo.ListAgentKeys(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentKeyResponse `json:"body"`
		}{Body: mapKeys(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-agent-key",
		Method:      http.MethodDelete,
		Path:        "/agent-keys/{key_id}",
		Summary:     "Revoke agent key",
		Description: "Revocation is immediate and permanent; issue a new key instead of un-revoking.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := auth.RequireHuman(p, "agent_key.revoke")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeKey(ctx, h, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	type ActivityQuery struct {
		Type   string `query:"type"`
		Since  string `query:"since" format:"date-time"`
		Limit  int    `query:"limit"`
		Cursor string `query:"cursor"`
	}
	list := func(ctx context.Context, q ActivityQuery, itemID string) (*paginatedEvents, huma.StatusError) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if itemID != "" {
			if _, err := visibleItem(ctx, e, p, itemID); err != nil {
				return nil, handleError(err)
			}
		}
		limit := normalizeLimit(e, q.Limit)
		cur, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Repo.ListActivity(ctx, repo.ActivityFilters{
			ItemID:          itemID,
			Type:            q.Type,
			Since:           q.Since,
			Scope:           auth.Scope(p),
			Limit:           limit + 1,
			CursorCreatedAt: cur.CreatedAt,
			CursorID:        cur.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := &paginatedEvents{Items: []EventResponse{}, Page: pageInfo{Limit: limit}}
		if len(evts) > limit {
			evts = evts[:limit]
			last := evts[limit-1]
			next := encodeCursor(cursor{CreatedAt: last.CreatedAt, ID: last.ID})
			resp.Page.NextCursor = &next
		}
		for _, evt := range evts {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return resp, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/activity",
		Summary:     "List activity events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ItemID string `query:"item_id"`
		ActivityQuery
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		resp, err := list(ctx, input.ActivityQuery, input.ItemID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: *resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-item-activity",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/activity",
		Summary:     "List one item's activity",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		ActivityQuery
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		resp, err := list(ctx, input.ActivityQuery, input.ItemID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: *resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var me MeResponse
		switch p := p.(type) {
		case auth.Human:
			me = MeResponse{Kind: "user", UserID: p.ID, Email: p.Email, Role: p.Role}
		case auth.Agent:
			me = MeResponse{Kind: "agent", KeyID: p.KeyID, ProjectID: p.ProjectID}
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: me}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a session token for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		ttl := authCfg.TokenTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		token, err := auth.SignSession(authCfg.JWTSecret, userID, input.Body.Email, input.Body.Role, ttl)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["agentKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Agent-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"agentKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Gateline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Agent-Key.
    </p>
  </body>
</html>`, specURL)
}
