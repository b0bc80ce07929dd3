package domain

// Item statuses. Wire representation is the lowercase snake-case string.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusResolved   = "resolved"
	StatusArchived   = "archived"
)

// Activity event types.
const (
	EventItemCreated     = "ITEM_CREATED"
	EventItemUpdated     = "ITEM_UPDATED"
	EventImageUploaded   = "IMAGE_UPLOADED"
	EventImageDeleted    = "IMAGE_DELETED"
	EventImagesReordered = "IMAGES_REORDERED"
	EventStatusChange    = "STATUS_CHANGE"
	EventResolutionNote  = "RESOLUTION_NOTE"
	EventReviewSubmitted = "REVIEW_SUBMITTED"
	EventReviewApproved  = "REVIEW_APPROVED"
	EventReviewRejected  = "REVIEW_REJECTED"
)

// Actor types recorded on activity events.
const (
	ActorUser  = "USER"
	ActorAgent = "AGENT"
)

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerUserID string `json:"owner_user_id"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Item struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Status      string   `json:"status" enum:"open,in_progress,in_review,resolved,archived"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

// ItemImage is image metadata only; binary storage lives outside this service.
type ItemImage struct {
	ID        string `json:"id"`
	ItemID    string `json:"item_id"`
	Filename  string `json:"filename"`
	Position  int    `json:"position"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// AgentKey is one issued machine credential. SecretHash is the sha256 hex of
// the secret half of the token; the plaintext is returned once at issuance and
// never stored.
type AgentKey struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	CreatedBy  string  `json:"created_by"`
	Name       string  `json:"name,omitempty"`
	Prefix     string  `json:"prefix"`
	SecretHash string  `json:"-"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
	RevokedAt  *string `json:"revoked_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

func (k AgentKey) Revoked() bool { return k.RevokedAt != nil }

// Actor identifies who performed a mutation: exactly one of UserID or
// AgentKeyID is set, discriminated by Type. Build values through UserActor or
// AgentActor so the invariant holds by construction.
type Actor struct {
	Type       string
	UserID     string
	AgentKeyID string
}

func UserActor(userID string) Actor {
	return Actor{Type: ActorUser, UserID: userID}
}

func AgentActor(keyID string) Actor {
	return Actor{Type: ActorAgent, AgentKeyID: keyID}
}

func (a Actor) Valid() bool {
	switch a.Type {
	case ActorUser:
		return a.UserID != "" && a.AgentKeyID == ""
	case ActorAgent:
		return a.AgentKeyID != "" && a.UserID == ""
	}
	return false
}

// ID returns whichever identity field is populated.
func (a Actor) ID() string {
	if a.Type == ActorAgent {
		return a.AgentKeyID
	}
	return a.UserID
}

type ActivityEvent struct {
	ID         int64  `json:"id"`
	ItemID     string `json:"item_id"`
	ActorType  string `json:"actor_type" enum:"USER,AGENT"`
	ActorUser  string `json:"actor_user_id,omitempty"`
	AgentKeyID string `json:"agent_key_id,omitempty"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Metadata   string `json:"metadata_json,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

func (e ActivityEvent) Actor() Actor {
	if e.ActorType == ActorAgent {
		return AgentActor(e.AgentKeyID)
	}
	return UserActor(e.ActorUser)
}
