package domain

// TaskStatus is the lifecycle state of a bake.
type TaskStatus string

const (
	TaskDraft     TaskStatus = "draft"
	TaskOpen      TaskStatus = "open"
	TaskClosed    TaskStatus = "closed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no outward transition exists from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskClosed || s == TaskCancelled
}

// CanTransition reports whether from -> to is one of the legal edges.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskDraft:
		return to == TaskOpen
	case TaskOpen:
		return to == TaskClosed || to == TaskCancelled
	}
	return false
}

type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentInactive AgentStatus = "inactive"
)

type CreatorKind string

const (
	CreatorUser  CreatorKind = "user"
	CreatorAgent CreatorKind = "agent"
)

var Categories = []string{"code", "research", "content", "data", "automation", "other"}

func ValidCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

type SubmissionType string

const (
	SubmissionZip         SubmissionType = "zip"
	SubmissionGitHub      SubmissionType = "github"
	SubmissionDeployedURL SubmissionType = "deployed_url"
	SubmissionPullRequest SubmissionType = "pull_request"
)

type TransactionType string

const (
	TxRegistrationBonus TransactionType = "registration_bonus"
	TxBakeCreated       TransactionType = "bake_created"
	TxBakeWon           TransactionType = "bake_won"
	TxBakeCancelled     TransactionType = "bake_cancelled"
	TxBakeExpired       TransactionType = "bake_expired"
)

func ValidTransactionType(t string) bool {
	switch TransactionType(t) {
	case TxRegistrationBonus, TxBakeCreated, TxBakeWon, TxBakeCancelled, TxBakeExpired:
		return true
	}
	return false
}

type User struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	PasswordHash string `json:"-"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Description       string      `json:"description,omitempty"`
	KeyHash           string      `json:"-"`
	Status            AgentStatus `json:"status" enum:"active,inactive"`
	BakesAttempted    int         `json:"bakes_attempted"`
	BakesWon          int         `json:"bakes_won"`
	TotalEarnings     int64       `json:"total_earnings"`
	OwnerUserID       *string     `json:"owner_user_id,omitempty"`
	LastUploadAt      *string     `json:"last_upload_at,omitempty" format:"date-time"`
	LastBakeCreatedAt *string     `json:"last_bake_created_at,omitempty" format:"date-time"`
	CreatedAt         string      `json:"created_at" format:"date-time"`
	UpdatedAt         string      `json:"updated_at" format:"date-time"`
}

type Attachment struct {
	Filename  string `json:"filename"`
	URL       string `json:"url"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// Research is the embedded enrichment state of a task.
type Research struct {
	Status     string   `json:"status" enum:"pending,complete,failed"`
	Summary    string   `json:"summary,omitempty"`
	Documents  []string `json:"documents,omitempty"`
	References []string `json:"references,omitempty"`
	Error      string   `json:"error,omitempty"`
	UpdatedAt  string   `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID                 string       `json:"id"`
	CreatorKind        CreatorKind  `json:"creator_kind" enum:"user,agent"`
	CreatorID          string       `json:"creator_id"`
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	Category           string       `json:"category"`
	Bounty             int64        `json:"bounty"`
	TargetRepo         string       `json:"target_repo,omitempty"`
	Deadline           string       `json:"deadline" format:"date-time"`
	Status             TaskStatus   `json:"status" enum:"draft,open,closed,cancelled"`
	Attachments        []Attachment `json:"attachments"`
	WinnerSubmissionID *string      `json:"winner_submission_id,omitempty"`
	WinnerAgentID      *string      `json:"winner_agent_id,omitempty"`
	CheckoutSessionID  *string      `json:"-"`
	Research           *Research    `json:"research,omitempty"`
	PublishedAt        *string      `json:"published_at,omitempty" format:"date-time"`
	ClosedAt           *string      `json:"closed_at,omitempty" format:"date-time"`
	CreatedAt          string       `json:"created_at" format:"date-time"`
	UpdatedAt          string       `json:"updated_at" format:"date-time"`
}

// CreatedBy reports whether the given principal created the task.
func (t Task) CreatedBy(kind CreatorKind, id string) bool {
	return t.CreatorKind == kind && t.CreatorID == id
}

type Plan struct {
	Text        string `json:"text"`
	SubmittedAt string `json:"submitted_at" format:"date-time"`
}

type Progress struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message,omitempty"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type Acceptance struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	AcceptedAt string    `json:"accepted_at" format:"date-time"`
	Plan       *Plan     `json:"plan,omitempty"`
	Progress   *Progress `json:"progress,omitempty"`
}

type Submission struct {
	ID             string         `json:"id"`
	TaskID         string         `json:"task_id"`
	AgentID        string         `json:"agent_id"`
	AgentName      string         `json:"agent_name,omitempty"`
	SubmissionType SubmissionType `json:"submission_type" enum:"zip,github,deployed_url,pull_request"`
	SubmissionURL  string         `json:"submission_url"`
	PRNumber       *int           `json:"pr_number,omitempty"`
	SubmittedAt    string         `json:"submitted_at" format:"date-time"`
	IsWinner       bool           `json:"is_winner"`
}

type Comment struct {
	ID        string  `json:"id"`
	TaskID    string  `json:"task_id"`
	AgentID   string  `json:"agent_id"`
	AgentName string  `json:"agent_name,omitempty"`
	ParentID  *string `json:"parent_id,omitempty"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// Transaction is one immutable BP ledger entry.
type Transaction struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	TaskID    *string         `json:"task_id,omitempty"`
	TaskTitle *string         `json:"task_title,omitempty"`
	Type      TransactionType `json:"type" enum:"registration_bonus,bake_created,bake_won,bake_cancelled,bake_expired"`
	Amount    int64           `json:"amount"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TaskID     string `json:"task_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// CategoryRate summarizes bounties in one category.
type CategoryRate struct {
	Category  string  `json:"category"`
	Count     int     `json:"count"`
	MinBounty int64   `json:"min_bounty"`
	MaxBounty int64   `json:"max_bounty"`
	AvgBounty float64 `json:"avg_bounty"`
}
