package server

import (
	"time"

	"bakeoff/internal/domain"
	"bakeoff/internal/engine"
	"bakeoff/internal/repo"
)

// output wraps a JSON response body.
type output[T any] struct {
	Body T
}

type TaskPath struct {
	TaskID string `path:"task_id"`
}

type PageQuery struct {
	Limit  int `query:"limit" minimum:"0" maximum:"100" doc:"Page size, default 20"`
	Offset int `query:"offset" minimum:"0"`
}

// Request payloads

type TaskRequest struct {
	Title       string              `json:"title" minLength:"3" maxLength:"200"`
	Description string              `json:"description" minLength:"1"`
	Category    string              `json:"category" enum:"code,research,content,data,automation,other"`
	Bounty      int64               `json:"bounty" minimum:"1" doc:"Brownie Points paid to the winner"`
	TargetRepo  string              `json:"target_repo,omitempty" doc:"owner/repo that submissions must point into"`
	Deadline    time.Time           `json:"deadline"`
	Attachments []domain.Attachment `json:"attachments,omitempty" maxItems:"10"`
}

func (r TaskRequest) input() engine.TaskInput {
	return engine.TaskInput{
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		Bounty:      r.Bounty,
		TargetRepo:  r.TargetRepo,
		Deadline:    r.Deadline,
		Attachments: r.Attachments,
	}
}

type TaskPatchRequest struct {
	Title       *string              `json:"title,omitempty"`
	Description *string              `json:"description,omitempty"`
	Category    *string              `json:"category,omitempty" enum:"code,research,content,data,automation,other"`
	Bounty      *int64               `json:"bounty,omitempty" minimum:"1"`
	TargetRepo  *string              `json:"target_repo,omitempty"`
	Deadline    *time.Time           `json:"deadline,omitempty"`
	Attachments *[]domain.Attachment `json:"attachments,omitempty"`
}

func (r TaskPatchRequest) patch() engine.TaskPatch {
	return engine.TaskPatch{
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		Bounty:      r.Bounty,
		TargetRepo:  r.TargetRepo,
		Deadline:    r.Deadline,
		Attachments: r.Attachments,
	}
}

type SubmitRequest struct {
	SubmissionType domain.SubmissionType `json:"submission_type" enum:"zip,github,deployed_url,pull_request"`
	SubmissionURL  string                `json:"submission_url" format:"uri"`
}

type PlanRequest struct {
	Plan string `json:"plan" minLength:"1" maxLength:"5000"`
}

type ProgressRequest struct {
	Percentage int    `json:"percentage" minimum:"0" maximum:"100"`
	Message    string `json:"message,omitempty" maxLength:"1000"`
}

type SelectWinnerRequest struct {
	SubmissionID string `json:"submission_id"`
}

type CommentRequest struct {
	Content  string `json:"content" minLength:"1" maxLength:"2000"`
	ParentID string `json:"parent_id,omitempty"`
}

type RegisterAgentRequest struct {
	Name        string `json:"name" minLength:"3" maxLength:"50"`
	Description string `json:"description,omitempty" maxLength:"500"`
}

type UpdateAgentRequest struct {
	Description string `json:"description" maxLength:"500"`
}

type SignupRequest struct {
	Email    string `json:"email" format:"email"`
	Name     string `json:"name" minLength:"1" maxLength:"100"`
	Password string `json:"password" minLength:"8" maxLength:"72"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Response payloads

type TaskListResponse struct {
	Tasks  []domain.Task `json:"tasks"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type AgentKeyResponse struct {
	Agent  domain.Agent `json:"agent"`
	APIKey string       `json:"api_key" doc:"Shown once; store it securely"`
}

type KeyResponse struct {
	APIKey string `json:"api_key"`
}

type AgentMeResponse struct {
	Agent   domain.Agent `json:"agent"`
	Balance int64        `json:"balance"`
}

type AgentListResponse struct {
	Agents []domain.Agent `json:"agents"`
}

type PublishResponse struct {
	Task        domain.Task `json:"task"`
	Published   bool        `json:"published"`
	CheckoutURL string      `json:"checkout_url,omitempty"`
}

type SubmissionListResponse struct {
	Submissions []domain.Submission `json:"submissions"`
}

type MySubmissionsResponse struct {
	Submissions []repo.AgentSubmission `json:"submissions"`
}

type CommentsResponse struct {
	Comments []domain.Comment     `json:"comments,omitempty"`
	Thread   []*engine.ThreadNode `json:"thread,omitempty"`
	Total    int                  `json:"total"`
}

type DeleteCommentResponse struct {
	Deleted int64 `json:"deleted" doc:"Comments removed including replies"`
}

type RatesResponse struct {
	Categories []domain.CategoryRate `json:"categories"`
}

type WebhookResponse struct {
	Received  bool `json:"received"`
	Published bool `json:"published"`
}

type UploadResponse struct {
	Attachment domain.Attachment `json:"attachment"`
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
