package api

// CreateTaskRequest is the HTTP request body for POST /api/v1/tasks.
type CreateTaskRequest struct {
	Query          string `json:"query" binding:"required"`
	UserID         string `json:"user_id" binding:"required"`
	TemplateName   string `json:"template_name,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}
