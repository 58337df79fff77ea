package api

// IngestMessageRequest is the POST /ingest/message body.
type IngestMessageRequest struct {
	ThreadPublicID  string            `json:"threadPublicId" binding:"required"`
	MessagePublicID string            `json:"messagePublicId" binding:"required"`
	Text            string            `json:"text" binding:"required"`
	SenderType      string            `json:"senderType" binding:"required,oneof=user internal"`
	SenderName      string            `json:"senderName"`
	Visibility      string            `json:"visibility" binding:"omitempty,oneof=public internal"`
	Metadata        map[string]string `json:"metadata"`
}
