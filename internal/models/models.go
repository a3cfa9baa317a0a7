// Package models defines the request and response types of the Postbox local
// API.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxBodyLength is the largest message body the API accepts.
const MaxBodyLength = 4096

// MaxReceiptsPerRequest bounds the receipts one request can enqueue.
const MaxReceiptsPerRequest = 500

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient    = errors.New("recipient cannot be empty")
	ErrEmptyBody         = errors.New("body cannot be empty")
	ErrBodyTooLong       = errors.New("body exceeds maximum length")
	ErrEmptyTarget       = errors.New("target message ID cannot be empty")
	ErrEmptyEmoji        = errors.New("emoji cannot be empty")
	ErrInvalidReceipt    = errors.New("receipt type must be read or viewed")
	ErrNoReceipts        = errors.New("at least one receipt is required")
	ErrTooManyReceipts   = errors.New("too many receipts in one request")
	ErrIncompleteReceipt = errors.New("receipt needs chat ID and message ID")
)

// SendRequest asks Postbox to deliver a text message.
type SendRequest struct {
	To             string `json:"to"`
	Body           string `json:"body"`
	ConversationID string `json:"conversation_id,omitempty"` // defaults to To
}

// Validate checks the request.
func (r SendRequest) Validate() error {
	if strings.TrimSpace(r.To) == "" {
		return ErrEmptyRecipient
	}
	if strings.TrimSpace(r.Body) == "" {
		return ErrEmptyBody
	}
	if len(r.Body) > MaxBodyLength {
		return fmt.Errorf("%w: %d > %d", ErrBodyTooLong, len(r.Body), MaxBodyLength)
	}
	return nil
}

// ReactRequest asks Postbox to react to a message. An empty Emoji is
// rejected; use RevokeRequest to take a message back.
type ReactRequest struct {
	To              string `json:"to"`
	TargetMessageID string `json:"target_message_id"`
	TargetSender    string `json:"target_sender,omitempty"`
	Emoji           string `json:"emoji"`
	ConversationID  string `json:"conversation_id,omitempty"`
}

// Validate checks the request.
func (r ReactRequest) Validate() error {
	if strings.TrimSpace(r.To) == "" {
		return ErrEmptyRecipient
	}
	if r.TargetMessageID == "" {
		return ErrEmptyTarget
	}
	if r.Emoji == "" {
		return ErrEmptyEmoji
	}
	return nil
}

// RevokeRequest asks Postbox to delete one of our messages for everyone.
type RevokeRequest struct {
	To              string `json:"to"`
	TargetMessageID string `json:"target_message_id"`
	ConversationID  string `json:"conversation_id,omitempty"`
}

// Validate checks the request.
func (r RevokeRequest) Validate() error {
	if strings.TrimSpace(r.To) == "" {
		return ErrEmptyRecipient
	}
	if r.TargetMessageID == "" {
		return ErrEmptyTarget
	}
	return nil
}

// Receipt identifies one received message to acknowledge.
type Receipt struct {
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id,omitempty"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ReceiptsRequest asks Postbox to send read or viewed receipts.
type ReceiptsRequest struct {
	Type     string    `json:"type"` // "read" or "viewed"
	Receipts []Receipt `json:"receipts"`
}

// Validate checks the request.
func (r ReceiptsRequest) Validate() error {
	if r.Type != "read" && r.Type != "viewed" {
		return ErrInvalidReceipt
	}
	if len(r.Receipts) == 0 {
		return ErrNoReceipts
	}
	if len(r.Receipts) > MaxReceiptsPerRequest {
		return ErrTooManyReceipts
	}
	for i, rc := range r.Receipts {
		if rc.ChatID == "" || rc.MessageID == "" {
			return fmt.Errorf("receipt %d: %w", i, ErrIncompleteReceipt)
		}
	}
	return nil
}

// QueuedJob is the result of an accepted request.
type QueuedJob struct {
	JobID     string `json:"job_id"`
	MessageID string `json:"message_id,omitempty"`
	QueueType string `json:"queue_type"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusQueued indicates the request was persisted as a job.
	APIStatusQueued APIStatus = "queued"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Queued creates a response for a request that was enqueued.
func Queued(job QueuedJob) APIResponse {
	return APIResponse{Status: string(APIStatusQueued), Result: job}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
