package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/Postbox/internal/jobqueue"
	"github.com/BTreeMap/Postbox/internal/jobs"
	"github.com/BTreeMap/Postbox/internal/models"
)

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req models.SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if !s.checkRecipient(w, req.To) {
		return
	}

	data := jobs.ConversationJobData{
		Type:           jobs.NormalMessage,
		ConversationID: conversationID(req.ConversationID, req.To),
		Recipient:      req.To,
		MessageID:      s.opts.NewMessageID(),
		Body:           req.Body,
	}
	s.enqueueConversation(w, r, data)
}

func (s *Server) reactHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req models.ReactRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.reactHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if !s.checkRecipient(w, req.To) {
		return
	}

	data := jobs.ConversationJobData{
		Type:            jobs.Reaction,
		ConversationID:  conversationID(req.ConversationID, req.To),
		Recipient:       req.To,
		MessageID:       s.opts.NewMessageID(),
		TargetMessageID: req.TargetMessageID,
		TargetSender:    req.TargetSender,
		Emoji:           req.Emoji,
	}
	s.enqueueConversation(w, r, data)
}

func (s *Server) revokeHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req models.RevokeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.revokeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if !s.checkRecipient(w, req.To) {
		return
	}

	data := jobs.ConversationJobData{
		Type:            jobs.DeleteForEveryone,
		ConversationID:  conversationID(req.ConversationID, req.To),
		Recipient:       req.To,
		MessageID:       s.opts.NewMessageID(),
		TargetMessageID: req.TargetMessageID,
	}
	s.enqueueConversation(w, r, data)
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var req models.ReceiptsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.receiptsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	data := jobs.ReceiptsJobData{Type: jobs.ReceiptType(req.Type)}
	now := time.Now()
	for _, rc := range req.Receipts {
		at := rc.Timestamp
		if at.IsZero() {
			at = now
		}
		data.Receipts = append(data.Receipts, jobs.Receipt{
			ChatID:    rc.ChatID,
			SenderID:  rc.SenderID,
			MessageID: rc.MessageID,
			Timestamp: at.UnixMilli(),
		})
	}

	job, err := s.receipts.Add(r.Context(), data)
	if err != nil {
		writeEnqueueError(w, "Server.receiptsHandler", err)
		return
	}
	slog.Info("Server.receiptsHandler: receipts queued", "jobID", job.ID, "type", data.Type, "count", len(data.Receipts))
	writeJSONResponse(w, http.StatusAccepted, models.Queued(models.QueuedJob{
		JobID:     job.ID,
		QueueType: jobs.ReceiptsQueueType,
	}))
}

// healthHandler reports transport state. It answers 503 while the device is
// unlinked, since nothing queued can be delivered until it is relinked.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	linked := s.status.IsDeviceLinked()
	health := map[string]interface{}{
		"status":    "healthy",
		"online":    s.status.IsOnline(),
		"linked":    linked,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	if !linked {
		health["status"] = "unlinked"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, models.Success(health))
}

func (s *Server) enqueueConversation(w http.ResponseWriter, r *http.Request, data jobs.ConversationJobData) {
	job, err := s.conversation.Add(r.Context(), data)
	if err != nil {
		writeEnqueueError(w, "Server.enqueueConversation", err)
		return
	}
	slog.Info("Server.enqueueConversation: job queued",
		"jobID", job.ID, "type", data.Type, "conversation", data.ConversationID, "messageID", data.MessageID)
	writeJSONResponse(w, http.StatusAccepted, models.Queued(models.QueuedJob{
		JobID:     job.ID,
		MessageID: data.MessageID,
		QueueType: jobs.ConversationQueueType,
	}))
}

func (s *Server) checkRecipient(w http.ResponseWriter, to string) bool {
	if s.opts.ValidateRecipient == nil {
		return true
	}
	if err := s.opts.ValidateRecipient(to); err != nil {
		slog.Warn("Server.checkRecipient: recipient rejected", "to", to, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return false
	}
	return true
}

func writeEnqueueError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, jobqueue.ErrInvalidData) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	slog.Error(op+": failed to enqueue", "error", err)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enqueue job"))
}

func conversationID(explicit, to string) string {
	if explicit != "" {
		return explicit
	}
	return to
}
