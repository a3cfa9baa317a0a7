package api

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/Postbox/internal/jobs"
	"github.com/BTreeMap/Postbox/internal/models"
)

// itemsHandler serves /items/{key}. PUT and GET hit the store directly;
// DELETE is queued so the removal survives a crash.
func (s *Server) itemsHandler(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/items/")
	if key == "" || strings.Contains(key, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Item key required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ok, err := s.items.GetItem(r.Context(), key)
		if err != nil {
			slog.Error("Server.itemsHandler: failed to read item", "key", key, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read item"))
			return
		}
		if !ok {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Item not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"key": key, "value": value}))

	case http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Failed to read body"))
			return
		}
		if err := s.items.PutItem(r.Context(), key, string(body)); err != nil {
			slog.Error("Server.itemsHandler: failed to write item", "key", key, "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to write item"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"key": key}))

	case http.MethodDelete:
		job, err := s.storageKeys.Add(r.Context(), jobs.RemoveStorageKeyJobData{Key: key})
		if err != nil {
			writeEnqueueError(w, "Server.itemsHandler", err)
			return
		}
		slog.Debug("Server.itemsHandler: removal queued", "key", key, "jobID", job.ID)
		writeJSONResponse(w, http.StatusAccepted, models.Queued(models.QueuedJob{
			JobID:     job.ID,
			QueueType: jobs.RemoveStorageKeyQueueType,
		}))

	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
