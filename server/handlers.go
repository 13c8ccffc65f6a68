package server

import (
	"encoding/json"
	"net/http"
	"strings"

	metacache "github.com/strmkit/metacache"
	"github.com/strmkit/metacache/store/metadb"
	"github.com/strmkit/metacache/telemetry"
)

// maxBodySize caps PUT payloads, matching the store's payload limit.
const maxBodySize = 10 << 20

// handleGetMeta serves a single record by id.
func (s *Server) handleGetMeta(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get_meta")

	id := r.PathValue("id")
	data := s.cache.Get(r.Context(), id)
	if data == nil {
		errorResponse(w, http.StatusNotFound, "not found")
		return
	}

	writeJSON(w, http.StatusOK, data)
}

// handleGetManyMeta serves a batch lookup: GET /api/meta?ids=a,b,c.
// The response has an entry per requested id; null marks a miss.
func (s *Server) handleGetManyMeta(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "get_many_meta")

	raw := r.URL.Query().Get("ids")
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		errorResponse(w, http.StatusBadRequest, "missing ids parameter")
		return
	}

	writeJSON(w, http.StatusOK, s.cache.GetMany(r.Context(), ids))
}

// handlePutMeta stores a record. Writes are queued and batched by default;
// ?durable=1 bypasses the queue and commits before responding.
func (s *Server) handlePutMeta(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "put_meta")

	id := r.PathValue("id")

	var data metacache.Meta
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&data); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	typ := r.URL.Query().Get("type")
	if typ == "" {
		typ = data.Type
	}

	if r.URL.Query().Get("durable") == "1" {
		if err := s.cache.PutImmediate(r.Context(), id, &data, typ); err != nil {
			s.logger.Error("durable write failed", "id", id, "error", err)
			errorResponse(w, http.StatusInternalServerError, "write failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
		return
	}

	s.cache.Put(r.Context(), id, &data, typ)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleDeleteMeta removes a record everywhere: queue, memory, and store.
func (s *Server) handleDeleteMeta(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete_meta")

	id := r.PathValue("id")
	if err := s.cache.Delete(r.Context(), id); err != nil {
		s.logger.Error("delete failed", "id", id, "error", err)
		errorResponse(w, http.StatusInternalServerError, "delete failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRecords lists stored records, optionally filtered by ?type=.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "records")

	var filter func(*metadb.Record) bool
	if typ := r.URL.Query().Get("type"); typ != "" {
		filter = func(rec *metadb.Record) bool { return rec.Type == typ }
	}

	records, err := s.cache.GetAll(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing records failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "listing failed")
		return
	}
	if records == nil {
		records = []*metadb.Record{}
	}

	writeJSON(w, http.StatusOK, records)
}

// handleCleanup purges expired records from durable storage.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cleanup")

	deleted, err := s.cache.CleanupExpired(r.Context())
	if err != nil {
		s.logger.Error("cleanup failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "cleanup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// handleStats serves cache-wide diagnostics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.logger.Error("reading stats failed", "error", err)
		errorResponse(w, http.StatusInternalServerError, "stats failed")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func errorResponse(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
