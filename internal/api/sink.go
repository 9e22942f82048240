package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/vibelink/internal/reconcile"
	"github.com/kalambet/vibelink/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// SinkStore persists uploaded records. Implemented by storage.Store.
type SinkStore interface {
	SaveSyncedRecords(recs []storage.SyncedRecord) (int, error)
	CountSyncedRecords(kind string) (int, error)
}

// NewSinkHandler serves the reference sync sink. It accepts reconcile
// batches and stores each record id at most once.
func NewSinkHandler(store SinkStore, token string) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))
		r.Post("/sync", handleSync(store))
		r.Get("/sync/stats", handleSyncStats(store))
	})
	return r
}

func handleSync(store SinkStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var batch reconcile.Batch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		now := time.Now().UTC()
		recs := make([]storage.SyncedRecord, 0, len(batch.Records))
		for i, rec := range batch.Records {
			if err := validateRecord(rec); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "record %d: %v", i, err)
				return
			}
			recs = append(recs, storage.SyncedRecord{
				ID:          rec.ID,
				Kind:        rec.Kind,
				PayloadJSON: string(rec.Payload),
				Source:      batch.Source,
				ReceivedAt:  now,
			})
		}

		inserted, err := store.SaveSyncedRecords(recs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store records: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]int{
			"accepted":   inserted,
			"duplicates": len(recs) - inserted,
		})
	}
}

func validateRecord(rec reconcile.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("id is required")
	}
	if rec.Kind != reconcile.KindMetrics && rec.Kind != reconcile.KindInsight {
		return fmt.Errorf("unknown kind %q", rec.Kind)
	}
	if !json.Valid(rec.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

func handleSyncStats(store SinkStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]int, 3)
		for _, kind := range []string{"", reconcile.KindMetrics, reconcile.KindInsight} {
			n, err := store.CountSyncedRecords(kind)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to count records: %v", err)
				return
			}
			if kind == "" {
				kind = "total"
			}
			out[kind] = n
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
