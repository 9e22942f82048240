// Package reconcile buffers completed session results in a durable outbox
// and forwards them to a sync backend when one is reachable.
package reconcile

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/vibelink/internal/profile"
)

// Outcome summarises how a peer session ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	// OutcomePartial: the session scored the peer but did not commit.
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

const (
	KindMetrics = "metrics"
	KindInsight = "insight"
)

// recordNamespace scopes the name-based record ids.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:vibelink:reconcile"))

// ConnectionMetrics describes one peer session.
type ConnectionMetrics struct {
	SessionID          string    `json:"session_id"`
	PeerSignature      string    `json:"peer_signature"`
	CompatibilityScore float64   `json:"compatibility_score"`
	InteractionDepth   string    `json:"interaction_depth,omitempty"`
	Outcome            Outcome   `json:"outcome"`
	Error              string    `json:"error,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	EndedAt            time.Time `json:"ended_at"`
}

// Record is one queued item. ID is derived from the session id and kind, so
// replaying a session's records yields the same ids.
type Record struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Batch is the upload body understood by the sync sink.
type Batch struct {
	Source  string   `json:"source,omitempty"`
	Records []Record `json:"records"`
}

// RecordID returns the stable id for a session's record of the given kind.
func RecordID(sessionID, kind string) string {
	return uuid.NewSHA1(recordNamespace, []byte(kind+":"+sessionID)).String()
}

func MetricsRecord(m ConnectionMetrics) (Record, error) {
	return newRecord(m.SessionID, KindMetrics, m, m.EndedAt)
}

func InsightRecord(in profile.Insight) (Record, error) {
	return newRecord(in.SourceSessionID, KindInsight, in, in.Timestamp)
}

func newRecord(sessionID, kind string, v any, at time.Time) (Record, error) {
	if sessionID == "" {
		return Record{}, fmt.Errorf("building %s record: empty session id", kind)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("encoding %s record: %w", kind, err)
	}
	if at.IsZero() {
		at = time.Now()
	}
	return Record{
		ID:        RecordID(sessionID, kind),
		Kind:      kind,
		Payload:   data,
		CreatedAt: at.UTC(),
	}, nil
}
