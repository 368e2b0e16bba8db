package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Task groups the emails of one imported mailbox export.
type Task struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Email is a single imported message. Emails are read-only to the batch engine.
type Email struct {
	ID       int64      `db:"id"       json:"id"`
	TaskID   uuid.UUID  `db:"task_id"  json:"task_id"`
	Sender   string     `db:"sender"   json:"sender"`
	Receiver string     `db:"receiver" json:"receiver"`
	Subject  string     `db:"subject"  json:"subject"`
	Content  string     `db:"content"  json:"content"`
	SentAt   *time.Time `db:"sent_at"  json:"sent_at,omitempty"`
}

// ClusterKind distinguishes participant-pair clusters from subject clusters.
type ClusterKind string

const (
	ClusterKindPeople   ClusterKind = "people"
	ClusterKindSubjects ClusterKind = "subjects"
)

// ClusterRef identifies a computed cluster. Its members are resolved when the
// cluster is processed, not captured here.
type ClusterRef struct {
	Kind         ClusterKind `json:"kind"`
	Key          string      `json:"key"`
	Participants [2]string   `json:"participants,omitempty"`
	MemberCount  int         `json:"member_count"`
}

// AnalyzableItem is either a single email or a cluster; exactly one field is set.
type AnalyzableItem struct {
	Email   *Email
	Cluster *ClusterRef
}

// Label returns a short identifier used in logs and traces.
func (i AnalyzableItem) Label() string {
	if i.Cluster != nil {
		return string(i.Cluster.Kind) + ":" + i.Cluster.Key
	}
	if i.Email != nil {
		return "email:" + strconv.FormatInt(i.Email.ID, 10)
	}
	return "unknown"
}
