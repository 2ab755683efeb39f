package plandoc

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// OpType is a plan mutation kind.
type OpType string

const (
	OpAdd    OpType = "add"
	OpModify OpType = "modify"
	OpDelete OpType = "delete"
	OpMerge  OpType = "merge"
)

// ApprovalState tracks an operation through the approval gate.
type ApprovalState string

const (
	ApprovalAuto     ApprovalState = "auto_approved"
	ApprovalPending  ApprovalState = "pending_approval"
	ApprovalRejected ApprovalState = "rejected"
	ApprovalApplied  ApprovalState = "applied"
)

// MergeStrategy selects which node survives a merge and how bodies
// combine.
type MergeStrategy string

const (
	MergeKeepFirst       MergeStrategy = "keep_first"
	MergeKeepSecond      MergeStrategy = "keep_second"
	MergeKeepNewer       MergeStrategy = "keep_newer"
	MergeSynthesizeUnion MergeStrategy = "synthesize_union"
)

// Operation is one proposed plan mutation. Once Applied it is
// immutable; superseding changes are new operations.
type Operation struct {
	ID             string        `yaml:"id"`
	Type           OpType        `yaml:"type"`
	Targets        []string      `yaml:"targets,omitempty"`
	Title          string        `yaml:"title,omitempty"`
	Body           string        `yaml:"body,omitempty"`
	Parent         string        `yaml:"parent,omitempty"`
	Strategy       MergeStrategy `yaml:"strategy,omitempty"`
	Confidence     float64       `yaml:"confidence"`
	Rationale      string        `yaml:"rationale,omitempty"`
	Approval       ApprovalState `yaml:"approval"`
	RejectedReason string        `yaml:"rejected_reason,omitempty"`
	CreatedAt      time.Time     `yaml:"created_at"`
}

// Key derives the idempotence key for the operation's content. Two
// operations proposing the same mutation share a key, so a
// crash-and-retry re-application is detected in the journal regardless
// of the operation's random ID.
func (o Operation) Key() string {
	h := sha256.New()
	h.Write([]byte(string(o.Type)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(o.Targets, ",")))
	h.Write([]byte{0})
	h.Write([]byte(o.Title))
	h.Write([]byte{0})
	h.Write([]byte(o.Body))
	h.Write([]byte{0})
	h.Write([]byte(string(o.Strategy)))
	return hex.EncodeToString(h.Sum(nil))
}
