package audit

import "time"

// Actions recorded in the audit trail.
const (
	ActionLogin       = "auth.login"
	ActionLogout      = "auth.logout"
	ActionCertIssue   = "ssh.certificate.issue"
	ActionUserCreate  = "directory.user.create"
	ActionUserUpdate  = "directory.user.update"
	ActionUserDelete  = "directory.user.delete"
	ActionGroupAdd    = "directory.group.add_member"
	ActionGroupRemove = "directory.group.remove_member"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultDenied  = "denied"
	ResultError   = "error"
)

// Event is one security-relevant action. Events are appended immediately and
// never mutated.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	Target    string            `json:"target"`
	Result    string            `json:"result"`
	RequestID string            `json:"request_id,omitempty"`
	SourceIP  string            `json:"source_ip,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
}
