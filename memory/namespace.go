package memory

import (
	"strings"

	"github.com/pkg/errors"
)

// Namespace scopes memory keys to {agent}/{task_id?}/{device}. The task
// segment is optional; agent and device are mandatory.
// Namespace 将记忆键限定在 {agent}/{task_id?}/{device} 范围内。
type Namespace struct {
	Agent  string
	TaskID string
	Device string
}

// Well-known agent namespaces. Skills get "skill/{skill_id}" via ForSkill.
const (
	AgentReceptionist = "receptionist"
	AgentCoder        = "coder"
	AgentDoc          = "doc"
	AgentDebugger     = "debugger"

	DeviceLocal = "local"
)

// ErrCrossNamespace is returned when a caller touches a key outside its scope.
var ErrCrossNamespace = errors.New("memory: cross-namespace access rejected")

// NewNamespace builds a namespace, defaulting the device to local.
func NewNamespace(agent, taskID, device string) (Namespace, error) {
	if agent == "" {
		return Namespace{}, errors.New("memory: agent required in namespace")
	}
	if device == "" {
		device = DeviceLocal
	}
	for _, seg := range []string{agent, taskID, device} {
		if strings.Contains(seg, "//") || strings.HasPrefix(seg, "/") || strings.HasSuffix(seg, "/") {
			return Namespace{}, errors.Errorf("memory: invalid namespace segment %q", seg)
		}
	}
	return Namespace{Agent: agent, TaskID: taskID, Device: device}, nil
}

// ForSkill is the namespace a sandboxed skill writes under. The rewrite is
// applied at the host-function bridge so a guest can never choose its scope.
func ForSkill(skillID string) Namespace {
	return Namespace{Agent: "skill/" + skillID, Device: DeviceLocal}
}

// String renders the namespace prefix without the trailing user key.
func (n Namespace) String() string {
	if n.TaskID == "" {
		return n.Agent + "/" + n.Device
	}
	return n.Agent + "/" + n.TaskID + "/" + n.Device
}

// Qualify joins the namespace with a user key into the stored logical key.
func (n Namespace) Qualify(userKey string) string {
	return n.String() + "/" + userKey
}

// Contains reports whether a fully qualified key belongs to this namespace.
func (n Namespace) Contains(qualified string) bool {
	return strings.HasPrefix(qualified, n.String()+"/")
}

// ParseNamespace splits a namespace prefix string back into its segments.
// Accepts both the two-segment and three-segment forms.
func ParseNamespace(s string) (Namespace, error) {
	parts := strings.Split(s, "/")
	// skill namespaces carry an embedded slash in the agent segment
	if len(parts) >= 2 && parts[0] == "skill" {
		parts = append([]string{parts[0] + "/" + parts[1]}, parts[2:]...)
	}
	switch len(parts) {
	case 2:
		return NewNamespace(parts[0], "", parts[1])
	case 3:
		return NewNamespace(parts[0], parts[1], parts[2])
	default:
		return Namespace{}, errors.Errorf("memory: malformed namespace %q", s)
	}
}
