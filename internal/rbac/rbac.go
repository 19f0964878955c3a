package rbac

import (
	"sort"

	"tandem/api/internal/apperr"
)

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionBoardRead       Action = "board.read"
	ActionBoardWrite      Action = "board.write"
	ActionPageRead        Action = "page.read"
	ActionPageWrite       Action = "page.write"
	ActionPageRestore     Action = "page.restore"
	ActionActivityRead    Action = "activity.read"
	ActionActivityWrite   Action = "activity.write"
	ActionPresencePublish Action = "presence.publish"
	ActionProjectAdmin    Action = "project.admin"
)

var readActions = []Action{ActionBoardRead, ActionPageRead, ActionActivityRead, ActionPresencePublish}

var writeActions = []Action{ActionBoardWrite, ActionPageWrite, ActionPageRestore, ActionActivityWrite}

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action != ActionProjectAdmin
	case RoleViewer:
		for _, a := range readActions {
			if a == action {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Valid reports whether role names a known role.
func Valid(role string) bool {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return true
	}
	return false
}

// Capabilities is the set of actions a role grants on one project. It is
// resolved once per session and handed to every mutating call.
type Capabilities struct {
	ProjectID string
	Role      Role
	actions   map[Action]bool
}

func Resolve(projectID string, role Role) Capabilities {
	caps := Capabilities{ProjectID: projectID, Role: role, actions: map[Action]bool{}}
	all := append(append([]Action{}, readActions...), writeActions...)
	all = append(all, ActionProjectAdmin)
	for _, a := range all {
		if Can(role, a) {
			caps.actions[a] = true
		}
	}
	return caps
}

func (c Capabilities) Has(action Action) bool {
	return c.actions[action]
}

// Require returns a Forbidden error when action is not granted.
func (c Capabilities) Require(action Action) error {
	if c.Has(action) {
		return nil
	}
	return apperr.Forbidden("missing capability " + string(action)).WithDetails(map[string]string{
		"projectId": c.ProjectID,
		"role":      string(c.Role),
		"action":    string(action),
	})
}

func (c Capabilities) Actions() []string {
	out := make([]string, 0, len(c.actions))
	for a := range c.actions {
		out = append(out, string(a))
	}
	sort.Strings(out)
	return out
}
