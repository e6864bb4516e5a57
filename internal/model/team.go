package model

// CollaborationModel selects how a Team's members cooperate on a task.
type CollaborationModel string

const (
	CollaborationSolo       CollaborationModel = "solo"
	CollaborationParallel   CollaborationModel = "parallel"
	CollaborationPipeline   CollaborationModel = "pipeline"
	CollaborationGroupChat  CollaborationModel = "group_chat"
)

// TeamMember binds a Bot into a Team's ordered member list.
type TeamMember struct {
	BotName              string `json:"bot_name"`
	BotNamespace         string `json:"bot_namespace,omitempty"`
	Prompt               string `json:"prompt,omitempty"`
	Role                 string `json:"role,omitempty"`
	RequireConfirmation  bool   `json:"requireConfirmation,omitempty"`
}

// Team is the JSON payload for Kind=Team resources.
type Team struct {
	DisplayName        string             `json:"displayName"`
	Members            []TeamMember       `json:"members"`
	CollaborationModel CollaborationModel `json:"collaborationModel"`
}

// SupportsDirectChat reports whether this team can stream in-process via
// the Chat Shell — true only when every member's Shell
// kind is the Chat shell. Callers resolve Bot/Shell kinds separately; this
// helper just encodes the rule once members are resolved.
func (t Team) SupportsDirectChat(shellKinds []ShellKind) bool {
	if len(shellKinds) == 0 {
		return false
	}
	for _, k := range shellKinds {
		if k != ShellChat {
			return false
		}
	}
	return true
}
