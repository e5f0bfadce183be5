package modes

const (
	GeneralID = "general"
	SlackID   = "slack"
	JiraID    = "jira"
	GithubID  = "github"
)

// Default base addresses, used when nothing is configured.
const (
	DefaultGeneralURL = "http://localhost:3000"
	DefaultSlackURL   = "http://localhost:8000"
	DefaultJiraURL    = "http://localhost:8001"
	DefaultGithubURL  = "http://localhost:8003"
)

// DefaultModes returns the built-in community assistant catalog.
func DefaultModes() []Mode {
	return []Mode{
		{
			ID:          GeneralID,
			Name:        "General Assistant",
			Icon:        "🤖",
			Description: "Ask about features, documentation, or community",
			SystemPrompt: "You are a helpful Mifos Community assistant. Help with general questions about " +
				"Mifos features, documentation, and community support.",
			QuickActions: []string{
				"How to create new client?",
				"API documentation",
				"Troubleshoot reporting",
				"Mobile banking setup",
			},
			Backend: BackendDescriptor{
				BaseURL:   DefaultGeneralURL,
				Path:      "/api/chat",
				Timeout:   LightTimeout,
				Request:   RequestHistory,
				Streaming: &Streaming{Decoder: DecoderDataStream},
			},
		},
		{
			ID:          SlackID,
			Name:        "Slack Assistant",
			Icon:        "💬",
			Description: "Get channel info, user details, or search messages",
			SystemPrompt: "You are a Slack integration assistant. Help users with Slack channel management, " +
				"user queries, message searches, and workspace administration.",
			Backend: BackendDescriptor{
				BaseURL:          DefaultSlackURL,
				Path:             "/chat",
				Timeout:          HeavyTimeout,
				Request:          RequestMessage,
				CorrelationField: "conversation_id",
				SingleShot:       &SingleShot{ResponseField: DefaultResponseField},
			},
		},
		{
			ID:          JiraID,
			Name:        "Jira Assistant",
			Icon:        "🔷",
			Description: "Check ticket status, create issues, or view reports",
			SystemPrompt: "You are a Jira integration assistant. Help users with ticket management, " +
				"issue creation, project tracking, and generating reports.",
			Backend: BackendDescriptor{
				BaseURL:          DefaultJiraURL,
				Path:             "/jira/query",
				Timeout:          HeavyTimeout,
				Request:          RequestQuery,
				CorrelationField: "conversation_id",
				SingleShot:       &SingleShot{ResponseField: DefaultResponseField},
			},
		},
		{
			ID:          GithubID,
			Name:        "GitHub Assistant",
			Icon:        "🐙",
			Description: "Review PRs, check issues, or get repo info",
			SystemPrompt: "You are a GitHub integration assistant. Help users with pull request reviews, " +
				"issue tracking, repository management, and code collaboration.",
			Backend: BackendDescriptor{
				BaseURL:          DefaultGithubURL,
				Path:             "/chat",
				Timeout:          HeavyTimeout,
				Request:          RequestMessage,
				CorrelationField: "session_id",
				SingleShot:       &SingleShot{ResponseField: DefaultResponseField},
			},
		},
	}
}
