package domain

// Screen names the view the widget currently shows.
type Screen string

const (
	ScreenCollapsed Screen = "collapsed"
	ScreenWelcome   Screen = "welcome"
	ScreenChat      Screen = "chat"
	ScreenFeedback  Screen = "feedback"
)

// ConversationState is a read-only snapshot of one widget instance.
type ConversationState struct {
	UserID         string    `json:"userId"`
	SessionID      string    `json:"sessionId"`
	Messages       []Message `json:"messages"`
	IsLoading      bool      `json:"isLoading"`
	IsCollapsed    bool      `json:"isCollapsed"`
	TermsAccepted  bool      `json:"termsAccepted"`
	CurrentScreen  Screen    `json:"currentScreen"`
	FeedbackRating int       `json:"feedbackRating"`
	LastError      string    `json:"lastError,omitempty"`
	RetryCount     int       `json:"retryCount"`
}

// VersionInfo identifies the running widget build.
type VersionInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Variant string `json:"variant"`
}
