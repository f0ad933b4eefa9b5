package membership

import "strings"

// Session identifies the authenticated caller of a workflow operation.
type Session struct {
	UserID string
	Email  string
}

func (s Session) validate() error {
	if strings.TrimSpace(s.UserID) == "" {
		return newError(CodePermissionDenied, "not signed in")
	}
	return nil
}
