package changefeed

import (
	"strings"

	"thrilha/domain"
)

// Filter selects the changes a client subscribed to. Audience membership is
// always required.
type Filter struct {
	Tables  map[string]bool
	BoardID string
}

// ParseFilter reads a comma separated table list and an optional board id.
func ParseFilter(tables, boardID string) Filter {
	f := Filter{BoardID: strings.TrimSpace(boardID)}
	for _, t := range strings.Split(tables, ",") {
		if t = strings.TrimSpace(t); t != "" {
			if f.Tables == nil {
				f.Tables = make(map[string]bool)
			}
			f.Tables[t] = true
		}
	}
	return f
}

func (f Filter) Matches(c domain.Change, userID string) bool {
	if !c.VisibleTo(userID) {
		return false
	}
	if len(f.Tables) > 0 && !f.Tables[c.Table] {
		return false
	}
	if f.BoardID != "" && c.BoardID != f.BoardID {
		return false
	}
	return true
}
