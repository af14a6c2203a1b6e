// Package duty resolves which doctor receives new tasks.
package duty

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ecgdesk/internal/config"
	"ecgdesk/internal/domain"
	"ecgdesk/internal/repo"
)

// Resolver picks the current duty doctor. The is_duty flag on the user row is
// the source of truth; the roster table is consulted only when the flag
// capability is disabled. Resolution happens inside the caller's transaction
// so assignment and intake observe the same answer.
type Resolver struct {
	Repo         repo.Repo
	Capabilities config.Capabilities
}

// Current returns the duty doctor if one exists. The boolean is false when no
// doctor is on duty, which is not an error: intake then leaves the task
// pending.
func (r Resolver) Current(ctx context.Context, tx *sql.Tx, now time.Time) (domain.User, bool, error) {
	if r.Capabilities.DutyFlag {
		doc, err := r.Repo.CurrentDutyDoctor(ctx, tx)
		if err == nil {
			return doc, true, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, false, err
		}
		return domain.User{}, false, nil
	}
	if r.Capabilities.DutyRoster {
		doc, err := r.Repo.RosterDutyDoctor(ctx, tx, now.UTC().Format("2006-01-02"))
		if err == nil {
			return doc, true, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, false, err
		}
	}
	return domain.User{}, false, nil
}
