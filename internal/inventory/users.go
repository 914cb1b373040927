package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/azenumrbac/azenumrbac/internal/core"
)

// UserProfiles is the output of the users phase, keyed by user ID.
type UserProfiles struct {
	Profiles map[string]core.UserProfile `json:"profiles"`
	Warnings []string                    `json:"warnings,omitempty"`
}

// Checkpoint persists partial progress after each batch.
type Checkpoint func(*UserProfiles) error

// UserIDs returns the sorted IDs of every user principal in the lists.
func UserIDs(lists ...[]core.Principal) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, list := range lists {
		for _, p := range list {
			if p.Kind == core.KindUser && !seen[p.ID] {
				seen[p.ID] = true
				ids = append(ids, p.ID)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// UserProfiles fetches the directory profile of each user. Profiles already
// present in prior are kept and not fetched again, so an interrupted phase
// resumes where it stopped. The checkpoint, when set, runs after every
// batch. A failed lookup is a warning; the report falls back to the
// principal's display name for that user.
func (c *Collector) UserProfiles(ctx context.Context, userIDs []string, prior *UserProfiles, checkpoint Checkpoint) (*UserProfiles, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}

	out := &UserProfiles{Profiles: make(map[string]core.UserProfile, len(userIDs))}
	if prior != nil {
		for id, p := range prior.Profiles {
			out.Profiles[id] = p
		}
	}

	var remaining []string
	for _, id := range userIDs {
		if _, ok := out.Profiles[id]; !ok {
			remaining = append(remaining, id)
		}
	}

	c.logger.Info().Int("total", len(userIDs)).Int("cached", len(userIDs)-len(remaining)).
		Int("remaining", len(remaining)).Msg("fetching user profiles")
	c.progress.Total(len(remaining))

	for start := 0; start < len(remaining); start += c.batchSize {
		end := start + c.batchSize
		if end > len(remaining) {
			end = len(remaining)
		}

		for i, id := range remaining[start:end] {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			var raw rawDirectoryObject
			if err := c.client.RunJSON(ctx, &raw, "ad", "user", "show", "--id", id); err != nil {
				msg := fmt.Sprintf("user %s: profile unavailable: %v", id, err)
				c.logger.Warn().Msg(msg)
				out.Warnings = append(out.Warnings, msg)
			} else {
				profile := raw.toProfile()
				if profile.ID == "" {
					profile.ID = id
				}
				out.Profiles[id] = profile
			}
			c.progress.Update(start+i+1, "User: "+id)
		}

		if checkpoint != nil {
			if err := checkpoint(out); err != nil {
				return out, fmt.Errorf("checkpointing user profiles: %w", err)
			}
		}
	}

	return out, nil
}
