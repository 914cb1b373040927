package inventory

import (
	"context"
	"fmt"
	"sort"

	"github.com/azenumrbac/azenumrbac/internal/core"
)

// GroupInventory is the output of the groups phase.
type GroupInventory struct {
	Groups []core.Group `json:"groups"`
	// Members lists every non-group principal seen in a membership listing
	// together with the nested groups themselves.
	Members  []core.Principal `json:"members"`
	Warnings []string         `json:"warnings,omitempty"`
}

// GroupMembers fetches the direct membership of every group holding a role
// assignment and of every group nested below them. Groups are walked
// breadth first; a visited set keeps membership cycles from re-fetching a
// group. A group whose member listing fails is left out of the result with
// a warning so the resolver treats it as unexpanded.
func (c *Collector) GroupMembers(ctx context.Context, assignments []core.RoleAssignment) (*GroupInventory, error) {
	if err := c.requireSession(); err != nil {
		return nil, err
	}

	var queue []string
	visited := make(map[string]bool)
	for _, a := range assignments {
		if a.PrincipalType == core.KindGroup && !visited[a.PrincipalID] {
			visited[a.PrincipalID] = true
			queue = append(queue, a.PrincipalID)
		}
	}
	sort.Strings(queue)

	inv := &GroupInventory{}
	members := make(map[string]core.Principal)
	done := 0
	c.progress.Total(len(queue))

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gid := queue[0]
		queue = queue[1:]

		group := core.Group{Principal: core.Principal{ID: gid, Kind: core.KindGroup}}

		var detail rawDirectoryObject
		if err := c.client.RunJSON(ctx, &detail, "ad", "group", "show", "--group", gid); err != nil {
			inv.warn(c, fmt.Sprintf("group %s: details unavailable: %v", gid, err))
		} else {
			group.DisplayName = detail.DisplayName
		}

		var raw []rawDirectoryObject
		if err := c.client.RunJSON(ctx, &raw, "ad", "group", "member", "list", "--group", gid); err != nil {
			inv.warn(c, fmt.Sprintf("group %s: members unavailable: %v", gid, err))
			done++
			c.progress.Update(done, "Group: "+gid)
			continue
		}

		for _, r := range raw {
			p := r.toPrincipal()
			if p.ID == "" {
				continue
			}
			group.Members = append(group.Members, p.ID)
			if _, ok := members[p.ID]; !ok {
				members[p.ID] = p
			}
			if p.Kind == core.KindGroup && !visited[p.ID] {
				visited[p.ID] = true
				queue = append(queue, p.ID)
				c.progress.Total(done + len(queue) + 1)
			}
		}
		sort.Strings(group.Members)
		inv.Groups = append(inv.Groups, group)

		done++
		c.progress.Update(done, "Group: "+displayOr(group.DisplayName, gid))
	}

	sort.Slice(inv.Groups, func(i, j int) bool { return inv.Groups[i].ID < inv.Groups[j].ID })
	inv.Members = sortedPrincipals(members)

	c.logger.Info().Int("groups", len(inv.Groups)).Int("members", len(inv.Members)).
		Int("warnings", len(inv.Warnings)).Msg("group membership collected")
	return inv, nil
}

func (inv *GroupInventory) warn(c *Collector, msg string) {
	c.logger.Warn().Msg(msg)
	inv.Warnings = append(inv.Warnings, msg)
}

func displayOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
