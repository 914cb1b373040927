package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	gomponents "maragu.dev/gomponents"
	html "maragu.dev/gomponents/html"
)

const d3Source = "https://d3js.org/d3.v7.min.js"

type roleSlice struct {
	RoleName string `json:"roleName"`
	Count    int    `json:"count"`
}

type userBubble struct {
	UserName           string      `json:"userName"`
	JobTitle           string      `json:"jobTitle"`
	TotalResourceCount int         `json:"totalResourceCount"`
	Roles              []roleSlice `json:"roles"`
}

type roleBubble struct {
	RoleName        string   `json:"roleName"`
	AssignmentCount int      `json:"assignmentCount"`
	Scopes          []string `json:"scopes"`
}

// userBubbles merges every principal sharing a full name into one bubble
// and keeps those whose total resource count is above the average.
func userBubbles(ds *dataset) ([]userBubble, float64) {
	var all []userBubble
	for name, byID := range ds.identities {
		b := userBubble{UserName: name}
		counts := make(map[string]int)
		for _, id := range sortedIdentityIDs(byID) {
			ident := byID[id]
			if b.JobTitle == "" {
				b.JobTitle = ident.JobTitle
			}
			for _, g := range ident.RBAC {
				counts[g.Role] += g.ResourceCount
			}
		}
		for role, n := range counts {
			b.Roles = append(b.Roles, roleSlice{RoleName: role, Count: n})
			b.TotalResourceCount += n
		}
		sort.Slice(b.Roles, func(i, j int) bool { return b.Roles[i].RoleName < b.Roles[j].RoleName })
		all = append(all, b)
	}
	if len(all) == 0 {
		return nil, 0
	}

	sum := 0
	for _, b := range all {
		sum += b.TotalResourceCount
	}
	avg := float64(sum) / float64(len(all))

	var above []userBubble
	for _, b := range all {
		if float64(b.TotalResourceCount) > avg {
			above = append(above, b)
		}
	}
	sort.Slice(above, func(i, j int) bool {
		if above[i].TotalResourceCount != above[j].TotalResourceCount {
			return above[i].TotalResourceCount > above[j].TotalResourceCount
		}
		return above[i].UserName < above[j].UserName
	})
	return above, avg
}

// roleBubbles sizes every role by how many user and scope pairs hold it.
func roleBubbles(ds *dataset) []roleBubble {
	counts := make(map[string]int)
	scopes := make(map[string]map[string]bool)
	for _, r := range ds.rows {
		counts[r.Role]++
		if scopes[r.Role] == nil {
			scopes[r.Role] = make(map[string]bool)
		}
		scopes[r.Role][r.Scope] = true
	}

	out := make([]roleBubble, 0, len(counts))
	for role, n := range counts {
		b := roleBubble{RoleName: role, AssignmentCount: n}
		for s := range scopes[role] {
			b.Scopes = append(b.Scopes, s)
		}
		sort.Strings(b.Scopes)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssignmentCount != out[j].AssignmentCount {
			return out[i].AssignmentCount > out[j].AssignmentCount
		}
		return out[i].RoleName < out[j].RoleName
	})
	return out
}

func writeUserChart(w io.Writer, ds *dataset) (int, error) {
	users, avg := userBubbles(ds)
	if users == nil {
		users = []userBubble{}
	}
	data, err := json.Marshal(users)
	if err != nil {
		return 0, err
	}

	heading := fmt.Sprintf("Users above average resource reach (%.1f)", avg)
	page := chartPage(heading,
		"Circles are sized by total resource count and split by role. Hover a role to highlight it across users.",
		html.Div(html.ID("container"),
			html.Div(html.ID("chart")),
			html.Div(html.ID("roles"), html.H3(gomponents.Text("Roles")), html.Div(html.ID("roleItems"))),
			html.Div(html.ID("holders"), html.H3(gomponents.Text("Users with this role")), html.Pre(html.ID("roleHoverBox"))),
		),
		"const userData = "+string(data)+";",
		userChartJS,
	)
	return len(users), page.Render(w)
}

func writeRoleChart(w io.Writer, ds *dataset) (int, error) {
	roles := roleBubbles(ds)
	data, err := json.Marshal(roles)
	if err != nil {
		return 0, err
	}

	page := chartPage("Roles by assignment count",
		"Every role held by a resolved user, sized by the number of user and scope pairs.",
		html.Div(html.ID("chart")),
		"const roleData = "+string(data)+";",
		roleChartJS,
	)
	return len(roles), page.Render(w)
}

func chartPage(title, intro string, body gomponents.Node, dataJS, chartJS string) gomponents.Node {
	return html.Doctype(
		html.HTML(
			html.Lang("en"),
			html.Head(
				html.Meta(html.Charset("utf-8")),
				html.TitleEl(gomponents.Text(title)),
				html.Script(html.Src(d3Source)),
				html.StyleEl(gomponents.Raw(chartCSS)),
			),
			html.Body(
				html.H2(gomponents.Text(title)),
				html.P(gomponents.Text(intro)),
				body,
				html.Div(html.Class("tooltip"), html.ID("tooltip")),
				html.Script(gomponents.Raw(dataJS)),
				html.Script(gomponents.Raw(tooltipJS)),
				html.Script(gomponents.Raw(chartJS)),
			),
		),
	)
}

func sortedIdentityIDs(m map[string]Identity) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

const chartCSS = `
body { font-family: sans-serif; margin: 20px; }
#container { display: flex; flex-direction: row; }
#chart { margin-right: 20px; }
#roles { flex: 0 0 320px; margin-right: 20px; white-space: nowrap; overflow-x: auto; }
#holders { flex: 0 0 400px; }
#roleHoverBox { border: 1px solid #ccc; background: #fafafa; min-height: 200px; padding: 5px; }
.roleListItem { margin: 4px 0; padding-left: 4px; cursor: pointer; }
.roleListItem:hover { background-color: rgba(0,0,0,0.1); }
.tooltip { position: absolute; background: rgba(0,0,0,0.7); color: #fff; padding: 5px 8px;
  border-radius: 4px; pointer-events: none; font-size: 12px; z-index: 999; opacity: 0; }
`

// tooltipJS fills the tooltip one text line per div. Names and scopes come
// from the directory and must never be parsed as markup.
const tooltipJS = `
function showTooltip(tooltip, lines) {
  tooltip.selectAll("*").remove();
  tooltip.selectAll("div").data(lines).enter().append("div").text(l => l);
  tooltip.style("opacity", 1);
}
`

const userChartJS = `
(function () {
  const width = 3000, height = 2000;
  const tooltip = d3.select("#tooltip");

  const roleTotals = new Map();
  const roleHolders = new Map();
  userData.forEach(u => u.roles.forEach(r => {
    roleTotals.set(r.roleName, (roleTotals.get(r.roleName) || 0) + r.count);
    if (!roleHolders.has(r.roleName)) roleHolders.set(r.roleName, []);
    roleHolders.get(r.roleName).push({ userName: u.userName, jobTitle: u.jobTitle, count: r.count });
  }));
  const roles = Array.from(roleTotals, ([roleName, total]) => ({ roleName, total }))
    .sort((a, b) => d3.descending(a.total, b.total));

  const color = d3.scaleOrdinal()
    .domain(roles.map(r => r.roleName))
    .range(d3.quantize(d3.interpolateRainbow, roles.length + 1));
  const radius = d3.scaleSqrt()
    .domain([0, d3.max(userData, d => d.totalResourceCount) || 1])
    .range([0, 160]);

  const svg = d3.select("#chart").append("svg")
    .attr("width", 1500).attr("height", 1000)
    .attr("viewBox", [0, 0, width, height]);

  const nodes = userData.map(u => ({
    user: u,
    roleSet: new Set(u.roles.map(r => r.roleName)),
    r: radius(u.totalResourceCount),
    x: width / 2 + (Math.random() - 0.5) * width / 2,
    y: height / 2 + (Math.random() - 0.5) * height / 2
  }));

  const groups = svg.selectAll(".user").data(nodes).enter().append("g").attr("class", "user");
  const pie = d3.pie().sort(null).value(r => r.count);
  groups.each(function (n) {
    const arc = d3.arc().innerRadius(0).outerRadius(n.r);
    d3.select(this).selectAll(".slice").data(pie(n.user.roles)).enter().append("path")
      .attr("class", "slice").attr("d", arc)
      .attr("fill", d => color(d.data.roleName))
      .attr("stroke", "#333").attr("stroke-width", 0.5);
  });
  groups.append("circle").attr("class", "outline").attr("r", n => n.r)
    .attr("fill", "none").attr("stroke", "none");
  groups.append("text").attr("text-anchor", "middle").attr("dy", "0.4em")
    .text(n => n.user.userName)
    .each(function (n) {
      const el = d3.select(this);
      let size = 50;
      el.style("font-size", size + "px");
      while (size > 1) {
        const box = this.getBBox();
        if (Math.max(box.width, box.height) <= 2 * n.r) break;
        el.style("font-size", (--size) + "px");
      }
    });

  groups
    .on("mouseover", (evt, n) => {
      showTooltip(tooltip, [
        "User: " + n.user.userName,
        "Total: " + n.user.totalResourceCount,
      ].concat(n.user.roles.map(r => "(" + r.count + ") " + r.roleName)));
    })
    .on("mousemove", evt => tooltip.style("left", (evt.pageX + 10) + "px").style("top", (evt.pageY + 10) + "px"))
    .on("mouseout", () => tooltip.style("opacity", 0));

  d3.forceSimulation(nodes)
    .force("x", d3.forceX(width / 2).strength(0.2))
    .force("y", d3.forceY(height / 2).strength(0.2))
    .force("collide", d3.forceCollide().radius(n => n.r).strength(1))
    .on("tick", () => {
      nodes.forEach(n => {
        n.x = Math.max(n.r, Math.min(width - n.r, n.x));
        n.y = Math.max(n.r, Math.min(height - n.r, n.y));
      });
      groups.attr("transform", n => "translate(" + n.x + "," + n.y + ")");
    });

  d3.select("#roleItems").selectAll(".roleListItem").data(roles).enter().append("div")
    .attr("class", "roleListItem")
    .style("border-left", r => "10px solid " + color(r.roleName))
    .text(r => r.total + " - " + r.roleName)
    .on("mouseover", (evt, r) => {
      svg.selectAll(".slice").style("opacity", d => d.data.roleName === r.roleName ? 1 : 0.15);
      groups.select(".outline")
        .attr("stroke", n => n.roleSet.has(r.roleName) ? "black" : "none")
        .attr("stroke-width", n => n.roleSet.has(r.roleName) ? 2 : 0);
      const holders = (roleHolders.get(r.roleName) || []).slice().sort((a, b) => b.count - a.count);
      d3.select("#roleHoverBox").text(holders.map(h => "(" + h.count + ") " + h.userName + " | " + h.jobTitle).join("\n"));
    })
    .on("mouseout", () => {
      svg.selectAll(".slice").style("opacity", 1);
      groups.select(".outline").attr("stroke", "none");
      d3.select("#roleHoverBox").text("");
    });
})();
`

const roleChartJS = `
(function () {
  const width = 1500, height = 1000;
  const tooltip = d3.select("#tooltip");

  const root = d3.hierarchy({ children: roleData }).sum(d => d.assignmentCount || 0);
  d3.pack().size([width, height]).padding(4)(root);

  const color = d3.scaleOrdinal()
    .domain(roleData.map(r => r.roleName))
    .range(d3.quantize(d3.interpolateRainbow, roleData.length + 1));

  const svg = d3.select("#chart").append("svg")
    .attr("width", width).attr("height", height)
    .style("border", "1px solid #ccc");

  const node = svg.selectAll("g").data(root.leaves()).enter().append("g")
    .attr("transform", d => "translate(" + d.x + "," + d.y + ")");

  node.append("circle").attr("r", d => d.r)
    .attr("fill", d => color(d.data.roleName)).attr("fill-opacity", 0.8)
    .attr("stroke", "#333").attr("stroke-width", 0.5);

  node.append("text").attr("text-anchor", "middle").attr("dy", "0.35em")
    .style("font-size", d => Math.max(8, Math.min(24, d.r / 4)) + "px")
    .text(d => d.r > 20 ? d.data.roleName : "");

  node
    .on("mouseover", (evt, d) => {
      const lines = [d.data.roleName, "Assignments: " + d.data.assignmentCount].concat(d.data.scopes.slice(0, 25));
      if (d.data.scopes.length > 25) lines.push("... " + (d.data.scopes.length - 25) + " more");
      showTooltip(tooltip, lines);
    })
    .on("mousemove", evt => tooltip.style("left", (evt.pageX + 10) + "px").style("top", (evt.pageY + 10) + "px"))
    .on("mouseout", () => tooltip.style("opacity", 0));
})();
`
