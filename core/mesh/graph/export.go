package graph

import (
	"fmt"
	"html"
	"strings"

	"github.com/nmxmxh/overlay/core/mesh/common"
)

// DOT renders the graph in Graphviz format. Spanning-tree edges are red and
// vertices in paint are filled green.
func (g *Graph) DOT(paint []common.PeerID) string {
	tree := make(map[[2]common.PeerID]struct{})
	for _, e := range g.MST() {
		tree[[2]common.PeerID{e.U, e.V}] = struct{}{}
		tree[[2]common.PeerID{e.V, e.U}] = struct{}{}
	}
	painted := make(map[common.PeerID]struct{}, len(paint))
	for _, p := range paint {
		painted[p] = struct{}{}
	}

	var b strings.Builder
	b.WriteString("graph G {\n")
	for _, p := range g.slots {
		attrs := ""
		if p == g.local {
			attrs = " [shape=doublecircle"
			if _, ok := painted[p]; ok {
				attrs += " style=filled fillcolor=green"
			}
			attrs += "]"
		} else if _, ok := painted[p]; ok {
			attrs = " [style=filled fillcolor=green]"
		}
		fmt.Fprintf(&b, "  %q%s;\n", p.String(), attrs)
	}
	for i := range g.slots {
		for j := i + 1; j < len(g.slots); j++ {
			if *g.cell(i, j) == 0 {
				continue
			}
			u, v := g.slots[i], g.slots[j]
			if _, ok := tree[[2]common.PeerID{u, v}]; ok {
				fmt.Fprintf(&b, "  %q -- %q [color=red];\n", u.String(), v.String())
			} else {
				fmt.Fprintf(&b, "  %q -- %q;\n", u.String(), v.String())
			}
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Matrix returns a copy of the live adjacency rows in slot order.
func (g *Graph) Matrix() [][]uint8 {
	n := len(g.slots)
	out := make([][]uint8, n)
	for i := 0; i < n; i++ {
		row := make([]uint8, n)
		for j := 0; j < n; j++ {
			row[j] = *g.cell(i, j)
		}
		out[i] = row
	}
	return out
}

// MatrixHTML renders the adjacency matrix as an HTML table.
func (g *Graph) MatrixHTML() string {
	var b strings.Builder
	b.WriteString("<table>\n<tr><th></th>")
	for _, p := range g.slots {
		fmt.Fprintf(&b, "<th>%s</th>", html.EscapeString(p.String()))
	}
	b.WriteString("</tr>\n")
	for i, p := range g.slots {
		fmt.Fprintf(&b, "<tr><th>%s</th>", html.EscapeString(p.String()))
		for j := range g.slots {
			fmt.Fprintf(&b, "<td>%d</td>", *g.cell(i, j))
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</table>\n")
	return b.String()
}
