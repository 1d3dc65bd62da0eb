package collusion

import "sort"

// Edge is a directed, weighted edge of the interaction graph.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// Graph is a directed graph over agents with interaction counts as edge
// weights. Agents are indexed in name order.
type Graph struct {
	Agents []string
	index  map[string]int
	adj    []map[int]int // from -> to -> count
}

func buildGraph(log []Interaction) *Graph {
	seen := make(map[string]struct{})
	for _, in := range log {
		seen[in.From] = struct{}{}
		seen[in.To] = struct{}{}
	}
	agents := make([]string, 0, len(seen))
	for a := range seen {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	g := &Graph{
		Agents: agents,
		index:  make(map[string]int, len(agents)),
		adj:    make([]map[int]int, len(agents)),
	}
	for i, a := range agents {
		g.index[a] = i
		g.adj[i] = make(map[int]int)
	}
	for _, in := range log {
		g.adj[g.index[in.From]][g.index[in.To]]++
	}
	return g
}

// Weight returns the number of interactions from one agent to another.
func (g *Graph) Weight(from, to string) int {
	i, ok := g.index[from]
	if !ok {
		return 0
	}
	j, ok := g.index[to]
	if !ok {
		return 0
	}
	return g.adj[i][j]
}

// Edges lists every edge ordered by source then destination.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for i := range g.adj {
		for _, j := range g.successors(i) {
			out = append(out, Edge{From: g.Agents[i], To: g.Agents[j], Count: g.adj[i][j]})
		}
	}
	return out
}

// successors returns outgoing neighbours of node in index order.
func (g *Graph) successors(node int) []int {
	out := make([]int, 0, len(g.adj[node]))
	for j := range g.adj[node] {
		out = append(out, j)
	}
	sort.Ints(out)
	return out
}
