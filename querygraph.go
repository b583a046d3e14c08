package ursa

// QueryGraph is a DAG of concrete n-grams: "file matches the graph iff it
// contains an n-gram satisfying at least one source-to-sink path" (spec
// §4.5/§4.6). Node ids are indices into nodes; sources are nodes with no
// incoming edge.
type QueryGraph struct {
	nodes   []qgNode
	sources []int
}

type qgNode struct {
	gram  uint32
	edges []int
}

const (
	// queryGraphMaxEdge bounds how ambiguous a token may be and still start
	// or end a subgraph (spec §4.5 MAX_EDGE).
	queryGraphMaxEdge = 16
	// queryGraphMaxNgram bounds how many concrete n-grams a subgraph tip may
	// represent before it is sealed off (spec §4.5 MAX_NGRAM).
	queryGraphMaxNgram = 65536
)

func (g *QueryGraph) makeNode(gram uint32) int {
	g.nodes = append(g.nodes, qgNode{gram: gram})
	return len(g.nodes) - 1
}

// Size is the number of nodes in the graph.
func (g *QueryGraph) Size() int { return len(g.nodes) }

func combineGrams(src, dst uint32) uint32 {
	return (src << 8) | (dst & 0xFF)
}

// NewQueryGraphFromQString builds the naive graph of single-byte nodes for
// qstr: "ABCD" becomes A -> B -> C -> D, with one parallel branch of nodes
// per token position that has more than one possible value.
func NewQueryGraphFromQString(qstr QString) *QueryGraph {
	g := &QueryGraph{}
	var sinks []int
	for _, token := range qstr {
		newSinks := make([]int, 0, len(token.values))
		for _, opt := range token.values {
			node := g.makeNode(uint32(opt))
			for _, left := range sinks {
				g.nodes[left].edges = append(g.nodes[left].edges, node)
			}
			newSinks = append(newSinks, node)
		}
		if len(g.sources) == 0 {
			g.sources = newSinks
		}
		sinks = newSinks
	}
	return g
}

// Dual constructs the edge-to-vertex dual of g: each node in the result is
// one edge of g, carrying the combined gram of its endpoints; two dual
// nodes are connected iff the corresponding original edges share a middle
// node. Applying Dual (w-1) times to a 1-gram graph yields its exact
// w-gram decomposition.
func (g *QueryGraph) Dual() *QueryGraph {
	result := &QueryGraph{}

	type edgeKey struct{ src, dst int }
	newNodes := make(map[edgeKey]int, len(g.nodes))
	order := make([]edgeKey, 0, len(g.nodes))

	for src := range g.nodes {
		for _, dst := range g.nodes[src].edges {
			key := edgeKey{src, dst}
			id := result.makeNode(combineGrams(g.nodes[src].gram, g.nodes[dst].gram))
			newNodes[key] = id
			order = append(order, key)
		}
	}

	for _, src := range g.sources {
		for _, dst := range g.nodes[src].edges {
			result.sources = append(result.sources, newNodes[edgeKey{src, dst}])
		}
	}

	for _, key := range order {
		from := newNodes[key]
		for _, target := range g.nodes[key.dst].edges {
			result.nodes[from].edges = append(result.nodes[from].edges, newNodes[edgeKey{key.dst, target}])
		}
	}

	return result
}

// Join merges other's nodes and sources into g, renumbering other's node
// ids past the end of g's current node list. Used to combine the disjoint
// subgraphs BuildQueryGraph produces for one QString into one graph.
func (g *QueryGraph) Join(other *QueryGraph) {
	offset := len(g.nodes)
	for _, n := range other.nodes {
		edges := make([]int, len(n.edges))
		for i, e := range n.edges {
			edges[i] = e + offset
		}
		g.nodes = append(g.nodes, qgNode{gram: n.gram, edges: edges})
	}
	for _, s := range other.sources {
		g.sources = append(g.sources, s+offset)
	}
}

// Oracle maps a node's packed gram to the QueryResult an index's posting
// data gives it: a concrete SortedRun if the gram is unambiguous under the
// index's charset, or EverythingResult() otherwise (spec §4.2/§4.6).
type Oracle func(gram uint32) QueryResult

// Run evaluates g against oracle with a topological sweep from sources to
// sinks (spec §4.6): a graph with no sources carries no constraint.
func (g *QueryGraph) Run(oracle Oracle) QueryResult {
	if len(g.sources) == 0 {
		return EverythingResult()
	}

	n := len(g.nodes)
	state := make([]QueryResult, n)
	readyPreds := make([][]int, n)
	totalPreds := make([]int, n)
	for i := range g.nodes {
		for _, t := range g.nodes[i].edges {
			totalPreds[t]++
		}
	}

	ready := append([]int(nil), g.sources...)
	result := EmptyResult()

	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]

		mask := oracle(g.nodes[id].gram)
		var st QueryResult
		if len(readyPreds[id]) == 0 {
			st = mask
		} else {
			st = EmptyResult()
			for _, p := range readyPreds[id] {
				st = st.Or(state[p].And(mask))
			}
		}
		state[id] = st

		if len(g.nodes[id].edges) == 0 {
			result = result.Or(st)
		}
		for _, succ := range g.nodes[id].edges {
			readyPreds[succ] = append(readyPreds[succ], id)
			if len(readyPreds[succ]) >= totalPreds[succ] {
				ready = append(ready, succ)
			}
		}
	}
	return result
}

// ConvertGram unpacks a QueryGraph node's packed gram (the low 8*size bits
// of gram, most-significant byte first) back into raw bytes and feeds them
// through t's n-gram generator. It reports false if the window is not a
// valid n-gram under t's charset (e.g. a TEXT4 window containing a
// non-alphabet byte) — the oracle built on top of this treats that as
// "everything", since the on-disk index has no posting list for an
// impossible gram (spec §4.2/§4.6, grounded on original_source's
// convert_gram).
func ConvertGram(t IndexType, gram uint32) (TriGram, bool) {
	size := t.WindowSize()
	mem := make([]byte, size)
	for i := 0; i < size; i++ {
		mem[i] = byte(gram >> uint((size-i-1)*8))
	}
	var result TriGram
	found := false
	GeneratorFor(t)(mem, func(g TriGram) {
		if !found {
			result = g
			found = true
		}
	})
	return result, found
}

// BuildQueryGraph decomposes str into an exact (or, where str is too
// ambiguous, conservatively over-approximated) graph of ngramSize-byte
// n-grams, scanning left to right and growing subgraphs under the
// MAX_EDGE/MAX_NGRAM thresholds before sealing each one off and moving on
// (spec §4.5).
func BuildQueryGraph(str QString, ngramSize int) *QueryGraph {
	result := &QueryGraph{}

	offset := 0
	for offset < len(str) {
		if str[offset].NumPossibleValues() > queryGraphMaxEdge {
			offset++
			continue
		}

		var tokens QString
		for i := 0; i < ngramSize-1 && offset < len(str); i++ {
			tokens = append(tokens, str[offset])
			offset++
		}

		for offset < len(str) {
			numPossible := uint64(1)
			for i := 0; i < ngramSize; i++ {
				numPossible *= uint64(str[offset-i].NumPossibleValues())
			}
			if numPossible > queryGraphMaxNgram {
				break
			}
			tokens = append(tokens, str[offset])
			offset++
		}

		for len(tokens) > 0 && tokens[len(tokens)-1].NumPossibleValues() > queryGraphMaxEdge {
			tokens = tokens[:len(tokens)-1]
		}

		if len(tokens) < ngramSize {
			continue
		}

		subgraph := NewQueryGraphFromQString(tokens)
		for i := 0; i < ngramSize-1; i++ {
			subgraph = subgraph.Dual()
		}
		result.Join(subgraph)
	}

	return result
}
