// Package constrain provides grammar automatons for constrained decoding.
// A matcher is bound to a single sequence context and advanced synchronously
// as tokens are accepted; it reports whether each token is legal under the
// grammar and can force tokens whose continuation is deterministic.
package constrain

// jsonState identifies a node in the JSON pushdown graph
type jsonState int

const (
	stateStart jsonState = iota
	stateInObject
	stateInObjectKey
	stateInObjectKeyEnd
	stateInColon
	stateInString
	stateInStringEnd
	stateInNumber
	stateInBool
	stateInNull
	stateInList
	stateInListComma
	stateInComma
	stateInSpace
	stateInObjectEnd
	stateListEnd
)

var jsonStates = []jsonState{
	stateStart, stateInObject, stateInObjectKey, stateInObjectKeyEnd,
	stateInColon, stateInString, stateInStringEnd, stateInNumber,
	stateInBool, stateInNull, stateInList, stateInListComma, stateInComma,
	stateInSpace, stateInObjectEnd, stateListEnd,
}

// wildcard matches any rune not covered by an explicit edge
const wildcard = rune(-1)

var validNumberRunes = []rune{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '.', '-', '+', 'e', 'E'}
var validBoolRunes = []rune{'t', 'r', 'u', 'e', 'f', 'a', 'l', 's'}
var validNullRunes = []rune{'n', 'u', 'l'}
var whitespaceRunes = []rune{' ', '\n', '\t'}

// pdaNode is one state of the automaton with its rune transition edges
type pdaNode struct {
	state jsonState
	edges map[rune]*pdaNode
}

func newPDANode(state jsonState) *pdaNode {
	return &pdaNode{
		state: state,
		edges: make(map[rune]*pdaNode),
	}
}

// buildGraph wires the JSON transition graph and returns the start node.
// The graph accepts a single top-level object with string keys and
// string/number/bool/null/list values, whitespace tolerated between
// structural characters.
func buildGraph() *pdaNode {
	nodes := make(map[jsonState]*pdaNode, len(jsonStates))
	for _, state := range jsonStates {
		nodes[state] = newPDANode(state)
	}

	nodes[stateStart].edges['{'] = nodes[stateInObject]

	nodes[stateInObject].edges['"'] = nodes[stateInObjectKey]
	nodes[stateInObject].edges['}'] = nodes[stateInObjectEnd]
	selfLoop(nodes[stateInObject], whitespaceRunes)

	nodes[stateInObjectKey].edges[wildcard] = nodes[stateInObjectKey]
	nodes[stateInObjectKey].edges['"'] = nodes[stateInObjectKeyEnd]

	nodes[stateInObjectKeyEnd].edges[':'] = nodes[stateInColon]

	nodes[stateInColon].edges['['] = nodes[stateInList]
	nodes[stateInColon].edges['{'] = nodes[stateInObject]
	selfLoop(nodes[stateInColon], whitespaceRunes)
	addValueEdges(nodes[stateInColon], nodes)

	nodes[stateInString].edges[wildcard] = nodes[stateInString]
	nodes[stateInString].edges['"'] = nodes[stateInStringEnd]
	addEndEdges(nodes[stateInStringEnd], nodes)

	for _, r := range validNumberRunes {
		nodes[stateInNumber].edges[r] = nodes[stateInNumber]
	}
	addEndEdges(nodes[stateInNumber], nodes)

	for _, r := range validBoolRunes {
		nodes[stateInBool].edges[r] = nodes[stateInBool]
	}
	addEndEdges(nodes[stateInBool], nodes)

	for _, r := range validNullRunes {
		nodes[stateInNull].edges[r] = nodes[stateInNull]
	}
	addEndEdges(nodes[stateInNull], nodes)

	nodes[stateInList].edges['{'] = nodes[stateInObject]
	nodes[stateInList].edges[']'] = nodes[stateListEnd]
	selfLoop(nodes[stateInList], whitespaceRunes)
	addValueEdges(nodes[stateInList], nodes)

	nodes[stateInListComma].edges['{'] = nodes[stateInObject]
	selfLoop(nodes[stateInListComma], whitespaceRunes)
	addValueEdges(nodes[stateInListComma], nodes)

	nodes[stateListEnd].edges['}'] = nodes[stateInObjectEnd]
	nodes[stateListEnd].edges[','] = nodes[stateInComma]

	nodes[stateInComma].edges['"'] = nodes[stateInObjectKey]
	selfLoop(nodes[stateInComma], whitespaceRunes)

	nodes[stateInObjectEnd].edges[','] = nodes[stateInComma]

	return nodes[stateStart]
}

// addEndEdges wires the transitions that can follow a completed value
func addEndEdges(node *pdaNode, nodes map[jsonState]*pdaNode) {
	node.edges[','] = nodes[stateInComma]
	node.edges['}'] = nodes[stateInObjectEnd]
	node.edges[']'] = nodes[stateListEnd]
}

// addValueEdges wires the transitions that can start a value
func addValueEdges(node *pdaNode, nodes map[jsonState]*pdaNode) {
	node.edges['"'] = nodes[stateInString]
	for _, r := range validNumberRunes {
		node.edges[r] = nodes[stateInNumber]
	}
	node.edges['t'] = nodes[stateInBool]
	node.edges['f'] = nodes[stateInBool]
	node.edges['n'] = nodes[stateInNull]
}

func selfLoop(node *pdaNode, runes []rune) {
	for _, r := range runes {
		node.edges[r] = node
	}
}

// step advances one rune, preferring an explicit edge over the wildcard.
func (n *pdaNode) step(r rune) (*pdaNode, bool) {
	if next, ok := n.edges[r]; ok {
		return next, true
	}
	if next, ok := n.edges[wildcard]; ok {
		return next, true
	}
	return nil, false
}
