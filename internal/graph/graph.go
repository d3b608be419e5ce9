// Package graph builds call graphs of Starlark programs from their
// capture files, optionally joined with a static walk of the program
// source, and writes them in Graphviz DOT form.
//
// A program is one node. Each distinct host call in its capture is an
// edge from the program to the call signature. The static walk adds
// edges from the program (or from a function defined in it) to each
// function it calls by name.
package graph

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"go.starlark.net/syntax"

	"github.com/hosttrace/hosttrace/internal/trace"
)

// An Edge is a call from one node to another.
type Edge struct {
	From, To string
	Static   bool // found in source rather than observed at run time
}

// Graph is a directed graph whose nodes and edges keep insertion order.
// The zero value is not usable; call New.
type Graph struct {
	Name  string
	nodes []string
	known map[string]bool
	edges []Edge
	seen  map[Edge]bool
}

func New(name string) *Graph {
	return &Graph{Name: name, known: make(map[string]bool), seen: make(map[Edge]bool)}
}

func (g *Graph) AddNode(n string) {
	if !g.known[n] {
		g.known[n] = true
		g.nodes = append(g.nodes, n)
	}
}

// AddEdge adds both ends as nodes. Repeated edges are ignored.
func (g *Graph) AddEdge(from, to string, static bool) {
	g.AddNode(from)
	g.AddNode(to)
	e := Edge{From: from, To: to, Static: static}
	if !g.seen[e] {
		g.seen[e] = true
		g.edges = append(g.edges, e)
	}
}

func (g *Graph) Nodes() []string { return g.nodes }
func (g *Graph) Edges() []Edge   { return g.edges }

// ProgramNode names the program whose capture is at path:
// <name>@<timestamp> for <out>/<timestamp>/<name>.jsonl.
func ProgramNode(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), trace.Suffix)
	ts := filepath.Base(filepath.Dir(path))
	if ts == "." || ts == string(filepath.Separator) {
		return name
	}
	return name + "@" + ts
}

// AddCapture reads the capture at path and adds an edge from its
// program to every host call recorded in it. It returns the program node.
func (g *Graph) AddCapture(path string) (string, error) {
	records, err := trace.ReadCapture(path)
	if err != nil {
		return "", err
	}
	node := ProgramNode(path)
	g.AddNode(node)
	for _, r := range records {
		g.AddEdge(node, r.Signature, false)
	}
	return node, nil
}

// AddSource parses the program src (see syntax.Parse) and adds static
// call edges under the node program. Calls made at top level come from
// program; calls made inside a def f come from program.f. A call to a
// function defined in the same file goes to that function's node.
func (g *Graph) AddSource(program, filename string, src interface{}) error {
	f, err := syntax.Parse(filename, src, 0)
	if err != nil {
		return err
	}
	g.AddNode(program)

	defs := make(map[string]string)
	for _, stmt := range f.Stmts {
		if def, ok := stmt.(*syntax.DefStmt); ok {
			defs[def.Name.Name] = program + "." + def.Name.Name
		}
	}

	var stack []syntax.Node
	caller := func() string {
		for i := len(stack) - 1; i >= 0; i-- {
			if def, ok := stack[i].(*syntax.DefStmt); ok {
				return program + "." + def.Name.Name
			}
		}
		return program
	}
	for _, stmt := range f.Stmts {
		syntax.Walk(stmt, func(n syntax.Node) bool {
			if n == nil {
				stack = stack[:len(stack)-1]
				return false
			}
			if call, ok := n.(*syntax.CallExpr); ok {
				if callee := calleeName(call.Fn); callee != "" {
					if node, ok := defs[callee]; ok {
						callee = node
					}
					g.AddEdge(caller(), callee, true)
				}
			}
			stack = append(stack, n)
			return true
		})
	}
	return nil
}

// calleeName renders a called expression such as datetime.local_now or
// now.minus_days. Calls through other expressions have no name.
func calleeName(e syntax.Expr) string {
	switch e := e.(type) {
	case *syntax.Ident:
		return e.Name
	case *syntax.DotExpr:
		if x := calleeName(e.X); x != "" {
			return x + "." + e.Name.Name
		}
		return e.Name.Name
	case *syntax.CallExpr:
		if fn := calleeName(e.Fn); fn != "" {
			return fn + "()"
		}
	case *syntax.ParenExpr:
		return calleeName(e.X)
	}
	return ""
}

// WriteDOT writes g as a Graphviz digraph. Static edges are dashed.
func (g *Graph) WriteDOT(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "digraph %s {\n", strconv.Quote(g.Name))
	for _, n := range g.nodes {
		fmt.Fprintf(bw, "\t%s;\n", strconv.Quote(n))
	}
	for _, e := range g.edges {
		fmt.Fprintf(bw, "\t%s -> %s", strconv.Quote(e.From), strconv.Quote(e.To))
		if e.Static {
			bw.WriteString(" [style=dashed]")
		}
		bw.WriteString(";\n")
	}
	bw.WriteString("}\n")
	return bw.Flush()
}
