// Command lockcheck is a static checker for the BKL-coverage invariant
// (spec §5, P9: "at every kernel-mode instruction outside sched_halt's
// hlt region and env_pop_tf's tail, the BKL is held"). It loads the
// kernel packages with golang.org/x/tools/go/packages and runs a
// points-to analysis with the (deprecated but still real)
// golang.org/x/tools/go/pointer package to flag any call path from a
// trap-entry function into a kernel-mutating helper that does not pass
// through trap.(*Kernel).Enter.
//
// This is a development-time tool, not part of the kernel's runtime
// surface, in the same spirit as the teacher's own kernel/chentry.go
// helper command.
package main

import (
	"fmt"
	"os"

	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// mutatingHelpers names the functions that must only ever run with the
// BKL held: the env table and frame pool's mutators. A call graph edge
// into one of these from outside trap.(*Kernel).Enter's dynamic extent is
// what this tool flags.
var mutatingHelpers = []string{
	"(*nucleus/src/env.Table).Alloc",
	"(*nucleus/src/env.Table).Free",
	"(*nucleus/src/env.Table).Destroy",
	"(*nucleus/src/mem.Pool).PageInsert",
	"(*nucleus/src/mem.Pool).PageRemove",
}

const entryFunc = "(*nucleus/src/trap.Kernel).Enter"

func main() {
	dir := "."
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedImports |
			packages.NeedTypes | packages.NeedTypesInfo | packages.NeedSyntax | packages.NeedDeps,
		Dir: dir,
	}
	pkgs, err := packages.Load(cfg, "nucleus/...")
	if err != nil {
		fmt.Fprintln(os.Stderr, "lockcheck: load:", err)
		os.Exit(1)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	prog, _ := ssautil.AllPackages(pkgs, ssa.SanityCheckFunctions)
	prog.Build()

	mains := ssautil.MainPackages(prog.AllPackages())
	if len(mains) == 0 {
		fmt.Fprintln(os.Stderr, "lockcheck: no main package found; run against cmd/kernel")
		os.Exit(1)
	}

	cfg2 := &pointer.Config{
		Mains:          mains,
		BuildCallGraph: true,
	}
	result, err := pointer.Analyze(cfg2)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lockcheck: pointer analysis:", err)
		os.Exit(1)
	}

	violations := findUnguardedPaths(result.CallGraph, entryFunc, mutatingHelpers)
	if len(violations) == 0 {
		fmt.Println("lockcheck: OK — no unguarded path into a BKL-protected mutator")
		return
	}
	for _, v := range violations {
		fmt.Println("lockcheck: VIOLATION:", v)
	}
	os.Exit(1)
}

// findUnguardedPaths walks cg looking for an edge from some caller into
// one of targets, where the caller is not itself reachable from entry
// (i.e. not already running inside entry's BKL-held dynamic extent).
// entry is a fully qualified function name (ssa.Function.String()); if
// entry is not found in cg, no node counts as guarded and every caller of
// a target is reported.
func findUnguardedPaths(cg *callgraph.Graph, entry string, targets []string) []string {
	targetSet := make(map[string]bool, len(targets))
	for _, t := range targets {
		targetSet[t] = true
	}

	var entryNode *callgraph.Node
	for fn, node := range cg.Nodes {
		if fn != nil && fn.String() == entry {
			entryNode = node
			break
		}
	}

	guarded := make(map[*callgraph.Node]bool)
	if entryNode != nil {
		markReachable(entryNode, guarded)
	}

	var violations []string
	for fn, node := range cg.Nodes {
		if fn == nil || guarded[node] {
			continue
		}
		callerName := fn.String()
		if callerName == entry {
			continue
		}
		for _, edge := range node.Out {
			if edge.Callee == nil || edge.Callee.Func == nil {
				continue
			}
			calleeName := edge.Callee.Func.String()
			if targetSet[calleeName] {
				violations = append(violations, fmt.Sprintf(
					"%s -> %s (no call path through %s)", callerName, calleeName, entry))
			}
		}
	}
	return violations
}

// markReachable floods the call graph forward from n, recording every
// node reachable from it (entry's own dynamic extent, where the BKL is
// already held) in seen.
func markReachable(n *callgraph.Node, seen map[*callgraph.Node]bool) {
	if seen[n] {
		return
	}
	seen[n] = true
	for _, edge := range n.Out {
		if edge.Callee != nil {
			markReachable(edge.Callee, seen)
		}
	}
}
