package subprocess

import (
	"github.com/hashicorp/go-set/v3"
	ps "github.com/mitchellh/go-ps"
)

// ListChildren returns the PID and every transitive descendant PID of
// the spawned process, by scanning the host's process table. This is
// not required by any invariant of the core spawn/reap contract; it's
// a natural supplement once a live PID exists, grounded on the same
// process-tree scan the teacher uses to attribute resource usage to a
// task's full process tree.
//
// Best-effort: a scan failure yields a set containing just the PID.
func (p *Process) ListChildren() set.Collection[int] {
	p.mu.Lock()
	pid := p.pid
	p.mu.Unlock()

	family := set.From([]int{pid})

	all, err := ps.Processes()
	if err != nil {
		return family
	}

	parents := map[int]set.Collection[int]{}
	for _, proc := range all {
		if proc == nil {
			continue
		}
		if kids, ok := parents[proc.PPid()]; ok {
			kids.Insert(proc.Pid())
		} else {
			parents[proc.PPid()] = set.From([]int{proc.Pid()})
		}
	}

	gatherChildren(family, parents, pid)
	return family
}

func gatherChildren(family set.Collection[int], parents map[int]set.Collection[int], parent int) {
	kids, ok := parents[parent]
	if !ok {
		return
	}
	for _, kid := range kids.Slice() {
		family.Insert(kid)
		gatherChildren(family, parents, kid)
	}
}
