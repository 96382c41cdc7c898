package deploy

import (
	"fmt"
	"sort"
	"time"
)

// Record is one durable generation of the deployment state. Records are immutable once written;
// every mutation produces a new record with a higher generation.
type Record struct {
	// Generation increases by one on every commit.
	Generation uint64 `yaml:"generation"`
	// Backend is fixed at install time.
	Backend Backend `yaml:"backend"`
	// Transaction is the id of the operation that produced this generation.
	Transaction string `yaml:"transaction,omitempty"`
	// UpdatedAt is the commit time.
	UpdatedAt time.Time `yaml:"updatedAt"`
	// Spec is the desired host state.
	Spec HostSpec `yaml:"spec"`
	// BootOrder lists deployments in boot preference: [0] is booted, [1] is rollback.
	BootOrder []DeploymentID `yaml:"bootOrder"`
	// Staged is the prepared deployment that apply will promote, if any.
	Staged DeploymentID `yaml:"staged,omitempty"`
	// Stateroots lists every stateroot created on this system.
	Stateroots []Stateroot `yaml:"stateroots"`
	// Deployments lists every registered deployment.
	Deployments []Deployment `yaml:"deployments"`
	// Serials is the high-water serial per stateroot/checksum pair.
	Serials map[string]int `yaml:"serials,omitempty"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Spec = r.Spec.Clone()
	out.BootOrder = append([]DeploymentID(nil), r.BootOrder...)
	out.Stateroots = append([]Stateroot(nil), r.Stateroots...)
	out.Deployments = make([]Deployment, 0, len(r.Deployments))
	for _, d := range r.Deployments {
		out.Deployments = append(out.Deployments, d.Clone())
	}
	out.Serials = make(map[string]int, len(r.Serials))
	for k, v := range r.Serials {
		out.Serials[k] = v
	}
	return out
}

// IsEmpty reports whether nothing has been installed yet.
func (r Record) IsEmpty() bool {
	return len(r.Deployments) == 0 && len(r.Stateroots) == 0
}

// Find returns the deployment with the given id.
func (r Record) Find(id DeploymentID) (Deployment, bool) {
	if id == "" {
		return Deployment{}, false
	}
	for _, d := range r.Deployments {
		if d.ID() == id {
			return d, true
		}
	}
	return Deployment{}, false
}

// BootedID returns the deployment at the active BootOrder position.
func (r Record) BootedID() DeploymentID {
	if len(r.BootOrder) == 0 {
		return ""
	}
	return r.BootOrder[0]
}

// RollbackID returns the BootOrder neighbour behind the booted entry.
func (r Record) RollbackID() DeploymentID {
	if len(r.BootOrder) < 2 {
		return ""
	}
	return r.BootOrder[1]
}

// Booted returns the booted deployment.
func (r Record) Booted() (Deployment, bool) {
	return r.Find(r.BootedID())
}

// Rollback returns the rollback deployment.
func (r Record) Rollback() (Deployment, bool) {
	return r.Find(r.RollbackID())
}

// StagedDeployment returns the staged deployment.
func (r Record) StagedDeployment() (Deployment, bool) {
	return r.Find(r.Staged)
}

// HasStateroot reports whether a stateroot with the given name exists.
func (r Record) HasStateroot(name string) bool {
	for _, s := range r.Stateroots {
		if s.Name == name {
			return true
		}
	}
	return false
}

// Others returns deployments that are neither booted, staged nor rollback, in registration order.
func (r Record) Others() []Deployment {
	var out []Deployment
	for _, d := range r.Deployments {
		id := d.ID()
		if id == r.BootedID() || id == r.RollbackID() || id == r.Staged {
			continue
		}
		out = append(out, d)
	}
	return out
}

// PruneEligible lists deployments of stateroot that are not booted, staged, rollback or pinned.
// An empty stateroot considers every stateroot.
func (r Record) PruneEligible(stateroot string) []DeploymentID {
	var out []DeploymentID
	for _, d := range r.Others() {
		if d.Pinned {
			continue
		}
		if stateroot != "" && d.Stateroot != stateroot {
			continue
		}
		out = append(out, d.ID())
	}
	return out
}

func serialKey(stateroot, checksum string) string {
	return stateroot + "/" + checksum
}

// NextSerial returns the serial for a new deployment of checksum in stateroot. Serials are strictly
// increasing for a pair even after older deployments have been pruned.
func (r Record) NextSerial(stateroot, checksum string) int {
	next := 0
	if hw, ok := r.Serials[serialKey(stateroot, checksum)]; ok {
		next = hw + 1
	}
	for _, d := range r.Deployments {
		if d.Stateroot == stateroot && d.Checksum == checksum && d.Serial >= next {
			next = d.Serial + 1
		}
	}
	return next
}

// AddDeployment registers d and records its serial high-water mark.
func (r *Record) AddDeployment(d Deployment) {
	r.Deployments = append(r.Deployments, d)
	if r.Serials == nil {
		r.Serials = make(map[string]int)
	}
	key := serialKey(d.Stateroot, d.Checksum)
	if hw, ok := r.Serials[key]; !ok || d.Serial > hw {
		r.Serials[key] = d.Serial
	}
}

// RemoveDeployments drops the given ids from the deployment list, the boot order and the staged slot.
func (r *Record) RemoveDeployments(ids ...DeploymentID) {
	drop := make(map[DeploymentID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := r.Deployments[:0]
	for _, d := range r.Deployments {
		if _, ok := drop[d.ID()]; ok {
			continue
		}
		kept = append(kept, d)
	}
	r.Deployments = kept
	order := r.BootOrder[:0]
	for _, id := range r.BootOrder {
		if _, ok := drop[id]; ok {
			continue
		}
		order = append(order, id)
	}
	r.BootOrder = order
	if _, ok := drop[r.Staged]; ok {
		r.Staged = ""
	}
}

// SetPinned updates the pinned flag of a deployment.
func (r *Record) SetPinned(id DeploymentID, pinned bool) bool {
	for i := range r.Deployments {
		if r.Deployments[i].ID() == id {
			r.Deployments[i].Pinned = pinned
			return true
		}
	}
	return false
}

// Validate checks the record invariants. Stores refuse to commit a record that fails validation.
func (r Record) Validate() error {
	ids := make(map[DeploymentID]Deployment, len(r.Deployments))
	for _, d := range r.Deployments {
		id := d.ID()
		if _, dup := ids[id]; dup {
			return fmt.Errorf("duplicate deployment %s", id)
		}
		if r.Backend != "" && d.Backend != r.Backend {
			return fmt.Errorf("deployment %s uses backend %s on a %s system", id, d.Backend, r.Backend)
		}
		if !r.HasStateroot(d.Stateroot) {
			return fmt.Errorf("deployment %s references unknown stateroot %q", id, d.Stateroot)
		}
		if hw, ok := r.Serials[serialKey(d.Stateroot, d.Checksum)]; ok && d.Serial > hw {
			return fmt.Errorf("deployment %s serial exceeds recorded high-water %d", id, hw)
		}
		ids[id] = d
	}
	seen := make(map[DeploymentID]struct{}, len(r.BootOrder))
	for _, id := range r.BootOrder {
		if _, ok := ids[id]; !ok {
			return fmt.Errorf("boot order references unknown deployment %s", id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("boot order lists %s twice", id)
		}
		seen[id] = struct{}{}
	}
	if r.Staged != "" {
		if _, ok := ids[r.Staged]; !ok {
			return fmt.Errorf("staged deployment %s is not registered", r.Staged)
		}
		if _, inOrder := seen[r.Staged]; inOrder {
			return fmt.Errorf("staged deployment %s is already in the boot order", r.Staged)
		}
	}
	return nil
}

// StaterootNames returns the names of all stateroots, sorted.
func (r Record) StaterootNames() []string {
	names := make([]string, 0, len(r.Stateroots))
	for _, s := range r.Stateroots {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}
