// Package job defines the value types shared by every component of the
// scheduling engine: Job, its lifecycle Status, priority Band and the
// Dependency edge types that connect jobs into a DAG.
//
// Job values returned by loom/store.Store are snapshots of authoritative
// state. They are not intended to be mutated in
// place by callers; transitions go through the owning component.
package job
