package heap

// RootVisitor receives root slots. Collectors may rewrite the slot to a
// forwarded address.
type RootVisitor interface {
	VisitRoot(slot *Value)
	VisitRangeRoots(slots []Value)
}

// RootProvider is a source of strong roots: thread stacks, global handles,
// runtime tables.
type RootProvider interface {
	VisitRoots(v RootVisitor)
}

// WeakRootProvider holds references that do not keep their referents alive.
// After marking, update returns the referent's new location, or Null if it
// died.
type WeakRootProvider interface {
	UpdateWeakRoots(update func(Value) Value)
}
