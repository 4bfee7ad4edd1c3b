package extent

// Metrics records index activity. A nil Metrics is valid and records
// nothing.
type Metrics interface {
	// ObserveOperation records the outcome of insert, remove or find.
	ObserveOperation(op string, err error)

	// ObserveGrow records levels added to a tree by one insert.
	ObserveGrow(levels int)

	// ObserveShrink records levels removed from a tree by one remove.
	ObserveShrink(levels int)

	// RecordDepth records the depth of the tree after a mutation.
	RecordDepth(depth int)
}

func (idx *Index) observe(op string, err error) {
	if idx.metrics != nil {
		idx.metrics.ObserveOperation(op, err)
	}
}

func (idx *Index) observeGrow(levels int) {
	if idx.metrics != nil && levels > 0 {
		idx.metrics.ObserveGrow(levels)
	}
}

func (idx *Index) observeShrink(levels int) {
	if idx.metrics != nil && levels > 0 {
		idx.metrics.ObserveShrink(levels)
	}
}

func (idx *Index) recordDepth() {
	if idx.metrics != nil {
		idx.metrics.RecordDepth(idx.Depth())
	}
}
