package decisioncache

// an intrusive doubly-linked list ordering cache entries by access
// order, adapted line-for-line from circuit.list (circuit/list.go) —
// the teacher's breaker-eviction list generalized from *Breaker nodes
// to *entry nodes.
type list struct {
	first, last *entry
}

func (l *list) remove(from, to *entry) {
	if from == nil || l.first == nil {
		return
	}

	if from == l.first {
		l.first = to.next
	} else if from.prev != nil {
		from.prev.next = to.next
	}

	if to == l.last {
		l.last = from.prev
	} else if to.next != nil {
		to.next.prev = from.prev
	}

	from.prev = nil
	to.next = nil
}

func (l *list) append(from, to *entry) {
	if from == nil {
		return
	}

	if l.last == nil {
		l.first = from
		l.last = to
		return
	}

	l.last.next = from
	from.prev = l.last
	l.last = to
}

// appendLast moves e to the end of the list, inserting it if absent.
func (l *list) appendLast(e *entry) {
	l.remove(e, e)
	l.append(e, e)
}

func (l *list) getMatchingHead(predicate func(*entry) bool) (first, last *entry) {
	current := l.first
	for {
		if current == nil || !predicate(current) {
			return
		}

		if first == nil {
			first = current
		}

		last, current = current, current.next
	}
}

func (l *list) dropHeadIf(predicate func(*entry) bool) (from, to *entry) {
	from, to = l.getMatchingHead(predicate)
	l.remove(from, to)
	return
}
