package queue

// jobList is a FIFO of pending jobs that can hand out the first job matching
// a predicate instead of only the head.
type jobList struct {
	items []Job
}

func (l *jobList) Push(j Job) {
	l.items = append(l.items, j)
}

func (l *jobList) Len() int {
	return len(l.items)
}

// TakeFirst removes and returns the first job for which ok returns true. The
// relative order of the jobs left behind is preserved.
func (l *jobList) TakeFirst(ok func(Job) bool) (Job, bool) {
	for i, j := range l.items {
		if !ok(j) {
			continue
		}
		copy(l.items[i:], l.items[i+1:])
		l.items[len(l.items)-1] = Job{}
		l.items = l.items[:len(l.items)-1]
		return j, true
	}
	return Job{}, false
}
