package watcher

// Window is an inclusive block span committed as one batch.
type Window struct {
	From uint64
	To   uint64
}

// Blocks returns the number of blocks in w.
func (w Window) Blocks() uint64 {
	return w.To - w.From + 1
}

// planWindows covers [from, head] with consecutive windows of at most size
// blocks. It returns nil when from is past head.
func planWindows(from, head, size uint64) []Window {
	if size == 0 {
		size = defaultBatchSize
	}

	var windows []Window
	for start := from; start <= head; {
		end := head
		if head-start >= size {
			end = start + size - 1
		}
		windows = append(windows, Window{From: start, To: end})
		if end == head {
			break
		}
		start = end + 1
	}
	return windows
}
