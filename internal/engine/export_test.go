package engine

// TopicCount returns the number of live broker topics.
func (b *StatusBroker) TopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
