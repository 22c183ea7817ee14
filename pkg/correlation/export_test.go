package correlation

// OpenSubscriptions returns the number of categories with a live dispatcher subscription.
func (e *Engine) OpenSubscriptions() int {
	e.dispatcher.mu.Lock()
	defer e.dispatcher.mu.Unlock()
	return len(e.dispatcher.streams)
}
