package task

import "sync"

// lineBus fans out task output lines to subscribers keyed by task name.
type lineBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(string)
}

func (b *lineBus) subscribe(name string, fn func(string)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.subs[name] == nil {
		b.subs[name] = make(map[int]func(string))
	}

	b.subs[name][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.subs[name], id)

		if len(b.subs[name]) == 0 {
			delete(b.subs, name)
		}
	}
}

func (b *lineBus) publish(name, line string) {
	b.mu.Lock()
	subs := make([]func(string), 0, len(b.subs[name]))
	for _, fn := range b.subs[name] {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(line)
	}
}
