package supervisor

import "github.com/nixpig/taskrunner/internal/protocol"

const LogHistory = logHistory

func NewTestRun() *Run {
	return &Run{
		closeSubs: make(map[int]func(int)),
		errSubs:   make(map[int]func(error)),
		logSubs:   make(map[int]func(protocol.LogRecord)),
		outSubs:   make(map[int]func(Chunk)),
		done:      make(chan struct{}),
	}
}

func (r *Run) EmitOutput(chunk Chunk) {
	r.emitOutput(chunk)
}

func (r *Run) EmitLog(record protocol.LogRecord) {
	r.emitLog(record)
}
