package task

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Matcher tests an output line.
type Matcher func(line string) bool

// Contains matches lines containing s.
func Contains(s string) Matcher {
	return func(line string) bool {
		return strings.Contains(line, s)
	}
}

// Pattern matches lines matching re.
func Pattern(re *regexp.Regexp) Matcher {
	return re.MatchString
}

// Trigger is run by a watcher when a line matches.
type Trigger func(ctx context.Context) error

// On returns a task that watches the output lines of the task called target
// and runs child every time a line matches. The watcher is itself a named
// task, "on:<target>" for the first watcher created and "on:<target>:<n>"
// after that, and runs until it is aborted.
func (r *Registry) On(target string, match Matcher, child Trigger) Trigger {
	name := r.watcherName("on", target)

	return func(ctx context.Context) error {
		_, err := r.Start(ctx, name, func(ctx context.Context, ctrl *Controller) error {
			unsubscribe := r.Subscribe(target, func(line string) {
				r.logger.Debug("Received data from "+target, "line", line)

				if !match(line) {
					return
				}

				r.logger.Debug("Triggered by "+line, "task", name)
				r.trigger(ctx, name, child)
			})

			<-ctrl.Done()
			unsubscribe()

			return nil
		})

		return err
	}
}

// Once is On but runs child at most one time, after which the watcher stops
// listening. The watcher is named "once:<target>" or "once:<target>:<n>" and
// runs until it is aborted.
func (r *Registry) Once(target string, match Matcher, child Trigger) Trigger {
	name := r.watcherName("once", target)

	return func(ctx context.Context) error {
		_, err := r.Start(ctx, name, func(ctx context.Context, ctrl *Controller) error {
			var (
				fired       sync.Once
				unsubscribe func()
				ready       = make(chan struct{})
			)

			unsubscribe = r.Subscribe(target, func(line string) {
				if !match(line) {
					return
				}

				fired.Do(func() {
					<-ready
					unsubscribe()

					r.logger.Debug("Triggered by "+line, "task", name)
					r.trigger(ctx, name, child)
				})
			})

			close(ready)

			<-ctrl.Done()
			unsubscribe()

			return nil
		})

		return err
	}
}

// watcherName numbers watchers per kind across all targets so that every
// watcher gets a distinct task name.
func (r *Registry) watcherName(kind, target string) string {
	r.watchersMu.Lock()
	defer r.watchersMu.Unlock()

	r.watchers[kind]++

	if n := r.watchers[kind]; n > 1 {
		return fmt.Sprintf("%s:%s:%d", kind, target, n)
	}

	return kind + ":" + target
}

func (r *Registry) trigger(ctx context.Context, name string, child Trigger) {
	if child == nil {
		return
	}

	r.wg.Go(func() {
		if err := child(ctx); err != nil {
			r.logger.Error("watcher trigger failed", "task", name, "err", err)
		}
	})
}
