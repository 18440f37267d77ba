// Package taskfile loads named task definitions from YAML and compiles them
// into runnable tasks on a task registry.
package taskfile

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/nixpig/taskrunner/internal/protocol"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// File is a parsed task file.
type File struct {
	// Options are the defaults for every exec and spawn task.
	Options *Options `yaml:"options"`

	Tasks map[string]*Def `yaml:"tasks"`
}

// Def defines one task. Exactly one of the kind fields must be set.
type Def struct {
	Desc string `yaml:"desc"`

	// Exec runs a command to completion.
	Exec string `yaml:"exec"`

	// Spawn starts a command and finishes immediately, leaving it running.
	// Spawning again aborts the previous command first.
	Spawn string `yaml:"spawn"`

	// On runs tasks every time another task prints a matching line.
	On *WatcherDef `yaml:"on"`

	// Once runs tasks the first time another task prints a matching line.
	Once *WatcherDef `yaml:"once"`

	Kill    *KillDef    `yaml:"kill"`
	KillAll *KillAllDef `yaml:"killAll"`

	// Abort aborts the named task and waits for it.
	Abort string `yaml:"abort"`

	Series   []string `yaml:"series"`
	Parallel []string `yaml:"parallel"`

	// Watch runs tasks whenever files change.
	Watch *WatchDef `yaml:"watch"`

	Options *Options `yaml:"options"`
}

// WatcherDef matches lines printed by Task. One of Contains and Match must
// be set.
type WatcherDef struct {
	Task     string   `yaml:"task"`
	Contains string   `yaml:"contains"`
	Match    string   `yaml:"match"`
	Run      []string `yaml:"run"`
}

// KillDef sends Signal to Task. Signal defaults to SIGTERM.
type KillDef struct {
	Task   string `yaml:"task"`
	Signal string `yaml:"signal"`
}

// KillAllDef sends Signal to every running task. Signal defaults to SIGTERM.
type KillAllDef struct {
	Signal string `yaml:"signal"`
}

// WatchDef runs Run, in series, after changes under Paths settle.
type WatchDef struct {
	Paths    []string `yaml:"paths"`
	Ignore   []string `yaml:"ignore"`
	Debounce Duration `yaml:"debounce"`
	Run      []string `yaml:"run"`
}

// Options mirrors protocol.Options with every field optional.
type Options struct {
	Shell       *bool             `yaml:"shell"`
	Cwd         string            `yaml:"cwd"`
	Env         map[string]string `yaml:"env"`
	GracePeriod *Duration         `yaml:"gracePeriod"`
	Savage      *bool             `yaml:"savage"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}

	if parsed < 0 {
		return fmt.Errorf("line %d: duration cannot be negative", node.Line)
	}

	*d = Duration(parsed)

	return nil
}

// Load reads and validates the task file at path.
func Load(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task file: %w", err)
	}
	defer f.Close()

	file, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return file, nil
}

// Parse decodes and validates a task file. Unknown keys are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	file := &File{}
	if err := dec.Decode(file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("task file is empty")
		}

		return nil, err
	}

	if err := file.Validate(); err != nil {
		return nil, err
	}

	return file, nil
}

// Names returns the sorted names of every task.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tasks))
	for name := range f.Tasks {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// Validate checks every definition and the references between them.
func (f *File) Validate() error {
	if len(f.Tasks) == 0 {
		return errors.New("no tasks defined")
	}

	var errs []error

	for _, name := range f.Names() {
		if err := f.validate(name, f.Tasks[name]); err != nil {
			errs = append(errs, fmt.Errorf("task %q: %w", name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	return f.checkCycles()
}

func (f *File) validate(name string, def *Def) error {
	if name == "" || strings.ContainsAny(name, ": \t") {
		return errors.New("name cannot be empty or contain ':' or whitespace")
	}

	if def == nil {
		return errors.New("definition cannot be empty")
	}

	if kinds := def.kinds(); len(kinds) != 1 {
		return fmt.Errorf("exactly one kind must be set: got %v", kinds)
	}

	if def.Options != nil && def.Exec == "" && def.Spawn == "" {
		return errors.New("options only apply to exec and spawn")
	}

	switch {
	case def.On != nil:
		return f.validateWatcher(def.On)

	case def.Once != nil:
		return f.validateWatcher(def.Once)

	case def.Kill != nil:
		if def.Kill.Task == "" {
			return errors.New("kill task cannot be empty")
		}

		_, err := ParseSignal(def.Kill.Signal)
		return err

	case def.KillAll != nil:
		_, err := ParseSignal(def.KillAll.Signal)
		return err

	case def.Series != nil:
		return f.checkRefs(def.Series)

	case def.Parallel != nil:
		return f.checkRefs(def.Parallel)

	case def.Watch != nil:
		if len(def.Watch.Paths) == 0 {
			return errors.New("watch paths cannot be empty")
		}

		return f.checkRefs(def.Watch.Run)
	}

	return nil
}

func (f *File) validateWatcher(w *WatcherDef) error {
	if w.Task == "" {
		return errors.New("watched task cannot be empty")
	}

	if (w.Contains == "") == (w.Match == "") {
		return errors.New("exactly one of contains and match must be set")
	}

	if w.Match != "" {
		if _, err := regexp.Compile(w.Match); err != nil {
			return fmt.Errorf("invalid match: %w", err)
		}
	}

	return f.checkRefs(w.Run)
}

func (f *File) checkRefs(refs []string) error {
	for _, ref := range refs {
		if _, ok := f.Tasks[ref]; !ok {
			return fmt.Errorf("unknown task %q", ref)
		}
	}

	return nil
}

// checkCycles rejects series and parallel compositions that contain
// themselves. Watchers are not followed since they run their children
// asynchronously.
func (f *File) checkCycles() error {
	const (
		unvisited = iota
		visiting
		visited
	)

	marks := make(map[string]int, len(f.Tasks))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch marks[name] {
		case visiting:
			return fmt.Errorf("cycle: %s", strings.Join(append(path, name), " -> "))
		case visited:
			return nil
		}

		marks[name] = visiting

		def := f.Tasks[name]
		for _, ref := range slices.Concat(def.Series, def.Parallel) {
			if err := visit(ref, append(path, name)); err != nil {
				return err
			}
		}

		marks[name] = visited

		return nil
	}

	for _, name := range f.Names() {
		if err := visit(name, nil); err != nil {
			return err
		}
	}

	return nil
}

// Kind names the kind of task d defines.
func (d *Def) Kind() string {
	if kinds := d.kinds(); len(kinds) == 1 {
		return kinds[0]
	}

	return ""
}

func (d *Def) kinds() []string {
	var kinds []string

	set := map[string]bool{
		"exec":     d.Exec != "",
		"spawn":    d.Spawn != "",
		"on":       d.On != nil,
		"once":     d.Once != nil,
		"kill":     d.Kill != nil,
		"killAll":  d.KillAll != nil,
		"abort":    d.Abort != "",
		"series":   d.Series != nil,
		"parallel": d.Parallel != nil,
		"watch":    d.Watch != nil,
	}

	for kind, ok := range set {
		if ok {
			kinds = append(kinds, kind)
		}
	}

	slices.Sort(kinds)

	return kinds
}

// Resolve applies o over base.
func (o *Options) Resolve(base protocol.Options) protocol.Options {
	if o == nil {
		return base
	}

	if o.Shell != nil {
		base.NoShell = !*o.Shell
	}

	if o.Cwd != "" {
		base.Cwd = o.Cwd
	}

	if len(o.Env) > 0 {
		env := make(map[string]string, len(base.Env)+len(o.Env))
		maps.Copy(env, base.Env)
		maps.Copy(env, o.Env)

		base.Env = env
	}

	if o.GracePeriod != nil {
		base.GracePeriod = time.Duration(*o.GracePeriod)
	}

	if o.Savage != nil {
		base.Savage = *o.Savage
	}

	return base
}

// ParseSignal parses a signal name such as "SIGTERM" or "term". An empty
// name is SIGTERM.
func ParseSignal(name string) (syscall.Signal, error) {
	if name == "" {
		return syscall.SIGTERM, nil
	}

	name = strings.ToUpper(name)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}

	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}

	return sig, nil
}
