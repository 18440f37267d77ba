package execp

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// clearScreen is the terminal reset sequence some tools emit on restart.
const clearScreen = "\x1bc"

var (
	stdoutLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	stderrLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	debugLabel  = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	warnLabel   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// console echoes labelled command output. Writes from the stdout and stderr
// pipes of concurrent executions never interleave within a line.
type console struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

func (c *console) println(w io.Writer, prefix, line string) {
	line = strings.ReplaceAll(line, clearScreen, "")

	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(w, "%s %s\n", prefix, line)
}

func tag(style lipgloss.Style, name string) string {
	return style.Render("[" + name + "]")
}
