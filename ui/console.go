package ui

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"peerdrop/crypto"
	"peerdrop/transfer"
)

const (
	progressBarWidth = 24
	// lineModeStep is the percentage step printed when output is not a terminal.
	lineModeStep = 25
	defaultWidth = 80
)

// SavedFunc is told where a received file was written.
type SavedFunc func(name, path string)

// TransferProgress tracks one file's progress for display.
type TransferProgress struct {
	Name       string
	TotalBytes int64
	Percent    int
	Completed  bool
	Failed     bool
	SavedPath  string
}

// ConsoleOptions configures a Console.
type ConsoleOptions struct {
	// DownloadDir receives artifacts. Empty leaves artifacts unsaved.
	DownloadDir string
	OnSaved     SavedFunc
	Logger      logrus.FieldLogger
}

// Console renders transfer events to a terminal. On a TTY the current file's
// progress is redrawn in place, otherwise progress is printed as plain lines.
type Console struct {
	out  io.Writer
	opts ConsoleOptions
	log  logrus.FieldLogger

	tty   bool
	width int

	mu       sync.Mutex
	role     transfer.Role
	progress map[string]TransferProgress
	order    []string
	printed  map[string]int
	lineOpen bool
	failures int
}

var _ transfer.Observer = (*Console)(nil)

// NewConsole returns a console observer writing to out.
func NewConsole(out io.Writer, opts ConsoleOptions) *Console {
	c := &Console{
		out:      out,
		opts:     opts,
		log:      opts.Logger,
		width:    defaultWidth,
		progress: make(map[string]TransferProgress),
		printed:  make(map[string]int),
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	if f, ok := out.(interface{ Fd() uintptr }); ok {
		fd := int(f.Fd())
		if term.IsTerminal(fd) {
			c.tty = true
			if w, _, err := term.GetSize(fd); err == nil && w > 0 {
				c.width = w
			}
		}
	}
	return c
}

// ConnectionStatusChanged implements transfer.Observer.
func (c *Console) ConnectionStatusChanged(update transfer.StatusUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.role = update.Role
	switch update.Status {
	case transfer.StatusSecured:
		if update.Fingerprint != "" {
			c.println(fmt.Sprintf("Secured. Key fingerprint: %s", crypto.FormatFingerprint(update.Fingerprint)))
			return
		}
		c.println("Secured.")
	case transfer.StatusFailed:
		if update.Err != nil {
			c.println(fmt.Sprintf("Connection failed: %v", update.Err))
			return
		}
		c.println("Connection failed.")
	default:
		c.println(fmt.Sprintf("Connection %s.", update.Status))
	}
}

// FileStarted implements transfer.Observer.
func (c *Console) FileStarted(name string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.progress[name]; !seen {
		c.order = append(c.order, name)
	}
	c.progress[name] = TransferProgress{Name: name, TotalBytes: size}
	c.printed[name] = -1

	verb := "Sending"
	if c.role == transfer.RoleReceiver {
		verb = "Receiving"
	}
	c.println(fmt.Sprintf("%s %s (%s)", verb, name, FormatBytes(size)))
}

// Progress implements transfer.Observer.
func (c *Console) Progress(name string, percent int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.progress[name]
	if !ok {
		entry = TransferProgress{Name: name}
		c.order = append(c.order, name)
	}
	entry.Percent = percent
	c.progress[name] = entry

	if c.tty {
		line := progressLine(name, percent, c.width)
		fmt.Fprintf(c.out, "\r\033[2K%s", line)
		c.lineOpen = true
		return
	}

	step := percent - percent%lineModeStep
	if step <= c.printed[name] {
		return
	}
	c.printed[name] = step
	fmt.Fprintf(c.out, "  %s %d%%\n", name, step)
}

// FileComplete implements transfer.Observer. Received artifacts are saved
// into the download directory.
func (c *Console) FileComplete(name string, artifact *transfer.Artifact) {
	var (
		path    string
		saveErr error
	)
	if artifact != nil && c.opts.DownloadDir != "" {
		path, saveErr = artifact.Save(c.opts.DownloadDir)
	}

	c.mu.Lock()
	entry := c.progress[name]
	entry.Name = name
	entry.Percent = 100
	entry.Completed = saveErr == nil
	entry.Failed = saveErr != nil
	entry.SavedPath = path
	if _, seen := c.progress[name]; !seen {
		c.order = append(c.order, name)
	}
	c.progress[name] = entry

	switch {
	case saveErr != nil:
		c.failures++
		c.println(fmt.Sprintf("Could not save %s: %v", name, saveErr))
	case path != "":
		c.println(fmt.Sprintf("Saved %s to %s", name, path))
	case artifact != nil:
		c.println(fmt.Sprintf("Received %s (%s)", name, FormatBytes(artifact.Size())))
	default:
		c.println(fmt.Sprintf("Sent %s", name))
	}
	c.mu.Unlock()

	if saveErr != nil {
		c.log.WithError(saveErr).WithField("file", name).Error("Failed to save received file")
		return
	}
	if path != "" && c.opts.OnSaved != nil {
		c.opts.OnSaved(name, path)
	}
}

// Error implements transfer.Observer.
func (c *Console) Error(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var fileErr *transfer.FileError
	if errors.As(err, &fileErr) {
		if entry, ok := c.progress[fileErr.Name]; ok {
			entry.Failed = true
			c.progress[fileErr.Name] = entry
		}
		c.failures++
	}
	c.println(fmt.Sprintf("Error: %v", err))
}

// Transfers returns every file seen so far in start order.
func (c *Console) Transfers() []TransferProgress {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TransferProgress, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.progress[name])
	}
	return out
}

// Snapshot returns one file's progress snapshot.
func (c *Console) Snapshot(name string) (TransferProgress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.progress[name]
	return entry, ok
}

// Failures counts files that failed to transfer or save.
func (c *Console) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// println ends an open progress line before printing msg. Callers hold mu.
func (c *Console) println(msg string) {
	if c.lineOpen {
		fmt.Fprint(c.out, "\n")
		c.lineOpen = false
	}
	fmt.Fprintln(c.out, msg)
}

func progressLine(name string, percent, width int) string {
	percent = max(0, min(percent, 100))
	filled := percent * progressBarWidth / 100
	bar := strings.Repeat("#", filled) + strings.Repeat(".", progressBarWidth-filled)
	suffix := fmt.Sprintf(" [%s] %3d%%", bar, percent)

	room := width - len(suffix) - 1
	if room < 4 {
		return strings.TrimSpace(suffix)
	}
	if len(name) > room {
		name = name[:room-3] + "..."
	}
	return name + suffix
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
