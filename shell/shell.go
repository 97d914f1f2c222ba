// Package shell is the device command shell. It runs the command lines
// received in download-config and download-shell batches and owns the
// application settings they change.
package shell

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pithecene-io/skylink/log"
)

// Result codes, negative errno values as the firmware shell reports them.
const (
	OK      = 0
	ENOEXEC = -8
	EIO     = -5
	EINVAL  = -22
)

// Output collects the text a command prints, one CRLF-terminated line per
// call.
type Output struct {
	b strings.Builder
}

// Printf prints one line.
func (o *Output) Printf(format string, args ...any) {
	fmt.Fprintf(&o.b, format, args...)
	o.b.WriteString("\r\n")
}

// Error prints one error line.
func (o *Output) Error(format string, args ...any) {
	o.Printf("error: "+format, args...)
}

// String returns all printed text.
func (o *Output) String() string {
	return o.b.String()
}

// Handler runs a command. args holds the words after the command path.
type Handler func(ctx context.Context, out *Output, args []string) int

// Command is a registered command.
type Command struct {
	Path string
	Help string
	// MinArgs and MaxArgs bound len(args). MaxArgs < 0 means unbounded.
	MinArgs, MaxArgs int
	Run              Handler
}

// Shell dispatches command lines to registered commands.
type Shell struct {
	logger   *log.Logger
	settings *Settings

	mu       sync.RWMutex
	commands map[string]*Command
}

// Config configures a Shell.
type Config struct {
	// Settings backs "app config" and the config commands. Required.
	Settings *Settings
	Logger   *log.Logger
}

// New creates a Shell with the built-in config and app commands.
func New(cfg Config) (*Shell, error) {
	if cfg.Settings == nil {
		return nil, errors.New("shell: settings are required")
	}
	s := &Shell{
		logger:   log.OrNop(cfg.Logger),
		settings: cfg.Settings,
		commands: make(map[string]*Command),
	}
	s.registerBuiltins()
	return s, nil
}

// Settings returns the settings the shell edits.
func (s *Shell) Settings() *Settings {
	return s.settings
}

// Register adds a command. The path is one or more space separated words.
func (s *Shell) Register(cmd Command) error {
	path := strings.Join(strings.Fields(cmd.Path), " ")
	if path == "" || cmd.Run == nil {
		return errors.New("shell: command needs a path and a handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.commands[path]; dup {
		return fmt.Errorf("shell: command %q already registered", path)
	}
	c := cmd
	c.Path = path
	s.commands[path] = &c
	return nil
}

// MustRegister is Register for commands known to be valid.
func (s *Shell) MustRegister(cmd Command) {
	if err := s.Register(cmd); err != nil {
		panic(err)
	}
}

// lookup finds the longest registered path prefixing words.
func (s *Shell) lookup(words []string) (*Command, []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for n := len(words); n > 0; n-- {
		if c, ok := s.commands[strings.Join(words[:n], " ")]; ok {
			return c, words[n:]
		}
	}
	return nil, nil
}

// help lists the commands under prefix.
func (s *Shell) help(out *Output, prefix string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.commands))
	for p := range s.commands {
		if prefix == "" || p == prefix || strings.HasPrefix(p, prefix+" ") {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		out.Printf("%s: %s", p, s.commands[p].Help)
	}
}

// RunCommand runs one command line and returns its result code and output.
func (s *Shell) RunCommand(ctx context.Context, line string) (int, string) {
	var out Output
	words, err := Split(line)
	if err != nil {
		out.Error("%v", err)
		return EINVAL, out.String()
	}
	if len(words) == 0 {
		return OK, ""
	}

	cmd, args := s.lookup(words)
	if cmd == nil {
		out.Error("command not found: %s", words[0])
		s.help(&out, words[0])
		return ENOEXEC, out.String()
	}
	if len(args) < cmd.MinArgs || (cmd.MaxArgs >= 0 && len(args) > cmd.MaxArgs) {
		out.Error("wrong parameter count")
		out.Printf("%s: %s", cmd.Path, cmd.Help)
		return EINVAL, out.String()
	}

	result := cmd.Run(ctx, &out, args)
	s.logger.Debug("shell command", map[string]any{"line": line, "result": result})
	return result, out.String()
}

// Split breaks a command line into words. Double quotes group words and a
// backslash escapes the next character.
func Split(line string) ([]string, error) {
	var (
		words   []string
		cur     strings.Builder
		inWord  bool
		quoted  bool
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, inWord = true, true
		case r == '"':
			quoted, inWord = !quoted, true
		case (r == ' ' || r == '\t') && !quoted:
			if inWord {
				words = append(words, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quoted {
		return nil, errors.New("unterminated quote")
	}
	if escaped {
		return nil, errors.New("dangling escape")
	}
	if inWord {
		words = append(words, cur.String())
	}
	return words, nil
}
