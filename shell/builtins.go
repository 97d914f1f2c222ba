package shell

import (
	"context"
	"errors"
	"strings"
)

func (s *Shell) registerBuiltins() {
	s.MustRegister(Command{
		Path: "config show",
		Help: "Show current configuration.",
		Run: func(_ context.Context, out *Output, _ []string) int {
			s.settings.Each(func(def Setting, value string) {
				out.Printf("app config %s %s", def.Key, quote(value))
			})
			return OK
		},
	})
	s.MustRegister(Command{
		Path: "config save",
		Help: "Save current configuration.",
		Run: func(ctx context.Context, out *Output, _ []string) int {
			if err := s.settings.Save(ctx); err != nil {
				s.logger.Error("save settings failed", map[string]any{"error": err.Error()})
				out.Error("command failed")
				return EIO
			}
			out.Printf("command succeeded")
			return OK
		},
	})
	s.MustRegister(Command{
		Path: "config reset",
		Help: "Reset configuration to defaults.",
		Run: func(ctx context.Context, out *Output, _ []string) int {
			s.settings.Reset()
			if err := s.settings.Save(ctx); err != nil {
				out.Error("command failed")
				return EIO
			}
			out.Printf("command succeeded")
			return OK
		},
	})
	s.MustRegister(Command{
		Path:    "app config",
		Help:    "Get or set application settings (format: [<key> [<value>]]).",
		MaxArgs: 2,
		Run:     s.appConfig,
	})
	s.MustRegister(Command{
		Path:    "help",
		Help:    "List commands (format: [<prefix>]).",
		MaxArgs: -1,
		Run: func(_ context.Context, out *Output, args []string) int {
			s.help(out, strings.Join(args, " "))
			return OK
		},
	})
}

func (s *Shell) appConfig(_ context.Context, out *Output, args []string) int {
	switch len(args) {
	case 0:
		s.settings.Each(func(def Setting, value string) {
			out.Printf("app config %s %s", def.Key, quote(value))
		})
		return OK
	case 1:
		v, ok := s.settings.Get(args[0])
		if !ok {
			out.Error("unknown setting: %s", args[0])
			return EINVAL
		}
		out.Printf("app config %s %s", args[0], quote(v))
		return OK
	default:
		if err := s.settings.Set(args[0], args[1]); err != nil {
			if errors.Is(err, ErrUnknownSetting) {
				out.Error("unknown setting: %s", args[0])
			} else {
				out.Error("%v", err)
			}
			return EINVAL
		}
		return OK
	}
}

// RenderConfig returns the settings as command lines.
func (s *Shell) RenderConfig(context.Context) (string, error) {
	return s.settings.Render(), nil
}

// SaveConfig persists the settings.
func (s *Shell) SaveConfig(ctx context.Context) error {
	return s.settings.Save(ctx)
}
