// Package log provides logger construction and the package-wide default logger.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Format selects the output format of handlers built by [NewHandler].
type Format string

const (
	// FormatConsole is a colored human-readable single-line format.
	FormatConsole Format = "console"
	// FormatDev is a verbose multi-line developer format.
	FormatDev Format = "dev"
	// FormatJSON is a JSON lines format.
	FormatJSON Format = "json"
)

// Options configures a handler built by [NewHandler].
type Options struct {
	// Level is a minimal level of records to output.
	// Default is [slog.LevelInfo].
	Level slog.Leveler
	// Format is an output format.
	// Default is [FormatConsole].
	Format Format
	// AddSource adds the source position to records.
	AddSource bool
	// Output is a destination of records.
	// It is ignored if File is set. Default is [os.Stdout].
	Output io.Writer
	// File enables output to a rotated file.
	File *FileOptions
}

// FileOptions configures a rotated log file.
type FileOptions struct {
	// Filename is a path of the log file.
	Filename string
	// MaxSize is a maximum size of the file in megabytes before it gets rotated.
	MaxSize int
	// MaxAge is a maximum number of days to retain rotated files.
	MaxAge int
	// MaxBackups is a maximum number of rotated files to retain.
	MaxBackups int
}

func (o *Options) level() slog.Leveler {
	if o == nil || o.Level == nil {
		return slog.LevelInfo
	}
	return o.Level
}

func (o *Options) format() Format {
	if o == nil || o.Format == "" {
		return FormatConsole
	}
	return o.Format
}

func (o *Options) addSource() bool {
	if o == nil {
		return false
	}
	return o.AddSource
}

func (o *Options) output() io.Writer {
	if o == nil {
		return os.Stdout
	}
	if o.File != nil && o.File.Filename != "" {
		return &lumberjack.Logger{
			Filename:   o.File.Filename,
			MaxSize:    o.File.MaxSize,
			MaxAge:     o.File.MaxAge,
			MaxBackups: o.File.MaxBackups,
		}
	}
	if o.Output != nil {
		return o.Output
	}
	return os.Stdout
}

var formatter = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByType(func(c net.PacketConn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.String("ptr", fmt.Sprintf("%p", c)),
			slog.Any("local_addr", c.LocalAddr()),
		)
	}),
	slogformatter.FormatByType(func(c net.Conn) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", c)),
			slog.String("ptr", fmt.Sprintf("%p", c)),
			slog.Any("local_addr", c.LocalAddr()),
			slog.Any("remote_addr", c.RemoteAddr()),
		)
	}),
	slogformatter.FormatByType(func(ls net.Listener) slog.Value {
		return slog.GroupValue(
			slog.String("type", fmt.Sprintf("%T", ls)),
			slog.String("ptr", fmt.Sprintf("%p", ls)),
			slog.Any("local_addr", ls.Addr()),
		)
	}),
)

// NewHandler builds a handler according to the options.
// Nil options build a console handler writing info records to stdout.
func NewHandler(opts *Options) slog.Handler {
	hopts := &slog.HandlerOptions{
		AddSource: opts.addSource(),
		Level:     opts.level(),
	}
	out := opts.output()

	var h slog.Handler
	switch opts.format() {
	case FormatDev:
		h = devslog.NewHandler(out, &devslog.Options{
			HandlerOptions: hopts,
			SortKeys:       true,
			TimeFormat:     time.RFC3339Nano,
		})
	case FormatJSON:
		h = slog.NewJSONHandler(out, hopts)
	default:
		h = console.NewHandler(out, &console.HandlerOptions{
			AddSource:  hopts.AddSource,
			Level:      hopts.Level,
			TimeFormat: time.RFC3339Nano,
		})
	}
	return formatter(h)
}

// New builds a logger with a handler from [NewHandler].
func New(opts *Options) *slog.Logger { return slog.New(NewHandler(opts)) }

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a logger that discards everything.
var Noop = slog.New(noopHandler{})

var def atomic.Pointer[slog.Logger]

func init() {
	def.Store(New(&Options{Level: slog.LevelInfo}))
}

// Default returns the default logger used by components without an explicit logger.
func Default() *slog.Logger { return def.Load() }

// SetDefault replaces the default logger.
// Nil resets it to [Noop].
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = Noop
	}
	def.Store(l)
}
