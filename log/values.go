package log

import (
	"log/slog"

	"github.com/ghettovoice/sipcore/internal/util"
)

type calcValue struct{ fn func() any }

func (v calcValue) LogValue() slog.Value {
	switch cv := v.fn().(type) {
	case slog.Value:
		return cv
	default:
		return slog.AnyValue(cv)
	}
}

// CalcValue returns a value logger that computes a value using a fn
// only when the record is actually handled.
func CalcValue(fn func() any) slog.LogValuer { return calcValue{fn} }

type bytesValue struct {
	b   []byte
	max int
}

func (v bytesValue) LogValue() slog.Value {
	return slog.StringValue(util.Ellipsis(string(v.b), v.max))
}

// BytesValue returns a value logger that prints raw message bytes cut to max runes.
func BytesValue(b []byte, max int) slog.LogValuer { return bytesValue{b, max} }
