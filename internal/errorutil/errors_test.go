package errorutil_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/ghettovoice/sipcore/internal/errorutil"
)

const errSentinel errorutil.Error = "sentinel"

func TestNewWrapperError(t *testing.T) {
	t.Parallel()

	inner := errors.New("inner")
	cases := []struct {
		name    string
		args    []any
		wantMsg string
	}{
		{"no args", nil, "sentinel"},
		{"error", []any{inner}, "sentinel: inner"},
		{"already wrapped", []any{fmt.Errorf("ctx: %w", errSentinel)}, "ctx: sentinel"},
		{"string", []any{"boom"}, "sentinel: boom"},
		{"format", []any{"boom %d", 42}, "sentinel: boom 42"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			got := errorutil.NewWrapperError(errSentinel, c.args...)
			if diff := cmp.Diff(got, error(errSentinel), cmpopts.EquateErrors()); diff != "" {
				t.Errorf("errorutil.NewWrapperError(...) = %v, want wrapped %v\ndiff (-got +want):\n%v", got, errSentinel, diff)
			}
			if got.Error() != c.wantMsg {
				t.Errorf("errorutil.NewWrapperError(...).Error() = %q, want %q", got.Error(), c.wantMsg)
			}
		})
	}
}

func TestJoinPrefix(t *testing.T) {
	t.Parallel()

	if got := errorutil.JoinPrefix("close", nil, nil); got != nil {
		t.Fatalf("errorutil.JoinPrefix(\"close\", nil, nil) = %v, want nil", got)
	}

	e1, e2 := errors.New("e1"), errors.New("e2")
	got := errorutil.JoinPrefix("close:", e1)
	if got.Error() != "close: e1" {
		t.Errorf("errorutil.JoinPrefix(\"close:\", e1) = %q, want \"close: e1\"", got)
	}

	got = errorutil.JoinPrefix("close", e1, nil, e2)
	if !errors.Is(got, e1) || !errors.Is(got, e2) {
		t.Errorf("errorutil.JoinPrefix(\"close\", e1, nil, e2) = %v, want to wrap both", got)
	}
	if !strings.HasPrefix(got.Error(), "close\n  - e1") {
		t.Errorf("errorutil.JoinPrefix(\"close\", e1, nil, e2).Error() = %q, want prefixed list", got.Error())
	}
}
