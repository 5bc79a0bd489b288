package watchdog

import (
	"context"

	"github.com/xela07ax/rooms-watchdog/internal/audit"
)

// nopKV - пустое сессионное хранилище, когда его нет.
type nopKV struct{}

func (nopKV) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (nopKV) Set(context.Context, string, string) error         { return nil }
func (nopKV) Remove(context.Context, string) error              { return nil }
func (nopKV) Clear(context.Context) error                       { return nil }
func (nopKV) Len(context.Context) (int, error)                  { return 0, nil }

// nopSurface молча соглашается на зачистку.
type nopSurface struct{}

func (nopSurface) Confirm(context.Context, string) bool { return true }
func (nopSurface) Alert(context.Context, string)        {}
func (nopSurface) Redirect(context.Context, string)     {}

type nopAuditor struct{}

func (nopAuditor) Log(audit.Event) {}
