// Package builtin wires the closed set of shipped instrument variants.
package builtin

import (
	"github.com/danmuck/inquest/internal/instrument"
	"github.com/danmuck/inquest/internal/instrument/echo"
	"github.com/danmuck/inquest/internal/instrument/latency"
	"github.com/danmuck/inquest/internal/instrument/thermal"
	"github.com/danmuck/inquest/internal/instrument/weight"
)

// Registry returns a registry with every builtin probe type installed.
func Registry() *instrument.Registry {
	r := instrument.NewRegistry()
	// Registration of builtins cannot collide; ignore the duplicate-type
	// errors that Register reports for caller-supplied types.
	_ = r.Register(echo.Type, echo.New)
	_ = r.Register(latency.Type, latency.New)
	_ = r.Register(thermal.Type, thermal.New)
	_ = r.Register(weight.Type, weight.New)
	return r
}
