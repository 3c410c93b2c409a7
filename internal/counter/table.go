package counter

import (
	"mini-ipc/dispatch"
	"mini-ipc/server"
)

// Table lists the counter's exported functions. Ids follow declaration order.
var Table = dispatch.NewTable(TypeName)

var (
	FnIncrement = dispatch.Func0(Table, "increment", (*Counter).Increment)
	FnAdd       = dispatch.Func1(Table, "add", (*Counter).Add)
	FnValue     = dispatch.Func0(Table, "value", (*Counter).Value)
	FnDivide    = dispatch.Func1(Table, "divide", (*Counter).Divide)
	FnEcho      = dispatch.Func1(Table, "echo", (*Counter).Echo)
	FnMerge     = dispatch.Func1(Table, "merge", (*Counter).Merge)
	FnFork      = dispatch.Func0(Table, "fork", (*Counter).Fork)
	FnSelf      = dispatch.Func0(Table, "self", (*Counter).Self)
	FnSpin      = dispatch.Func1(Table, "spin", (*Counter).Spin)
	FnSleep     = dispatch.Func1(Table, "sleep", (*Counter).Sleep)
	FnCrash     = dispatch.Func0(Table, "crash", (*Counter).Crash)
	FnSetLabel  = dispatch.Func1(Table, "set_label", (*Counter).SetLabel)
)

// Register makes counters constructible on s.
func Register(s *server.Server) {
	s.RegisterType(Table, func() any { return New() })
}
