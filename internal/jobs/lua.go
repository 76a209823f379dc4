package jobs

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// luaJob calls the script's global work(iteration) once per unit. Returning
// false from work ends the job; raising an error fails the unit.
type luaJob struct {
	L         *lua.LState
	work      *lua.LFunction
	logger    *zap.Logger
	iteration int
}

func newLuaJob(script, group string, pid int, logger *zap.Logger) (*luaJob, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)

	j := &luaJob{L: L, logger: logger}
	L.SetGlobal("prefork", j.module(group, pid))

	if err := L.DoFile(script); err != nil {
		L.Close()
		return nil, fmt.Errorf("failed to load lua script %s: %w", script, err)
	}

	fn, ok := L.GetGlobal("work").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("lua script %s does not define a work function", script)
	}
	j.work = fn
	return j, nil
}

// openSafeLibraries leaves out io, os, debug and package.
func openSafeLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

func (j *luaJob) module(group string, pid int) *lua.LTable {
	mod := j.L.NewTable()
	j.L.SetField(mod, "group", lua.LString(group))
	j.L.SetField(mod, "pid", lua.LNumber(pid))
	j.L.SetField(mod, "log", j.L.NewFunction(j.luaLog))
	return mod
}

// luaLog implements prefork.log(message [, level]).
func (j *luaJob) luaLog(L *lua.LState) int {
	msg := L.CheckString(1)
	switch L.OptString(2, "info") {
	case "debug":
		j.logger.Debug(msg)
	case "warn":
		j.logger.Warn(msg)
	case "error":
		j.logger.Error(msg)
	default:
		j.logger.Info(msg)
	}
	return 0
}

func (j *luaJob) run(ctx context.Context) error {
	j.iteration++
	j.L.SetContext(ctx)
	defer j.L.RemoveContext()

	if err := j.L.CallByParam(lua.P{
		Fn:      j.work,
		NRet:    1,
		Protect: true,
	}, lua.LNumber(j.iteration)); err != nil {
		return fmt.Errorf("lua work failed: %w", err)
	}

	ret := j.L.Get(-1)
	j.L.Pop(1)
	if ret == lua.LFalse {
		return ErrDone
	}
	return nil
}

func (j *luaJob) close() {
	j.L.Close()
}
