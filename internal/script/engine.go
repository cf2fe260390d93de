// Package script runs user Lua hooks against gateway events. Each
// script gets its own sandboxed VM; handlers registered with
// gateway.on() fire as events arrive.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"zigbee-gateway/internal/core"
)

// luaEventHandler is a registered Lua callback for an event type.
type luaEventHandler struct {
	eventType string
	id        string // filter: only match this resource id (empty = any)
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script. All Lua access goes
// through the commands channel; LState is not thread safe.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
}

// Engine loads scripts from a directory and dispatches events to them.
type Engine struct {
	gw     *core.Core
	bus    *core.EventBus
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates a script engine over the given scripts directory.
func NewEngine(gw *core.Core, bus *core.EventBus, dir string, logger *slog.Logger) *Engine {
	return &Engine{
		gw:     gw,
		bus:    bus,
		dir:    dir,
		logger: logger.With("component", "script"),
		vms:    make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and loads every .lua file in the
// scripts directory.
func (e *Engine) Start() {
	e.unsub = e.bus.OnAll(e.dispatchEvent)

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Error("read scripts dir", "dir", e.dir, "err", err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".lua")
		if err := e.startScript(id, filepath.Join(e.dir, entry.Name())); err != nil {
			e.logger.Error("start script", "id", id, "err", err)
		}
	}
	e.logger.Info("script engine started", "scripts", len(e.vms))
}

// Stop cancels all VMs and unsubscribes.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	if e.unsub != nil {
		e.unsub()
	}
	e.logger.Info("script engine stopped")
}

func (e *Engine) startScript(id, path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// sandbox
	for _, g := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(g, lua.LNil)
	}

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerGatewayModule(L, vm, e)

	// top level code runs once and registers handlers
	if err := L.DoString(string(code)); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", id, err)
	}

	e.mu.Lock()
	e.vms[id] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case cmd := <-vm.commands:
				cmd(L)
			}
		}
	}()

	e.logger.Info("script loaded", "id", id)
	return nil
}

// dispatchEvent forwards one event to every matching handler in every
// running VM.
func (e *Engine) dispatchEvent(event core.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if h.eventType != "" && h.eventType != event.Type {
				continue
			}
			if h.id != "" && h.id != event.ID {
				continue
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) {
				tbl := eventToTable(L, event)
				if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, tbl); err != nil {
					e.logger.Warn("handler error", "event", event.Type, "err", err)
				}
			}:
			case <-vm.ctx.Done():
			default:
				e.logger.Warn("script command queue full, dropping event", "event", event.Type)
			}
		}
	}
}

func eventToTable(L *lua.LState, event core.Event) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("type", lua.LString(event.Type))
	if event.ID != "" {
		tbl.RawSetString("id", lua.LString(event.ID))
	}
	if data, ok := event.Data.(map[string]any); ok {
		d := L.NewTable()
		for k, v := range data {
			d.RawSetString(k, goToLua(L, v))
		}
		tbl.RawSetString("data", d)
	}
	return tbl
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
