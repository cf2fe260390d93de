package script

import (
	lua "github.com/yuin/gopher-lua"

	"zigbee-gateway/internal/core"
)

// registerGatewayModule registers the `gateway` global table in a Lua
// state.
func registerGatewayModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return gatewayOn(L, vm)
	}))

	mod.RawSetString("turn_on", L.NewFunction(func(L *lua.LState) int {
		return gatewaySetOnOff(L, e, true)
	}))

	mod.RawSetString("turn_off", L.NewFunction(func(L *lua.LState) int {
		return gatewaySetOnOff(L, e, false)
	}))

	mod.RawSetString("set_brightness", L.NewFunction(func(L *lua.LState) int {
		return gatewaySetBrightness(L, e)
	}))

	mod.RawSetString("group_on", L.NewFunction(func(L *lua.LState) int {
		return gatewayGroupOnOff(L, e, true)
	}))

	mod.RawSetString("group_off", L.NewFunction(func(L *lua.LState) int {
		return gatewayGroupOnOff(L, e, false)
	}))

	mod.RawSetString("recall_scene", L.NewFunction(func(L *lua.LState) int {
		return gatewayRecallScene(L, e)
	}))

	mod.RawSetString("lights", L.NewFunction(func(L *lua.LState) int {
		return gatewayLights(L, e)
	}))

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		e.logger.Info("script log", "msg", msg)
		return 0
	}))

	L.SetGlobal("gateway", mod)
}

const maxHandlersPerScript = 100

// gateway.on(type, filter, callback)
func gatewayOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filterTable := L.CheckTable(2)
	fn := L.CheckFunction(3)

	h := luaEventHandler{
		eventType: eventType,
		fn:        fn,
	}
	if v := filterTable.RawGetString("id"); v != lua.LNil {
		h.id = v.String()
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// gateway.turn_on/turn_off(light_id)
func gatewaySetOnOff(L *lua.LState, e *Engine, on bool) int {
	id := L.CheckString(1)
	if err := e.gw.SetLightState(id, core.GroupState{On: &on}); err != nil {
		e.logger.Warn("set light state", "id", id, "err", err)
	}
	return 0
}

// gateway.set_brightness(light_id, level)
func gatewaySetBrightness(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	level := uint8(L.CheckNumber(2))
	if err := e.gw.SetLightState(id, core.GroupState{Level: &level}); err != nil {
		e.logger.Warn("set brightness", "id", id, "err", err)
	}
	return 0
}

// gateway.group_on/group_off(group_id)
func gatewayGroupOnOff(L *lua.LState, e *Engine, on bool) int {
	id := L.CheckString(1)
	if err := e.gw.SetGroupState(id, core.GroupState{On: &on}); err != nil {
		e.logger.Warn("set group state", "id", id, "err", err)
	}
	return 0
}

// gateway.recall_scene(group_id, scene_id)
func gatewayRecallScene(L *lua.LState, e *Engine) int {
	groupID := L.CheckString(1)
	sceneID := uint8(L.CheckNumber(2))
	if err := e.gw.RecallScene(groupID, sceneID); err != nil {
		e.logger.Warn("recall scene", "group", groupID, "scene", sceneID, "err", err)
	}
	return 0
}

// gateway.lights() returns a table of light tables.
func gatewayLights(L *lua.LState, e *Engine) int {
	out := L.NewTable()
	for _, l := range e.gw.Lights() {
		tbl := L.NewTable()
		tbl.RawSetString("id", lua.LString(l.ID))
		tbl.RawSetString("name", lua.LString(l.Name))
		tbl.RawSetString("on", lua.LBool(l.On))
		tbl.RawSetString("bri", lua.LNumber(l.Level))
		tbl.RawSetString("reachable", lua.LBool(l.Reachable))
		out.Append(tbl)
	}
	L.Push(out)
	return 1
}
