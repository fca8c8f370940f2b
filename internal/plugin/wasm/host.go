package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"relaybot/internal/domain"
)

// HostModule is the import namespace guests link against.
const HostModule = "relaybot_v1"

// toolDecl is a tool announced by the guest through register_tool.
type toolDecl struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// hostEnv is the per-guest state shared with host functions. It is only
// touched while the owning Guest holds its call lock.
type hostEnv struct {
	sandbox *Sandbox
	logger  *slog.Logger
	config  map[string]any

	tools      []toolDecl
	methods    []string
	toolResult []byte
	rpcResult  []byte
}

func (e *hostEnv) resetRegistrations() {
	e.tools = nil
	e.methods = nil
}

// configValue returns the JSON of the plugin config, or of the value at a
// dotted key within it. ok is false for a missing key.
func (e *hostEnv) configValue(key string) (data []byte, ok bool) {
	var v any = e.config
	if e.config == nil {
		v = map[string]any{}
	}
	if key = strings.TrimSpace(key); key != "" {
		for _, part := range strings.Split(key, ".") {
			m, isMap := v.(map[string]any)
			if !isMap {
				return nil, false
			}
			if v, ok = m[part]; !ok {
				return nil, false
			}
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return data, true
}

type hostFunc struct {
	name    string
	cap     string
	params  []api.ValueType
	results []api.ValueType
	fn      api.GoModuleFunc
}

func i32s(n int) []api.ValueType {
	out := make([]api.ValueType, n)
	for i := range out {
		out[i] = api.ValueTypeI32
	}
	return out
}

// hostFunctions lists the relaybot_v1 exports with the capability that
// gates each one.
func hostFunctions(env *hostEnv) []hostFunc {
	return []hostFunc{
		{
			// log(level, ptr, len)
			name: "log", cap: CapLog, params: i32s(3),
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				level := int32(stack[0])
				msg, err := ReadString(mod, uint32(stack[1]), uint32(stack[2]))
				if err != nil {
					env.logger.Error("wasm log: read failed", "error", err)
					return
				}
				switch {
				case level <= 0:
					env.logger.Debug(msg)
				case level == 1:
					env.logger.Info(msg)
				case level == 2:
					env.logger.Warn(msg)
				default:
					env.logger.Error(msg)
				}
			},
		},
		{
			// get_config(key_ptr, key_len) -> (ptr, len); an empty key returns
			// the whole plugin config, a missing key returns (0, 0).
			name: "get_config", cap: CapConfig, params: i32s(2), results: i32s(2),
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				key, err := ReadString(mod, uint32(stack[0]), uint32(stack[1]))
				stack[0], stack[1] = 0, 0
				if err != nil {
					env.logger.Error("wasm get_config: read key failed", "error", err)
					return
				}
				data, ok := env.configValue(key)
				if !ok {
					return
				}
				ptr, size, err := WriteBytes(ctx, mod, data)
				if err != nil {
					env.logger.Error("wasm get_config: write failed", "error", err)
					return
				}
				stack[0], stack[1] = uint64(ptr), uint64(size)
			},
		},
		{
			// register_tool(name_ptr, name_len, desc_ptr, desc_len, schema_ptr, schema_len)
			name: "register_tool", cap: CapTool, params: i32s(6),
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				name, err := ReadString(mod, uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					env.logger.Error("wasm register_tool: read name failed", "error", err)
					return
				}
				desc, _ := ReadString(mod, uint32(stack[2]), uint32(stack[3]))
				schema, _ := ReadBytes(mod, uint32(stack[4]), uint32(stack[5]))
				if len(schema) == 0 || !json.Valid(schema) {
					schema = json.RawMessage(`{"type":"object"}`)
				}
				env.tools = append(env.tools, toolDecl{Name: strings.TrimSpace(name), Description: desc, Schema: schema})
			},
		},
		{
			// tool_result(ptr, len)
			name: "tool_result", cap: CapTool, params: i32s(2),
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				data, err := ReadBytes(mod, uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					env.logger.Error("wasm tool_result: read failed", "error", err)
					return
				}
				env.toolResult = data
			},
		},
		{
			// register_gateway_method(ptr, len)
			name: "register_gateway_method", cap: CapGateway, params: i32s(2),
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				method, err := ReadString(mod, uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					env.logger.Error("wasm register_gateway_method: read failed", "error", err)
					return
				}
				env.methods = append(env.methods, method)
			},
		},
		{
			// rpc_result(ptr, len)
			name: "rpc_result", cap: CapGateway, params: i32s(2),
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				data, err := ReadBytes(mod, uint32(stack[0]), uint32(stack[1]))
				if err != nil {
					env.logger.Error("wasm rpc_result: read failed", "error", err)
					return
				}
				env.rpcResult = data
			},
		},
	}
}

// instantiateHost builds and instantiates the relaybot_v1 module in rt with
// only the functions the sandbox allows. A guest importing a function whose
// capability was not granted fails to link.
func instantiateHost(ctx context.Context, rt wazero.Runtime, env *hostEnv) error {
	builder := rt.NewHostModuleBuilder(HostModule)
	for _, hf := range hostFunctions(env) {
		if !env.sandbox.AllowCapability(hf.cap) {
			continue
		}
		builder.NewFunctionBuilder().
			WithGoModuleFunction(hf.fn, hf.params, hf.results).
			Export(hf.name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("%w: instantiate host module: %v", domain.ErrPluginLoad, err)
	}
	return nil
}
