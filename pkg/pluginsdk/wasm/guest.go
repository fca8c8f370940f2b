// Package wasm documents the guest ABI for relaybot WASM plugins.
//
// Guests are usually built with TinyGo for the wasip1 target. The host
// instantiates each guest in its own runtime, calls register (or activate)
// once per load pass, and serializes every later call into the guest.
//
// Usage (in a TinyGo plugin):
//
//	//go:build tinygo
//
//	package main
//
//	//go:wasmimport relaybot_v1 register_tool
//	func registerTool(namePtr, nameLen, descPtr, descLen, schemaPtr, schemaLen uint32)
//
//	//export malloc
//	func malloc(size uint32) uint32 { ... }
//
//	//export free
//	func free(ptr, size uint32) { ... }
//
//	//export register
//	func register() { ... }
//
//	//export tool_execute
//	func toolExecute(namePtr, nameLen, paramsPtr, paramsLen uint32) { ... }
//
// # Host Functions (relaybot_v1 module)
//
//   - log(level, ptr, len)
//     Write a log message. Levels: 0=debug, 1=info, 2=warn, 3=error.
//
//   - get_config(key_ptr, key_len) (ptr, len)
//     Read the validated plugin config as JSON. An empty key returns the
//     whole object, a dotted key returns one value, a missing key returns (0, 0).
//
//   - register_tool(name_ptr, name_len, desc_ptr, desc_len, schema_ptr, schema_len)
//     Announce a tool during register. Requires the "tool" capability.
//
//   - tool_result(ptr, len)
//     Report the result of tool_execute, either ToolResult JSON or plain text.
//     Requires the "tool" capability.
//
//   - register_gateway_method(ptr, len)
//     Claim a gateway RPC method during register. Requires "gateway".
//
//   - rpc_result(ptr, len)
//     Report the JSON result (or error text) of handle_rpc. Requires "gateway".
//
// Importing a function whose capability is not granted in plugin.yaml makes
// the module fail to link, and the plugin is reported with a load error.
//
// # Required Exports
//
//   - memory
//   - malloc(size) ptr: allocate memory for host-to-guest data
//   - free(ptr, size): release it (may be a no-op)
//
// # Optional Exports
//
//   - register() or activate(): called once per load pass
//   - config_schema() (ptr, len): JSON Schema for the plugin config
//   - tool_execute(name_ptr, name_len, params_ptr, params_len)
//   - handle_rpc(method_ptr, method_len, payload_ptr, payload_len) status:
//     a non-zero status fails the request
//   - _close(): called before the guest is released
//
// # Capabilities
//
//   - "log", "config": always allowed
//   - "tool", "gateway": must be listed under wasm.capabilities in plugin.yaml
package wasm

// LogLevel constants for the host log function.
const (
	LogDebug int32 = 0
	LogInfo  int32 = 1
	LogWarn  int32 = 2
	LogError int32 = 3
)

// Host module and capability names.
const (
	HostModule = "relaybot_v1"

	CapLog     = "log"
	CapConfig  = "config"
	CapTool    = "tool"
	CapGateway = "gateway"
)

// RPCStatusOK is the handle_rpc return value for success.
const RPCStatusOK int32 = 0
