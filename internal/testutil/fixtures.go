package testutil

// SampleConfigYAML is a complete config file using non-default values.
const SampleConfigYAML = `transport:
  mode: shared_memory
  buffer_size: 4096
  poll_interval_ms: 20
  relay:
    url: ""
    listen: 127.0.0.1:0
    ready_timeout_ms: 500
    max_failures: 5
interrupt:
  buffer: true
logging:
  level: debug
`

// Sample scripts exercising the synchronous hooks.
const (
	// ScriptHello prints without blocking.
	ScriptHello = `print("hello")`

	// ScriptEcho asks for a name and greets it.
	ScriptEcho = `local name = input("name? ")
print("hello " .. name)
`

	// ScriptSleep sleeps for five seconds, long enough to be interrupted.
	ScriptSleep = `sleep(5)
print("woke")
`

	// ScriptBusy spins without ever blocking.
	ScriptBusy = `while true do end`

	// ScriptError fails at runtime.
	ScriptError = `error("boom")`
)

// SampleScripts returns the sample scripts keyed by file name.
// Returns a new map each time to prevent test interference.
func SampleScripts() map[string]string {
	return map[string]string{
		"hello.lua": ScriptHello,
		"echo.lua":  ScriptEcho,
		"sleep.lua": ScriptSleep,
		"busy.lua":  ScriptBusy,
		"error.lua": ScriptError,
	}
}
