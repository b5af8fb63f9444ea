// Package testutil provides shared test utilities for comsync.
//
// # Fixtures
//
//   - SampleConfigYAML - a complete .comsync/config.yaml
//   - ScriptHello, ScriptEcho, ScriptSleep, ScriptBusy, ScriptError - Lua
//     scripts exercising the synchronous hooks
//   - SampleScripts() - the scripts keyed by file name
//
// # Environment Helpers
//
//   - SetupTestDir(t) - creates a temp directory with .comsync and scripts
//   - StartRelay(t, opts) - serves a relay on an httptest server
//   - MustMarshalJSON, MustUnmarshalJSON, WriteTestFile
//
// # Timeouts
//
// ContextWithTestDeadline and the named TaskContext, RelayContext and
// ShortOperationContext never outlive the test's own deadline.
//
// # Assertions
//
//   - AssertReturnsWithin(t, d, fn) - fn must return within d
//   - AssertStillBlocked(t, d, done) - done must stay quiet for d
package testutil
