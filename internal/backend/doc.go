// Package backend defines the native debugger capability consumed by the
// session engine: target/process/thread/frame/value introspection,
// breakpoint placement with per-location control, expression evaluation,
// and an asynchronous event feed. Concrete debugger integrations register
// themselves by name; the session engine depends only on the interfaces.
package backend
