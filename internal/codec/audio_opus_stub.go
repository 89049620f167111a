//go:build !(opus && cgo)

package codec

// RegisterOpus is a no-op in builds without the `opus` build tag (or
// without cgo); Opus calls are never wired into a codec negotiation in
// that configuration. Mirrors the teacher's cgo-gated opus registration.
func RegisterOpus(r *Registry) {}
