//go:build darwin

package hypervisor

// DefaultAdapterName selects the actor (UTM GUI automation) backend on
// macOS, mirroring the impl_utm.rs build-tag dispatch in the reference
// implementation's hypervisor crate.
const DefaultAdapterName = "actor"
