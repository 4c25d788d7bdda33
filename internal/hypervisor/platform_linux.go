//go:build linux

package hypervisor

// DefaultAdapterName selects the libvirt backend on Linux, mirroring the
// impl_libvirt.rs build-tag dispatch in the reference implementation's
// hypervisor crate.
const DefaultAdapterName = "libvirt"
