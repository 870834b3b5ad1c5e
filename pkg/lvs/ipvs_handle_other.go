//go:build !linux

package lvs

// NewIPVSHandle returns an in-memory IPVS handle on systems without IPVS.
func NewIPVSHandle(_ string) (IPVSHandle, error) {
	return NewFakeHandle(), nil
}
