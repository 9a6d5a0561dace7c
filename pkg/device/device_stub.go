//go:build !cuda

package device

// New returns ErrUnavailable: this binary was built without the cuda tag,
// so driver.Construct in Device mode must fail with DeviceUnavailableError.
func New() (Backend, error) {
	return nil, ErrUnavailable
}
