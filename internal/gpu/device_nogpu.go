//go:build nogpu

package gpu

import (
	"errors"

	"github.com/gogpu/flut/wire"
)

// errBuiltWithoutGPU reports a binary compiled with the nogpu tag.
var errBuiltWithoutGPU = errors.New("gpu: built without GPU support (nogpu tag)")

type device struct{}

func openDevice(*wire.Template, Config) (*device, error) {
	return nil, errBuiltWithoutGPU
}

// ListAdapters reports no adapters in nogpu builds.
func ListAdapters() ([]string, error) {
	return nil, errBuiltWithoutGPU
}

func (d *device) dispatch(pix, dst []byte, op *Op) error { return errBuiltWithoutGPU }

func (d *device) close() {}
