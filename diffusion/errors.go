package diffusion

import (
	"errors"
	"fmt"

	"github.com/openfluke/diffwave/nn"
)

// ErrConfiguration marks calls that conflict with how the model was
// configured, such as passing conditioning to an unconditioned model or a
// discrete timestep to a continuous-time model.
var ErrConfiguration = errors.New("configuration error")

// ShapeError reports mismatched tensor dimensions.
type ShapeError = nn.ShapeError

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
