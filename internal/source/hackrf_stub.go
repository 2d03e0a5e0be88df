//go:build !hackrf

package source

import (
	"fmt"

	"github.com/rjboer/lritrecv/internal/logging"
)

// OpenHackRF reports that HackRF support was not built in. Build with
// -tags hackrf and libhackrf installed to enable it.
func OpenHackRF(Config, logging.Logger) (Device, error) {
	return nil, fmt.Errorf("hackrf: %w", ErrUnsupported)
}
