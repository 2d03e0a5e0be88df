//go:build !rtlsdr

package source

import (
	"fmt"

	"github.com/rjboer/lritrecv/internal/logging"
)

// OpenRTLSDR reports that rtl-sdr support was not built in. Build with
// -tags rtlsdr and librtlsdr installed to enable it.
func OpenRTLSDR(Config, logging.Logger) (Device, error) {
	return nil, fmt.Errorf("rtl-sdr: %w", ErrUnsupported)
}
