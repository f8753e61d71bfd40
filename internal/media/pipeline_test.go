package media

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/servibook/callkit/internal/callerr"
)

func TestClassifyCaptureError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission denied", errors.New("Permission denied by user"), callerr.ErrPermissionDenied},
		{"not allowed", errors.New("capture not allowed"), callerr.ErrPermissionDenied},
		{"driver lookup", errors.New("failed to find the best driver"), callerr.ErrDeviceNotFound},
		{"no device node", errors.New("open /dev/snd: no such device"), callerr.ErrDeviceNotFound},
		{"anything else", errors.New("ALSA underrun"), callerr.ErrCaptureFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyCaptureError(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.Contains(t, got.Error(), tt.err.Error(), "original cause is preserved")
		})
	}
}

func TestUnsupportedProviderFailsSynchronously(t *testing.T) {
	_, err := UnsupportedProvider{}.NewPeerConnection(nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedCapability)
}
