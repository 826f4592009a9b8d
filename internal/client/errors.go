package client

import (
	"errors"

	"github.com/MrWong99/voiceloop/internal/capture"
	"github.com/MrWong99/voiceloop/internal/transport"
	"github.com/MrWong99/voiceloop/pkg/audio"
)

// UserMessage returns display text for err telling the user what to do
// next. Errors without a dedicated text fall back to err.Error().
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var serr *ServerError
	switch {
	case errors.As(err, &serr):
		return "The service reported an error: " + serr.Message
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Microphone access was denied. Allow microphone access for this terminal and try /listen again."
	case errors.Is(err, audio.ErrDeviceNotFound):
		return "No microphone was found. Connect one and try /listen again."
	case errors.Is(err, capture.ErrConnectionNotReady):
		return "Could not reach the voice service. Check that it is running and try /listen again."
	case errors.Is(err, transport.ErrNotConnected):
		return "Not connected to the service. Try again in a moment."
	case errors.Is(err, transport.ErrMaxReconnectExceeded):
		return "Lost the connection to the service and gave up reconnecting. Use /listen to try again."
	case errors.Is(err, transport.ErrTransportFatal):
		return "The service closed the connection after an internal error. Check the service logs, then use /listen to try again."
	}
	return err.Error()
}
