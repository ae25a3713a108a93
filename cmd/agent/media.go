package main

import (
	"errors"

	"github.com/pion/webrtc/v3"

	"github.com/veriface/callguard/internal/capture"
)

// callMedia owns the camera and call transport resources released at call end.
type callMedia struct {
	adapter *capture.Adapter
	track   *capture.BufferTrack
	pc      *webrtc.PeerConnection
}

func (m *callMedia) Release() error {
	var errs []error
	if m.adapter != nil {
		errs = append(errs, m.adapter.Close())
	}
	if m.track != nil {
		m.track.End()
	}
	if m.pc != nil {
		errs = append(errs, m.pc.Close())
	}
	return errors.Join(errs...)
}
