package calltransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pion/webrtc/v3"
)

// Exchange sends the local offer to the call provider and returns its answer.
type Exchange func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

// Negotiate creates an offer, waits for ICE gathering so the offer carries
// every candidate, and applies the answer returned by exchange.
func Negotiate(ctx context.Context, pc *webrtc.PeerConnection, exchange Exchange) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, err := exchange(ctx, *pc.LocalDescription())
	if err != nil {
		return fmt.Errorf("signal offer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// HTTPExchange posts the offer SDP to a WHEP-style endpoint and reads the SDP answer.
func HTTPExchange(url, bearer string, client *http.Client) Exchange {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(offer.SDP))
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
		req.Header.Set("Content-Type", "application/sdp")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := client.Do(req)
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return webrtc.SessionDescription{}, err
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return webrtc.SessionDescription{}, fmt.Errorf("signaling status %d", resp.StatusCode)
		}
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(body)}, nil
	}
}
