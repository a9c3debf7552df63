// ABOUTME: WebRTC signaling sub-protocol layered on the command channel
// ABOUTME: Offers travel as webrtc_offer commands; viewers poll answers by correlation id

package commands

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/2389/rig-gateway/internal/store"
)

// AnswerState is the viewer-facing state of an offer.
type AnswerState string

const (
	AnswerPending AnswerState = "pending"
	AnswerReady   AnswerState = "ready"
	AnswerFailed  AnswerState = "failed"
)

// DefaultAnswerTimeout bounds how long a viewer waits for the agent's answer.
const DefaultAnswerTimeout = 15 * time.Second

// OfferParams is the params payload of a webrtc_offer command.
type OfferParams struct {
	CorrelationID string             `json:"correlation_id"`
	ViewerID      string             `json:"viewer_id"`
	SDP           string             `json:"sdp"`
	ICEServers    []webrtc.ICEServer `json:"ice_servers"`
	// ExpiresAt is when the viewer stops waiting; agents skip offers past it.
	ExpiresAt     time.Time          `json:"expires_at"`
}

// ICEParams is the params payload of a webrtc_ice command.
type ICEParams struct {
	CorrelationID string                  `json:"correlation_id"`
	Candidate     webrtc.ICECandidateInit `json:"candidate"`
}

// AnswerResult is the result payload the agent reports for a webrtc_offer.
type AnswerResult struct {
	AnswerSDP string `json:"answer_sdp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// AnswerStatus is the projection returned to a polling viewer.
type AnswerStatus struct {
	CorrelationID string      `json:"correlation_id"`
	DeviceID      string      `json:"device_id"`
	State         AnswerState `json:"state"`
	AnswerSDP     string      `json:"answer_sdp,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// Signaling dispatches viewer offers and ICE candidates to rig agents.
// Only STUN servers are handed out; there is no TURN relay.
type Signaling struct {
	channel       *Channel
	store         store.Store
	stunURLs      []string
	answerTimeout time.Duration
	now           func() time.Time
}

// SignalingOptions configures Signaling.
type SignalingOptions struct {
	STUNURLs      []string
	AnswerTimeout time.Duration
	Now           func() time.Time
}

// NewSignaling creates a Signaling service that dispatches through channel.
func NewSignaling(channel *Channel, s store.Store, opts SignalingOptions) *Signaling {
	sig := &Signaling{
		channel:       channel,
		store:         s,
		answerTimeout: opts.AnswerTimeout,
		now:           opts.Now,
	}
	for _, u := range opts.STUNURLs {
		if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") {
			sig.stunURLs = append(sig.stunURLs, u)
		}
	}
	if sig.answerTimeout <= 0 {
		sig.answerTimeout = DefaultAnswerTimeout
	}
	if sig.now == nil {
		sig.now = time.Now
	}
	return sig
}

// ICEServers returns the ICE server list given to both peers.
func (s *Signaling) ICEServers() []webrtc.ICEServer {
	if len(s.stunURLs) == 0 {
		return []webrtc.ICEServer{}
	}
	return []webrtc.ICEServer{{URLs: s.stunURLs}}
}

// ValidateOffer checks that sdp parses as an SDP offer with at least one
// media section.
func ValidateOffer(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return newError(KindInvalidPayload, "offer sdp is empty")
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	parsed, err := desc.Unmarshal()
	if err != nil {
		return &CommandError{Kind: KindInvalidPayload, Message: "offer sdp does not parse", Err: err}
	}
	if len(parsed.MediaDescriptions) == 0 {
		return newError(KindInvalidPayload, "offer sdp has no media sections")
	}
	return nil
}

// CreateOffer validates a viewer's offer and dispatches it to the device.
// The returned correlation id is what the viewer polls with.
func (s *Signaling) CreateOffer(ctx context.Context, deviceID, viewerID, sdp string) (string, error) {
	if err := ValidateOffer(sdp); err != nil {
		return "", err
	}

	correlationID := uuid.New().String()
	_, err := s.channel.Enqueue(ctx, Request{
		DeviceID: deviceID,
		Type:     TypeSignaling,
		Action:   ActionWebRTCOffer,
		Params: OfferParams{
			CorrelationID: correlationID,
			ViewerID:      viewerID,
			SDP:           sdp,
			ICEServers:    s.ICEServers(),
			ExpiresAt:     s.now().UTC().Add(s.answerTimeout),
		},
		CorrelationID: correlationID,
	})
	if err != nil {
		return "", err
	}
	return correlationID, nil
}

// offer loads the offer command and checks the viewer may see it. An empty
// viewerID skips the ownership check.
func (s *Signaling) offer(ctx context.Context, correlationID, viewerID string) (*store.Command, error) {
	var cmd *store.Command
	err := s.store.View(ctx, func(tx *store.Tx) error {
		var err error
		cmd, err = tx.GetOfferByCorrelation(correlationID)
		return err
	})
	if err != nil {
		return nil, err
	}

	var params OfferParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, &CommandError{Kind: KindInvalidPayload, Message: "decoding stored offer", Err: err}
	}
	if viewerID != "" && params.ViewerID != viewerID {
		return nil, store.ErrNotFound
	}
	return cmd, nil
}

// AnswerStatus reports whether the agent has answered an offer. An offer not
// answered within the answer timeout reports failed, and stays failed even if
// the agent answers later.
func (s *Signaling) AnswerStatus(ctx context.Context, correlationID, viewerID string) (*AnswerStatus, error) {
	cmd, err := s.offer(ctx, correlationID, viewerID)
	if err != nil {
		return nil, err
	}

	st := &AnswerStatus{CorrelationID: correlationID, DeviceID: cmd.DeviceID}

	answeredAt := s.now()
	if cmd.CompletedAt != nil {
		answeredAt = *cmd.CompletedAt
	}
	if answeredAt.Sub(cmd.CreatedAt) > s.answerTimeout {
		st.State = AnswerFailed
		st.Error = "answer timeout"
		return st, nil
	}

	var result AnswerResult
	if len(cmd.Result) > 0 {
		if err := json.Unmarshal(cmd.Result, &result); err != nil {
			result.Error = "malformed answer"
		}
	}

	switch cmd.Status {
	case store.CommandCompleted:
		if result.AnswerSDP == "" {
			st.State = AnswerFailed
			st.Error = "agent returned no answer"
			break
		}
		st.State = AnswerReady
		st.AnswerSDP = result.AnswerSDP
	case store.CommandFailed:
		st.State = AnswerFailed
		st.Error = result.Error
		if st.Error == "" {
			st.Error = "agent failed to answer"
		}
	default:
		st.State = AnswerPending
	}
	return st, nil
}

// AddICECandidate forwards a trickled viewer candidate to the agent. Delivery
// rides the normal poll cadence and is not low-latency.
func (s *Signaling) AddICECandidate(ctx context.Context, correlationID, viewerID string, candidate webrtc.ICECandidateInit) (*store.Command, error) {
	if candidate.Candidate != "" && !strings.HasPrefix(strings.TrimPrefix(candidate.Candidate, "a="), "candidate:") {
		return nil, newError(KindInvalidPayload, "malformed ICE candidate")
	}

	offerCmd, err := s.offer(ctx, correlationID, viewerID)
	if err != nil {
		return nil, err
	}
	if offerCmd.Status == store.CommandFailed {
		return nil, newError(KindDispatchFailed, "offer %s already failed", correlationID)
	}

	return s.channel.Enqueue(ctx, Request{
		DeviceID: offerCmd.DeviceID,
		Type:     TypeSignaling,
		Action:   ActionWebRTCICE,
		Params: ICEParams{
			CorrelationID: correlationID,
			Candidate:     candidate,
		},
		CorrelationID: correlationID,
	})
}
