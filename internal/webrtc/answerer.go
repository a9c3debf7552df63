// ABOUTME: Agent-side WebRTC answerer for viewer offers relayed through the command channel
// ABOUTME: Vanilla ICE answers with bounded gathering; peers are kept by correlation id

package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pion "github.com/pion/webrtc/v4"

	"github.com/2389/rig-gateway/internal/rigclient"
)

// DefaultGatherTimeout bounds ICE candidate gathering for an answer.
const DefaultGatherTimeout = 10 * time.Second

// Signaling actions handled by the Answerer.
const (
	ActionOffer = "webrtc_offer"
	ActionICE   = "webrtc_ice"
)

// ErrUnknownPeer is returned for ICE candidates whose offer was never answered.
var ErrUnknownPeer = errors.New("no peer connection for correlation id")

type offerParams struct {
	CorrelationID string           `json:"correlation_id"`
	ViewerID      string           `json:"viewer_id"`
	SDP           string           `json:"sdp"`
	ICEServers    []pion.ICEServer `json:"ice_servers"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

type iceParams struct {
	CorrelationID string                `json:"correlation_id"`
	Candidate     pion.ICECandidateInit `json:"candidate"`
}

// ErrOfferExpired is returned for offers the viewer has stopped waiting on.
var ErrOfferExpired = errors.New("offer expired")

// Answer is the result reported for a webrtc_offer command.
type Answer struct {
	AnswerSDP string `json:"answer_sdp"`
}

// Options configures an Answerer.
type Options struct {
	GatherTimeout time.Duration
	// IncludeLoopback adds loopback host candidates, for same-machine viewers and tests.
	IncludeLoopback bool
	Logger          *slog.Logger
	Now             func() time.Time
}

// Answerer answers viewer offers on behalf of the rig.
type Answerer struct {
	mu            sync.Mutex
	peers         map[string]*pion.PeerConnection
	api           *pion.API
	gatherTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewAnswerer creates an Answerer.
func NewAnswerer(opts Options) (*Answerer, error) {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = DefaultGatherTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	mediaEngine := &pion.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	settingEngine := pion.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	return &Answerer{
		peers:         make(map[string]*pion.PeerConnection),
		api:           pion.NewAPI(pion.WithMediaEngine(mediaEngine), pion.WithSettingEngine(settingEngine)),
		gatherTimeout: opts.GatherTimeout,
		logger:        opts.Logger.With("component", "webrtc"),
		now:           opts.Now,
	}, nil
}

// HandleOffer answers a webrtc_offer command.
func (a *Answerer) HandleOffer(ctx context.Context, cmd rigclient.Command) (any, error) {
	var params offerParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, fmt.Errorf("decoding offer params: %w", err)
	}
	if params.CorrelationID == "" {
		params.CorrelationID = cmd.CorrelationID
	}
	if params.CorrelationID == "" {
		return nil, errors.New("offer has no correlation id")
	}
	if !params.ExpiresAt.IsZero() && a.now().After(params.ExpiresAt) {
		return nil, ErrOfferExpired
	}

	sdp, err := a.answer(ctx, params)
	if err != nil {
		return nil, err
	}
	return Answer{AnswerSDP: sdp}, nil
}

func (a *Answerer) answer(ctx context.Context, params offerParams) (string, error) {
	pc, err := a.api.NewPeerConnection(pion.Configuration{ICEServers: stunOnly(params.ICEServers)})
	if err != nil {
		return "", fmt.Errorf("creating PeerConnection: %w", err)
	}

	corr := params.CorrelationID
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		a.handleICEStateChange(corr, pc, state)
	})

	if err := pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: params.SDP}); err != nil {
		pc.Close()
		return "", fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := pion.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("setting local description: %w", err)
	}

	timer := time.NewTimer(a.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		pc.Close()
		return "", fmt.Errorf("ICE gathering timed out after %s", a.gatherTimeout)
	case <-ctx.Done():
		pc.Close()
		return "", ctx.Err()
	}

	a.mu.Lock()
	if old, ok := a.peers[corr]; ok {
		_ = old.Close()
	}
	a.peers[corr] = pc
	a.mu.Unlock()

	a.logger.Info("answered viewer offer", "correlation_id", corr, "viewer_id", params.ViewerID)
	return pc.LocalDescription().SDP, nil
}

// HandleICE adds a trickled viewer candidate to the matching peer.
func (a *Answerer) HandleICE(_ context.Context, cmd rigclient.Command) (any, error) {
	var params iceParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, fmt.Errorf("decoding ice params: %w", err)
	}
	if params.CorrelationID == "" {
		params.CorrelationID = cmd.CorrelationID
	}

	a.mu.Lock()
	pc, ok := a.peers[params.CorrelationID]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, params.CorrelationID)
	}

	if err := pc.AddICECandidate(params.Candidate); err != nil {
		return nil, fmt.Errorf("adding ICE candidate: %w", err)
	}
	return map[string]bool{"added": true}, nil
}

func (a *Answerer) handleICEStateChange(corr string, pc *pion.PeerConnection, state pion.ICEConnectionState) {
	a.logger.Debug("ICE state change", "correlation_id", corr, "state", state.String())

	switch state {
	case pion.ICEConnectionStateFailed, pion.ICEConnectionStateClosed:
		a.mu.Lock()
		if current, ok := a.peers[corr]; ok && current == pc {
			delete(a.peers, corr)
		}
		a.mu.Unlock()
		if state == pion.ICEConnectionStateFailed {
			go pc.Close()
		}
	}
}

// Len returns the number of open peer connections.
func (a *Answerer) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.peers)
}

// CloseAll closes every peer connection. Called when the rig resets to idle.
func (a *Answerer) CloseAll() {
	a.mu.Lock()
	peers := a.peers
	a.peers = make(map[string]*pion.PeerConnection)
	a.mu.Unlock()

	for corr, pc := range peers {
		if err := pc.Close(); err != nil {
			a.logger.Warn("closing peer connection", "correlation_id", corr, "error", err)
		}
	}
	if len(peers) > 0 {
		a.logger.Info("closed viewer connections", "count", len(peers))
	}
}

// stunOnly drops any relay servers; traversal is STUN-only.
func stunOnly(servers []pion.ICEServer) []pion.ICEServer {
	var out []pion.ICEServer
	for _, s := range servers {
		var urls []string
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "stun:") || strings.HasPrefix(u, "stuns:") {
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			out = append(out, pion.ICEServer{URLs: urls})
		}
	}
	return out
}
