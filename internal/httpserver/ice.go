package httpserver

import (
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/fableboard/roomcore/internal/iceconfig"
)

type iceResponse struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	ExpiryUnix int64              `json:"expiryUnix,omitempty"`
}

// ICEConfigHandler serves the ICE server list a peer should dial with.
// Peers pass their relay peer ID via `peerId` so minted TURN credentials
// are attributable; callers without one get a random scope.
func ICEConfigHandler(p *iceconfig.Provider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerID := r.URL.Query().Get("peerId")
		if peerID == "" {
			var err error
			if peerID, err = iceconfig.RandomPeerID(); err != nil {
				WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal"})
				return
			}
		}

		servers, err := p.ServersFor(peerID)
		if err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		resp := iceResponse{ICEServers: servers}
		if p.CredentialsEnabled() {
			if creds, err := p.Credentials(peerID); err == nil {
				resp.ExpiryUnix = creds.ExpiryUnix
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}
