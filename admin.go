package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Admin is the proxy's own HTTP surface: the ingress POST endpoint that
// every packed DIDComm message arrives on, plus the three operator
// routes for bootstrapping and observing the proxy itself.
type Admin struct {
	registry *Registry
	legacy   *LegacyConnections
	didx     *DIDExchange
	med      *Mediation
	logger   *log.Logger

	httpServer *http.Server
	mux        *http.ServeMux
	serveCtx   context.Context
}

// NewAdmin constructs the Admin HTTP surface.
func NewAdmin(registry *Registry, legacy *LegacyConnections, didx *DIDExchange, med *Mediation, logger *log.Logger) *Admin {
	return &Admin{registry: registry, legacy: legacy, didx: didx, med: med, logger: logger}
}

// BuildMux registers every route and caches the mux.
func (a *Admin) BuildMux() *http.ServeMux {
	if a.mux != nil {
		return a.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", a.handleIngress)
	mux.HandleFunc("/retrieve_agent_invitation", a.handleRetrieveAgentInvitation)
	mux.HandleFunc("/receive_mediator_invitation", a.handleReceiveMediatorInvitation)
	mux.HandleFunc("/status", a.handleStatus)
	a.mux = mux
	return mux
}

// Start serves the Admin mux on addr until ctx is canceled.
func (a *Admin) Start(ctx context.Context, addr string) error {
	a.serveCtx = ctx
	a.httpServer = &http.Server{Addr: addr, Handler: a.BuildMux()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.httpServer.Shutdown(shutdownCtx)
	}()

	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// handleIngress is the single POST endpoint every packed DIDComm
// envelope (inbound from the agent or the upstream mediator) arrives
// on.
func (a *Admin) handleIngress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	reply, err := a.registry.HandleMessage(body)
	if err != nil {
		if a.logger != nil {
			a.logger.Printf("[mediator] ingress: %v", err)
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/didcomm-envelope-enc")
	if reply != nil {
		w.Write(reply)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleRetrieveAgentInvitation returns a fresh did-exchange invitation
// URL for the downstream agent to connect with.
func (a *Admin) handleRetrieveAgentInvitation(w http.ResponseWriter, r *http.Request) {
	_, inviteURL, err := a.didx.CreateInvitation(true)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"invitation_url": inviteURL})
}

// handleReceiveMediatorInvitation accepts a `{"invitation_url": "..."}`
// body naming the upstream mediator's invitation, starts the
// connection, and requests mediation once it completes.
func (a *Admin) handleReceiveMediatorInvitation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		InvitationURL string `json:"invitation_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	conn, err := a.legacy.ReceiveInviteURL(ctx, body.InvitationURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	a.registry.SetMediatorConnection(conn)

	// There is no timeout on mediation request wait: this background
	// wait runs against the server's own lifetime context, not a fixed
	// deadline, so a slow peer never aborts an otherwise-successful
	// handshake.
	waitCtx := a.serveCtx
	if waitCtx == nil {
		waitCtx = r.Context()
	}
	go func() {
		if err := conn.Completion(waitCtx); err != nil {
			if a.logger != nil {
				a.logger.Printf("[mediator] mediator connection did not complete: %v", err)
			}
			return
		}
		if err := a.med.RequestMediationFromExternal(waitCtx); err != nil {
			if a.logger != nil {
				a.logger.Printf("[mediator] request mediation: %v", err)
			}
			return
		}
		a.registry.SetLifecycle(LifecycleReady)
	}()

	a.registry.SetLifecycle(LifecycleSetup)
	w.WriteHeader(http.StatusAccepted)
}

// handleStatus reports the proxy's own bootstrap lifecycle.
func (a *Admin) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": a.registry.Lifecycle().String()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
