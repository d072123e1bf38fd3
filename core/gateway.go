package core

// gateway.go – the external JSON-RPC / subscription surface.
//
// The gateway is a message source, not a core component: it validates
// what clients send, forwards well-formed work onto the bus as
// SubGateway and serves reads.  Clients only ever see stable error codes
// derived from the taxonomy; internals never leak.  Malformed requests
// count as strikes against the client address; past the strike limit
// inside the strike window, that address's transaction submissions are
// refused (the read endpoints keep serving it).

import (
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// malformedStrikeLimit locks a client address out once reached
	// within the strike window.
	malformedStrikeLimit = 10
	strikeWindow         = time.Minute
)

// Gateway serves the HTTP surface.
type Gateway struct {
	bus      *EventBus
	store    *BlockStore
	trie     *StateTrie
	pool     *TxPool
	table    *RoutingTable
	txindex  *TxIndexService
	finality *Finality
	htlc     *HTLCRegistry
	keys     KeyStore
	clk      clock.Clock
	log      *logrus.Logger

	mu      sync.Mutex
	strikes map[string]*clientStrikes

	upgrader websocket.Upgrader
}

type clientStrikes struct {
	count int
	since time.Time
}

// NewGateway wires the surface to the read paths and the bus.
func NewGateway(bus *EventBus, store *BlockStore, trie *StateTrie, pool *TxPool, table *RoutingTable, txindex *TxIndexService, finality *Finality, htlc *HTLCRegistry, keys KeyStore, clk clock.Clock, lg *logrus.Logger) *Gateway {
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &Gateway{
		bus:      bus,
		store:    store,
		trie:     trie,
		pool:     pool,
		table:    table,
		txindex:  txindex,
		finality: finality,
		htlc:     htlc,
		keys:     keys,
		clk:      clk,
		log:      lg,
		strikes:  make(map[string]*clientStrikes),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Router builds the chi routing tree.
func (gw *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/tx", gw.handleSubmitTx)
	r.Get("/block/{hash}", gw.handleGetBlock)
	r.Get("/block/height/{height}", gw.handleGetBlockByHeight)
	r.Get("/account/{addr}", gw.handleGetAccount)
	r.Get("/proof/tx/{block}/{index}", gw.handleTxProof)
	r.Get("/peers", gw.handlePeers)
	r.Get("/status", gw.handleStatus)
	r.Post("/htlc", gw.handleHTLCOpen)
	r.Post("/htlc/{id}/claim", gw.handleHTLCClaim)
	r.Post("/htlc/{id}/refund", gw.handleHTLCRefund)
	r.Get("/htlc/{id}", gw.handleHTLCGet)
	r.Get("/subscribe", gw.handleSubscribe)
	return r
}

//---------------------------------------------------------------------
// Error reporting and strikes
//---------------------------------------------------------------------

func (gw *Gateway) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": ErrorCode(err)})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// strike counts one malformed request; reports whether the client is
// over the limit.
func (gw *Gateway) strike(r *http.Request) bool {
	key := clientKey(r)
	now := gw.clk.Now()
	gw.mu.Lock()
	defer gw.mu.Unlock()
	cs, ok := gw.strikes[key]
	if !ok || now.Sub(cs.since) > strikeWindow {
		cs = &clientStrikes{since: now}
		gw.strikes[key] = cs
	}
	cs.count++
	return cs.count > malformedStrikeLimit
}

func (gw *Gateway) blocked(r *http.Request) bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	cs, ok := gw.strikes[clientKey(r)]
	return ok && cs.count > malformedStrikeLimit && gw.clk.Now().Sub(cs.since) <= strikeWindow
}

//---------------------------------------------------------------------
// Transactions
//---------------------------------------------------------------------

func (gw *Gateway) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	if gw.blocked(r) {
		gw.writeError(w, http.StatusTooManyRequests, ErrMempoolFull)
		return
	}
	var tx Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, ErrMalformedTransaction)
		return
	}
	if err := tx.ValidateShape(); err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, err)
		return
	}

	payload, err := MarshalPayload(TxSubmittedMsg{Tx: &tx})
	if err != nil {
		gw.writeError(w, http.StatusInternalServerError, err)
		return
	}
	env, err := NewEnvelope(SubGateway, SubMempool, payload, gw.clk.Now())
	if err != nil {
		gw.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := env.Seal(gw.keys.BusSecret()); err != nil {
		gw.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := gw.bus.Publish(TopicTxSubmitted, env); err != nil {
		gw.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"hash": tx.HashTx().Hex()})
}

//---------------------------------------------------------------------
// Reads
//---------------------------------------------------------------------

func parseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(h) {
		return h, ErrMalformedBlock
	}
	copy(h[:], raw)
	return h, nil
}

func (gw *Gateway) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	h, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, err)
		return
	}
	blk, err := gw.store.GetBlock(h)
	if err != nil {
		gw.writeError(w, http.StatusNotFound, ErrMalformedBlock)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(blk)
}

func (gw *Gateway) handleGetBlockByHeight(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(chi.URLParam(r, "height"), 10, 64)
	if err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, ErrMalformedBlock)
		return
	}
	blk, err := gw.store.GetBlockByHeight(height)
	if err != nil {
		gw.writeError(w, http.StatusNotFound, ErrMalformedBlock)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(blk)
}

func (gw *Gateway) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	raw, err := hex.DecodeString(chi.URLParam(r, "addr"))
	if err != nil || len(raw) != 20 {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, ErrMalformedTransaction)
		return
	}
	var addr Address
	copy(addr[:], raw)

	acct, ok, err := gw.trie.Get(addr)
	if err != nil {
		gw.writeError(w, http.StatusInternalServerError, err)
		return
	}
	proof, err := gw.trie.Prove(addr)
	if err != nil {
		gw.writeError(w, http.StatusInternalServerError, err)
		return
	}
	proofHex := make([]string, len(proof))
	for i, node := range proof {
		proofHex[i] = hex.EncodeToString(node)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"account":  acct,
		"included": ok,
		"root":     gw.trie.Root().Hex(),
		"proof":    proofHex,
	})
}

func (gw *Gateway) handleTxProof(w http.ResponseWriter, r *http.Request) {
	blockHash, err := parseHash(chi.URLParam(r, "block"))
	if err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, err)
		return
	}
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, ErrMalformedProof)
		return
	}
	leaves, err := gw.store.TxHashes(blockHash)
	if err != nil {
		gw.writeError(w, http.StatusNotFound, ErrMalformedProof)
		return
	}
	// Gateway clients share one identity for proof rate accounting.
	proof, err := gw.txindex.BuildProof(NodeID{}, leaves, index)
	if err != nil {
		gw.writeError(w, http.StatusBadRequest, err)
		return
	}
	wire, err := proof.Encode()
	if err != nil {
		gw.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(wire)
}

func (gw *Gateway) handlePeers(w http.ResponseWriter, r *http.Request) {
	var target NodeID
	peers := gw.table.FindClosest(target, DefaultBucketSize)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(peers)
}

func (gw *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	height, _ := gw.store.Height()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"height":           height,
		"finalized_height": gw.finality.FinalizedHeight(),
		"peers":            gw.table.ActiveCount(),
		"staging":          gw.table.StagingLen(),
		"mempool":          gw.pool.Len(),
		"mempool_pending":  gw.pool.PendingLen(),
		"breaker_open":     gw.finality.BreakerOpen(),
	})
}

//---------------------------------------------------------------------
// HTLC
//---------------------------------------------------------------------

type htlcOpenRequest struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Amount   uint64 `json:"amount"`
	Hashlock string `json:"hashlock"`
	Timelock int64  `json:"timelock_unix"`
}

func (gw *Gateway) handleHTLCOpen(w http.ResponseWriter, r *http.Request) {
	var req htlcOpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, ErrMalformedTransaction)
		return
	}
	senderRaw, err1 := hex.DecodeString(req.Sender)
	receiverRaw, err2 := hex.DecodeString(req.Receiver)
	hashlock, err3 := parseHash(req.Hashlock)
	if err1 != nil || err2 != nil || err3 != nil || len(senderRaw) != 20 || len(receiverRaw) != 20 {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, ErrMalformedTransaction)
		return
	}
	var sender, receiver Address
	copy(sender[:], senderRaw)
	copy(receiver[:], receiverRaw)

	contract, err := gw.htlc.Open(sender, receiver, req.Amount, hashlock, time.Unix(req.Timelock, 0))
	if err != nil {
		gw.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(contract)
}

func (gw *Gateway) handleHTLCClaim(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Preimage string `json:"preimage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, ErrMalformedTransaction)
		return
	}
	preimage, err := hex.DecodeString(body.Preimage)
	if err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, ErrMalformedTransaction)
		return
	}
	contract, err := gw.htlc.Claim(id, preimage)
	if err != nil {
		gw.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(contract)
}

func (gw *Gateway) handleHTLCRefund(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, err)
		return
	}
	contract, err := gw.htlc.Refund(id)
	if err != nil {
		gw.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(contract)
}

func (gw *Gateway) handleHTLCGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseHash(chi.URLParam(r, "id"))
	if err != nil {
		gw.strike(r)
		gw.writeError(w, http.StatusBadRequest, err)
		return
	}
	contract, ok := gw.htlc.Get(id)
	if !ok {
		gw.writeError(w, http.StatusNotFound, ErrMalformedProof)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(contract)
}

//---------------------------------------------------------------------
// Subscriptions
//---------------------------------------------------------------------

type wsEvent struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// handleSubscribe upgrades to a websocket and pushes stored/finalized
// events until the client goes away.
func (gw *Gateway) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	stored, cancelStored := gw.bus.Subscribe(TopicBlockStored, SubGateway, 0)
	finalized, cancelFinal := gw.bus.Subscribe(TopicBlockFinalized, SubGateway, 0)
	defer cancelStored()
	defer cancelFinal()

	done := make(chan struct{})
	go func() {
		// Reader loop exists only to observe the close.
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case env, ok := <-stored:
			if !ok {
				return
			}
			if gw.push(conn, TopicBlockStored, env) != nil {
				return
			}
		case env, ok := <-finalized:
			if !ok {
				return
			}
			if gw.push(conn, TopicBlockFinalized, env) != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (gw *Gateway) push(conn *websocket.Conn, topic string, env *Envelope) error {
	if err := gw.bus.Reverify(topic, env); err != nil {
		return nil // skip bad envelopes, keep the stream alive
	}
	return conn.WriteJSON(wsEvent{Topic: topic, Payload: env.Payload})
}
