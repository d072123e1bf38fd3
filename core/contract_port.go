package core

// contract_port.go – the bus frontage of the contract-execution port.
//
// The interpreter itself lives outside this module; this component only
// enforces the authorization matrix (Consensus and Ordering may ask) and
// relays request/response pairs keyed by correlation id.

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const executeTimeout = 10 * time.Second

// ContractPortService exposes a ContractExecutor over the bus.
type ContractPortService struct {
	executor ContractExecutor
	bus      *EventBus
	keys     KeyStore
	clk      clock.Clock
	log      *logrus.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewContractPortService wires the port.
func NewContractPortService(executor ContractExecutor, bus *EventBus, keys KeyStore, clk clock.Clock, lg *logrus.Logger) *ContractPortService {
	if clk == nil {
		clk = clock.New()
	}
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &ContractPortService{executor: executor, bus: bus, keys: keys, clk: clk, log: lg, stop: make(chan struct{})}
}

// Start subscribes to execution requests.
func (cp *ContractPortService) Start() {
	reqs, cancel := cp.bus.Subscribe(TopicExecuteTxRequest, SubContractPort, 0)
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		defer cancel()
		for {
			select {
			case env, ok := <-reqs:
				if !ok {
					return
				}
				cp.handleExecute(env)
			case <-cp.stop:
				return
			}
		}
	}()
}

// Stop shuts the port down.
func (cp *ContractPortService) Stop() {
	cp.stopOnce.Do(func() { close(cp.stop) })
	cp.wg.Wait()
}

func (cp *ContractPortService) handleExecute(env *Envelope) {
	if err := cp.bus.Reverify(TopicExecuteTxRequest, env); err != nil {
		cp.log.Debugf("contractport: rejected request: %v", err)
		return
	}
	var req ExecuteTxRequestMsg
	if err := UnmarshalPayload(env.Payload, &req); err != nil {
		cp.log.Debugf("contractport: malformed request: %v", err)
		return
	}

	var changes []StateChange
	if cp.executor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
		var err error
		changes, err = cp.executor.Execute(ctx, req.Parent, req.Txs)
		cancel()
		if err != nil {
			cp.log.Warnf("contractport: execution failed: %v", err)
			changes = nil
		}
	}

	payload, err := MarshalPayload(ExecuteTxResponseMsg{Changes: changes})
	if err != nil {
		return
	}
	reply, err := NewReply(env, SubContractPort, payload, cp.clk.Now())
	if err != nil {
		return
	}
	if err := reply.Seal(cp.keys.BusSecret()); err != nil {
		return
	}
	if err := cp.bus.Publish(TopicExecuteTxResponse, reply); err != nil {
		cp.log.Debugf("contractport: reply dropped: %v", err)
	}
}
