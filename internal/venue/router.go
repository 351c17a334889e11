package venue

import (
	"basis-engine/pkg/types"
)

// opVenueSide records which side of an order names the executing venue for
// each operation type.
var opVenueSide = map[types.OperationType]string{
	types.OpSpotTrade:   "target",
	types.OpPerpTrade:   "target",
	types.OpSupply:      "target",
	types.OpBorrow:      "source",
	types.OpRepay:       "target",
	types.OpWithdraw:    "source",
	types.OpStake:       "target",
	types.OpUnstake:     "source",
	types.OpSwap:        "target",
	types.OpFlashBorrow: "source",
	types.OpFlashRepay:  "target",
	// transfer is venue-spanning; routed to the registered transfer executor
	types.OpTransfer: "",
}

// Router dispatches orders to the correct Executor by operation type and
// venue identifier. Executors are registered once at engine construction.
type Router struct {
	executors map[string]Executor
	transfer  Executor // cross-venue transfer service, at most one
}

// NewRouter builds an empty router.
func NewRouter() *Router {
	return &Router{executors: make(map[string]Executor)}
}

// Register adds a venue executor under its name.
func (r *Router) Register(e Executor) {
	r.executors[e.Name()] = e
}

// RegisterTransfer sets the executor handling cross-venue transfers.
func (r *Router) RegisterTransfer(e Executor) {
	r.transfer = e
}

// ExecutingVenue resolves which venue identifier executes the order. For
// transfers the answer is the dedicated transfer service, reported as "".
func ExecutingVenue(o types.Order) (string, error) {
	side, ok := opVenueSide[o.Type]
	if !ok {
		return "", types.Codedf(types.CodeExecRoutingFailed,
			"no routing rule for operation %q", o.Type)
	}
	switch side {
	case "source":
		return o.SourceVenue, nil
	case "target":
		return o.TargetVenue, nil
	default:
		return "", nil
	}
}

// Route returns the executor for one order.
func (r *Router) Route(o types.Order) (Executor, error) {
	name, err := ExecutingVenue(o)
	if err != nil {
		return nil, err
	}
	if o.Type == types.OpTransfer {
		if r.transfer == nil {
			return nil, types.Codedf(types.CodeExecRoutingFailed,
				"no transfer executor registered")
		}
		return r.transfer, nil
	}
	e, ok := r.executors[name]
	if !ok {
		return nil, types.Codedf(types.CodeExecRoutingFailed,
			"no executor for venue %q (operation %s)", name, o.Type)
	}
	return e, nil
}
