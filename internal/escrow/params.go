package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/mbd888/taskescrow/internal/address"
	"github.com/mbd888/taskescrow/internal/chain"
)

// Defaults fill in escrow parameters a request leaves out.
type Defaults struct {
	Treasury          string
	Verifiers         []string
	ApprovalsRequired int
	MarketplaceFeeBps int
	VerifierFeeBps    int
}

// Params are the resolved createEscrow arguments for a request.
type Params struct {
	TaskID               string
	TaskHash             common.Hash
	Worker               common.Address
	Verifiers            []common.Address
	UsedDefaultVerifiers bool
	ApprovalsRequired    int
	MarketplaceFeeBps    int
	VerifierFeeBps       int
	Amount               decimal.Decimal
}

// CreateParams converts p into the ledger call arguments.
func (p Params) CreateParams() chain.CreateParams {
	return chain.CreateParams{
		TaskID:            p.TaskHash,
		Worker:            p.Worker,
		Verifiers:         p.Verifiers,
		ApprovalsRequired: p.ApprovalsRequired,
		MarketplaceFeeBps: p.MarketplaceFeeBps,
		VerifierFeeBps:    p.VerifierFeeBps,
		Amount:            p.Amount,
	}
}

// VerifierStrings returns the verifier addresses in checksum form.
func (p Params) VerifierStrings() []string {
	out := make([]string, len(p.Verifiers))
	for i, v := range p.Verifiers {
		out[i] = v.Hex()
	}
	return out
}

// ResolveWorker picks the worker address: worker_address, then
// worker_account_id, then the request's ToAccount.
func ResolveWorker(req Request) (common.Address, error) {
	for _, candidate := range []string{req.String(MetaWorkerAddress), req.String(MetaWorkerAccountID), req.ToAccount} {
		if candidate == "" {
			continue
		}
		addr, err := address.Resolve(candidate)
		if err != nil {
			return common.Address{}, fmt.Errorf("worker: %w", err)
		}
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("worker: %w: no worker account", address.ErrInvalidFormat)
}

// ResolveVerifiers returns the deduplicated verifier set. The explicit
// verifier_addresses list wins; otherwise the configured default list is
// used, then the marketplace treasury. usedDefault reports a fallback.
func ResolveVerifiers(req Request, d Defaults) (addrs []common.Address, usedDefault bool, err error) {
	if explicit := req.Strings(MetaVerifierAddresses); len(explicit) > 0 {
		addrs, err = address.ResolveAll(explicit)
		if err != nil {
			return nil, false, fmt.Errorf("verifiers: %w", err)
		}
		return addrs, false, nil
	}

	if len(d.Verifiers) > 0 {
		addrs, err = address.ResolveAll(d.Verifiers)
		if err != nil {
			return nil, true, fmt.Errorf("default verifiers: %w", err)
		}
		return addrs, true, nil
	}

	treasury := req.String(MetaMarketplaceTreas)
	if treasury == "" {
		treasury = d.Treasury
	}
	if treasury == "" {
		return nil, true, fmt.Errorf("%w: no verifiers and no marketplace treasury configured", chain.ErrInvalidQuorum)
	}
	addr, err := address.Resolve(treasury)
	if err != nil {
		return nil, true, fmt.Errorf("treasury: %w", err)
	}
	return []common.Address{addr}, true, nil
}

// ClampApprovals forces requested into [1, verifiers].
func ClampApprovals(requested, verifiers int) int {
	if requested < 1 {
		requested = 1
	}
	if verifiers > 0 && requested > verifiers {
		requested = verifiers
	}
	return requested
}

// ResolveFees returns the fee split, rejecting negative fees and totals
// above 10000 bps.
func ResolveFees(req Request, d Defaults) (marketplace, verifier int, err error) {
	marketplace, ok := req.Int(MetaMarketplaceFeeBps)
	if !ok {
		marketplace = d.MarketplaceFeeBps
	}
	verifier, ok = req.Int(MetaVerifierFeeBps)
	if !ok {
		verifier = d.VerifierFeeBps
	}
	if marketplace < 0 || verifier < 0 {
		return 0, 0, fmt.Errorf("%w: negative fee", chain.ErrInvalidFeeConfiguration)
	}
	if marketplace+verifier > chain.MaxFeeBps {
		return 0, 0, fmt.Errorf("%w: %d + %d bps", chain.ErrInvalidFeeConfiguration, marketplace, verifier)
	}
	return marketplace, verifier, nil
}

// ResolveParams resolves every escrow parameter for req without I/O.
func ResolveParams(req Request, d Defaults) (Params, error) {
	if err := req.Validate(); err != nil {
		return Params{}, err
	}
	if _, err := chain.ToSmallestUnit(req.Amount); err != nil {
		return Params{}, err
	}

	worker, err := ResolveWorker(req)
	if err != nil {
		return Params{}, err
	}
	verifiers, usedDefault, err := ResolveVerifiers(req, d)
	if err != nil {
		return Params{}, err
	}
	mfee, vfee, err := ResolveFees(req, d)
	if err != nil {
		return Params{}, err
	}

	requested, ok := req.Int(MetaApprovalsRequired)
	if !ok {
		requested = d.ApprovalsRequired
	}

	taskID := req.TaskID()
	return Params{
		TaskID:               taskID,
		TaskHash:             chain.TaskID(taskID),
		Worker:               worker,
		Verifiers:            verifiers,
		UsedDefaultVerifiers: usedDefault,
		ApprovalsRequired:    ClampApprovals(requested, len(verifiers)),
		MarketplaceFeeBps:    mfee,
		VerifierFeeBps:       vfee,
		Amount:               req.Amount,
	}, nil
}
