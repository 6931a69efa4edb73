package trust

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/davidleathers/adaptive-auth-backend/internal/domain/trust"
)

// SignalProvider computes the risk signals for a request
type SignalProvider interface {
	Signals(ctx context.Context, req trust.Request) (trust.Signals, error)
}

// DeviceRegistry answers whether an actor has verified a device
type DeviceRegistry interface {
	IsTrusted(ctx context.Context, actor, userAgent string) (bool, error)
}

// ActorFlags exposes containment state recorded by incident response
type ActorFlags interface {
	IsWatched(ctx context.Context, actor string) (bool, error)
}

// AccountState exposes account locks and session revocations
type AccountState interface {
	IsLocked(ctx context.Context, actor string) (bool, error)
	SessionsRevokedSince(ctx context.Context, actor string) (time.Time, bool, error)
}

// AddressState exposes the IP blocklist
type AddressState interface {
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

// StoreSignals derives signals from state the engine itself maintains:
// verified devices, incident containment flags and session revocations.
// Richer device or behavioral models plug in as another SignalProvider.
type StoreSignals struct {
	devices   DeviceRegistry
	watchlist ActorFlags
	accounts  AccountState
	addresses AddressState
}

func NewStoreSignals(devices DeviceRegistry, watchlist ActorFlags, accounts AccountState, addresses AddressState) *StoreSignals {
	return &StoreSignals{devices: devices, watchlist: watchlist, accounts: accounts, addresses: addresses}
}

func (p *StoreSignals) Signals(ctx context.Context, req trust.Request) (trust.Signals, error) {
	sig := trust.Signals{
		Device:   trust.DeviceUntrusted,
		Behavior: trust.RiskLow,
		Location: trust.RiskLow,
		Session:  trust.SessionValid,
	}

	switch ua := strings.TrimSpace(req.UserAgent); {
	case ua == "":
		sig.Device = trust.DeviceSuspicious
	default:
		ok, err := p.devices.IsTrusted(ctx, req.Actor, ua)
		if err != nil {
			return sig, fmt.Errorf("device trust: %w", err)
		}
		if ok {
			sig.Device = trust.DeviceTrusted
		}
	}

	watched, err := p.watchlist.IsWatched(ctx, req.Actor)
	if err != nil {
		return sig, fmt.Errorf("behavioral risk: %w", err)
	}
	if watched {
		sig.Behavior = trust.RiskMedium
	}
	locked, err := p.accounts.IsLocked(ctx, req.Actor)
	if err != nil {
		return sig, fmt.Errorf("behavioral risk: %w", err)
	}
	if locked {
		sig.Behavior = trust.RiskHigh
	}

	if req.SourceIP != "" {
		blocked, err := p.addresses.IsBlocked(ctx, req.SourceIP)
		if err != nil {
			return sig, fmt.Errorf("location risk: %w", err)
		}
		if blocked {
			sig.Location = trust.RiskHigh
		}
	}

	revokedAt, revoked, err := p.accounts.SessionsRevokedSince(ctx, req.Actor)
	if err != nil {
		return sig, fmt.Errorf("session integrity: %w", err)
	}
	if revoked {
		switch {
		case req.IssuedAt.IsZero():
			sig.Session = trust.SessionSuspicious
		case !req.IssuedAt.After(revokedAt):
			sig.Session = trust.SessionCompromised
		}
	}
	return sig, nil
}
