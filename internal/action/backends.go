package action

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// Backend applies one kind of response measure against the enforcement
// plane and knows how to undo it. Apply and Revert must both be safe to
// call with a context deadline; a deadline exceeded is a failure.
type Backend interface {
	Apply(ctx context.Context, req model.ActionRequest) error
	Revert(ctx context.Context, req model.ActionRequest) error
}

// CommandRunner executes one external enforcement command. Tests swap in
// a fake; production uses execRunner.
type CommandRunner func(ctx context.Context, name string, args ...string) error

// execRunner shells out and folds combined output into the error.
func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// BackendFactory builds one backend from the action configuration.
type BackendFactory func(cfg config.ActionConfig, run CommandRunner) Backend

var registry = make(map[model.ActionType]BackendFactory)

// RegisterBackend registers a backend factory for an action type.
func RegisterBackend(t model.ActionType, factory BackendFactory) {
	if _, exists := registry[t]; exists {
		panic(fmt.Sprintf("action backend %q already registered", t))
	}
	registry[t] = factory
}

func init() {
	RegisterBackend(model.ActionFirewallBlock, func(cfg config.ActionConfig, run CommandRunner) Backend {
		return &firewallBackend{chain: cfg.FirewallChain, run: run}
	})
	RegisterBackend(model.ActionTrafficShape, func(cfg config.ActionConfig, run CommandRunner) Backend {
		return &shaperBackend{iface: cfg.ShaperInterface, limit: cfg.BandwidthLimit, run: run}
	})
	RegisterBackend(model.ActionQuarantineVLAN, func(cfg config.ActionConfig, run CommandRunner) Backend {
		return &quarantineBackend{vlanID: cfg.QuarantineVLANID, run: run}
	})
	RegisterBackend(model.ActionConnectionReset, func(cfg config.ActionConfig, run CommandRunner) Backend {
		return &resetBackend{run: run}
	})
	RegisterBackend(model.ActionNotifyOnly, func(cfg config.ActionConfig, run CommandRunner) Backend {
		return &notifyBackend{}
	})
}

// NewBackends instantiates every registered backend. If run is nil the
// real command runner is used.
func NewBackends(cfg config.ActionConfig, run CommandRunner) map[model.ActionType]Backend {
	if run == nil {
		run = execRunner
	}
	backends := make(map[model.ActionType]Backend, len(registry))
	for t, factory := range registry {
		backends[t] = factory(cfg, run)
	}
	return backends
}

// firewallBackend drops all traffic from the target via iptables.
type firewallBackend struct {
	chain string
	run   CommandRunner
}

func (b *firewallBackend) Apply(ctx context.Context, req model.ActionRequest) error {
	return b.run(ctx, "iptables", "-A", b.chain, "-s", req.TargetIP, "-j", "DROP")
}

func (b *firewallBackend) Revert(ctx context.Context, req model.ActionRequest) error {
	return b.run(ctx, "iptables", "-D", b.chain, "-s", req.TargetIP, "-j", "DROP")
}

// shaperBackend caps the target's bandwidth with an htb class and a u32
// filter matching the source address.
type shaperBackend struct {
	iface string
	limit string
	run   CommandRunner
}

func (b *shaperBackend) Apply(ctx context.Context, req model.ActionRequest) error {
	// The root qdisc may already exist from a previous action.
	if err := b.run(ctx, "tc", "qdisc", "add", "dev", b.iface, "root", "handle", "1:", "htb", "default", "30"); err != nil {
		log.Printf("ActionEngine: tc qdisc add on %s: %v (continuing)", b.iface, err)
	}
	if err := b.run(ctx, "tc", "class", "replace", "dev", b.iface, "parent", "1:", "classid", "1:10", "htb", "rate", b.limit); err != nil {
		return err
	}
	return b.run(ctx, "tc", "filter", "add", "dev", b.iface, "protocol", "ip", "parent", "1:", "prio", "1",
		"u32", "match", "ip", "src", req.TargetIP, "flowid", "1:10")
}

func (b *shaperBackend) Revert(ctx context.Context, req model.ActionRequest) error {
	return b.run(ctx, "tc", "filter", "del", "dev", b.iface, "parent", "1:", "prio", "1")
}

// quarantineBackend isolates the target in a dedicated chain tagged with
// the quarantine VLAN id. Traffic from the host is dropped in both the
// input and forward paths until the action expires.
type quarantineBackend struct {
	vlanID int
	run    CommandRunner
}

func (b *quarantineBackend) chainName() string {
	return "NETSENTRY_QUARANTINE_" + strconv.Itoa(b.vlanID)
}

func (b *quarantineBackend) Apply(ctx context.Context, req model.ActionRequest) error {
	chain := b.chainName()
	// Chain creation fails when it already exists.
	if err := b.run(ctx, "iptables", "-N", chain); err != nil {
		log.Printf("ActionEngine: iptables -N %s: %v (continuing)", chain, err)
	}
	if err := b.run(ctx, "iptables", "-A", chain, "-s", req.TargetIP, "-j", "DROP"); err != nil {
		return err
	}
	if err := b.run(ctx, "iptables", "-C", "INPUT", "-j", chain); err != nil {
		if err := b.run(ctx, "iptables", "-A", "INPUT", "-j", chain); err != nil {
			return err
		}
	}
	if err := b.run(ctx, "iptables", "-C", "FORWARD", "-j", chain); err != nil {
		return b.run(ctx, "iptables", "-A", "FORWARD", "-j", chain)
	}
	return nil
}

func (b *quarantineBackend) Revert(ctx context.Context, req model.ActionRequest) error {
	return b.run(ctx, "iptables", "-D", b.chainName(), "-s", req.TargetIP, "-j", "DROP")
}

// resetBackend kills the target's established connections. There is
// nothing to revert: the reset is a one-shot measure.
type resetBackend struct {
	run CommandRunner
}

func (b *resetBackend) Apply(ctx context.Context, req model.ActionRequest) error {
	args := []string{"-K", "dst", req.TargetIP}
	if req.TargetPort != 0 {
		args = append(args, "dport", "=", strconv.Itoa(int(req.TargetPort)))
	}
	return b.run(ctx, "ss", args...)
}

func (b *resetBackend) Revert(ctx context.Context, req model.ActionRequest) error {
	return nil
}

// notifyBackend records the action without touching the enforcement
// plane. Useful as the lowest policy rung and for INFO incidents.
type notifyBackend struct{}

func (b *notifyBackend) Apply(ctx context.Context, req model.ActionRequest) error {
	log.Printf("[ACTION] notify-only for incident %s target %s", req.IncidentID, req.TargetIP)
	return nil
}

func (b *notifyBackend) Revert(ctx context.Context, req model.ActionRequest) error {
	return nil
}
