package orchestrator

import (
	"fmt"

	"NetSentry/internal/config"
	"NetSentry/internal/model"
)

// policyTable maps (severity, attack type) to an ordered list of response
// actions. Rules with attack type "unknown" double as the per-severity
// fallback for unclassified anomalies.
type policyTable struct {
	rules map[string][]model.ActionType
}

func policyKey(sev model.Severity, attack model.AttackType) string {
	return sev.String() + "|" + string(attack)
}

// newPolicyTable parses validated config rules. An empty rule list gets
// the built-in defaults.
func newPolicyTable(rules []config.PolicyRule) (*policyTable, error) {
	if len(rules) == 0 {
		return defaultPolicyTable(), nil
	}
	t := &policyTable{rules: make(map[string][]model.ActionType)}
	for i, rule := range rules {
		sev, err := model.ParseSeverity(rule.Severity)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		attack, err := model.ParseAttackType(rule.AttackType)
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		actions := make([]model.ActionType, 0, len(rule.Actions))
		for _, a := range rule.Actions {
			t, err := model.ParseActionType(a)
			if err != nil {
				return nil, fmt.Errorf("policy %d: %w", i, err)
			}
			actions = append(actions, t)
		}
		t.rules[policyKey(sev, attack)] = actions
	}
	return t, nil
}

// defaultPolicyTable is applied when no policies are configured:
// CRITICAL incidents are blocked and reset, ERROR throttled, WARNING
// notified. Scans and floods get targeted handling at ERROR.
func defaultPolicyTable() *policyTable {
	t := &policyTable{rules: make(map[string][]model.ActionType)}
	for _, attack := range []model.AttackType{
		model.AttackPortScan, model.AttackBruteForce, model.AttackDDoS,
		model.AttackDNSTunneling, model.AttackExfiltration, model.AttackUnknown,
	} {
		t.rules[policyKey(model.SeverityCritical, attack)] = []model.ActionType{model.ActionFirewallBlock, model.ActionConnectionReset}
		t.rules[policyKey(model.SeverityWarning, attack)] = []model.ActionType{model.ActionNotifyOnly}
	}
	t.rules[policyKey(model.SeverityError, model.AttackDDoS)] = []model.ActionType{model.ActionTrafficShape, model.ActionConnectionReset}
	t.rules[policyKey(model.SeverityError, model.AttackPortScan)] = []model.ActionType{model.ActionFirewallBlock}
	t.rules[policyKey(model.SeverityError, model.AttackBruteForce)] = []model.ActionType{model.ActionFirewallBlock}
	t.rules[policyKey(model.SeverityError, model.AttackDNSTunneling)] = []model.ActionType{model.ActionQuarantineVLAN}
	t.rules[policyKey(model.SeverityError, model.AttackExfiltration)] = []model.ActionType{model.ActionQuarantineVLAN, model.ActionConnectionReset}
	t.rules[policyKey(model.SeverityError, model.AttackUnknown)] = []model.ActionType{model.ActionTrafficShape}
	return t
}

// actionsFor resolves the ordered action list for an incident. An exact
// (severity, attack) match wins; otherwise the severity's "unknown"
// rule applies. No match means no automated response.
func (t *policyTable) actionsFor(sev model.Severity, attack model.AttackType) []model.ActionType {
	if actions, ok := t.rules[policyKey(sev, attack)]; ok {
		return actions
	}
	return t.rules[policyKey(sev, model.AttackUnknown)]
}
