// Package policy provides core.PolicyEngine implementations: AllowAll,
// adapters for plain functions and a RuleEngine driven by expr-lang rules
// loaded from YAML.
package policy
