package wiring

import (
	"github.com/yasunoritani/manxo-bridge/internal/authz"
	"github.com/yasunoritani/manxo-bridge/internal/bridgeerr"
	"github.com/yasunoritani/manxo-bridge/internal/config"
	"github.com/yasunoritani/manxo-bridge/internal/logging"
)

// accessEnforcer is the bridge's single Casbin RBAC enforcer (spec.md §6's
// BRIDGE_ACCESS_LEVEL gate): subjects are access levels, objects are L2
// method names grouped into classes by the embedded g2 role mapping, see
// internal/authz. Built once since the policy is fixed at compile time.
var accessEnforcer = mustNewAccessEnforcer()

func mustNewAccessEnforcer() *authz.Enforcer {
	e, err := authz.NewEnforcer()
	if err != nil {
		// The embedded model/policy are static build artifacts; a failure
		// here means they were edited into an invalid state, not a runtime
		// condition a caller can recover from.
		logging.Fatal().Err(err).Msg("wiring: build access-control enforcer")
	}
	return e
}

// checkAccess enforces the BRIDGE_ACCESS_LEVEL gate (spec.md §6) against a
// method call via the embedded Casbin RBAC policy: "readonly" permits only
// the readonly-class methods, "restricted" additionally permits
// authoring-class methods while still blocking destructive-class ones,
// "full" permits every class.
func checkAccess(level config.AccessLevel, method string) error {
	allowed, err := accessEnforcer.Enforce(string(level), method, "call")
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.CodeInternalError, "access-control enforcement failed", err)
	}
	if !allowed {
		return bridgeerr.Newf(bridgeerr.CodeAccessDenied, "method %q not permitted at access level %q", method, level).
			WithData(map[string]interface{}{"method": method, "accessLevel": string(level)})
	}
	return nil
}
