package rpccontract

const (
	ServiceName = "gridlink.v1.Snapshot"
)

const (
	MethodGetHealth      = "/" + ServiceName + "/GetHealth"
	MethodGetSnapshot    = "/" + ServiceName + "/GetSnapshot"
	MethodListRecentJobs = "/" + ServiceName + "/ListRecentJobs"
	MethodListOutcomes   = "/" + ServiceName + "/ListOutcomes"
)

// OpenMethods are served without a token even when one is configured.
var OpenMethods = map[string]struct{}{
	MethodGetHealth: {},
}

// TokenHeader carries the daemon token in gRPC metadata.
const TokenHeader = "x-gridlink-token"
