package approval

import "fmt"

// QuorumPolicy decides how many distinct approver signatures settle a
// request.
type QuorumPolicy string

const (
	// QuorumUnanimous requires every listed approver to sign.
	QuorumUnanimous QuorumPolicy = "unanimous"
	// QuorumLegacyLenient settles one signature early (n-1 of n, at least
	// one). It reproduces the behavior of older deployments and must be
	// selected explicitly.
	QuorumLegacyLenient QuorumPolicy = "legacy-lenient"
)

// ParseQuorumPolicy validates a configured policy name. The empty string
// selects QuorumUnanimous.
func ParseQuorumPolicy(s string) (QuorumPolicy, error) {
	switch QuorumPolicy(s) {
	case "", QuorumUnanimous:
		return QuorumUnanimous, nil
	case QuorumLegacyLenient:
		return QuorumLegacyLenient, nil
	default:
		return "", fmt.Errorf("unknown quorum policy %q", s)
	}
}

// Threshold returns the number of distinct signers needed for a request
// with the given number of approvers.
func (p QuorumPolicy) Threshold(approvers int) int {
	if p == QuorumLegacyLenient && approvers > 1 {
		return approvers - 1
	}
	return approvers
}

// Reached reports whether signers distinct approvals settle a request.
func (p QuorumPolicy) Reached(signers, approvers int) bool {
	return signers >= p.Threshold(approvers)
}
