package resolver

import (
	"errors"

	"github.com/miekg/dns"
)

// Error taxonomy. These are behavioral categories, not syntactic ones: a
// server timeout and a malformed response both collapse to
// ErrTransientServer because the recovery action (try another server) is
// identical.
var (
	// ErrTransientServer indicates a single server timed out or returned a
	// malformed/unexpected response. Recoverable locally by selecting
	// another server from the current delegation point.
	ErrTransientServer = errors.New("resolver: transient server failure")

	// ErrDelegationExhausted indicates no further servers remain to try at
	// the current delegation point.
	ErrDelegationExhausted = errors.New("resolver: delegation exhausted")

	// ErrLoopOrDepth indicates the recursion depth bound was exceeded or a
	// query loop was detected in the ancestor chain.
	ErrLoopOrDepth = errors.New("resolver: loop detected or depth exceeded")

	// ErrCNAMEChainTooDeep indicates the CNAME/DNAME chain exceeded its
	// configured bound.
	ErrCNAMEChainTooDeep = errors.New("resolver: cname/dname chain too deep")

	// ErrCancelled indicates the query deadline elapsed or the client went
	// away.
	ErrCancelled = errors.New("resolver: query cancelled")

	// ErrConfigFailure indicates the Resolver could not be constructed,
	// e.g. no root hints were supplied. Never surfaced at query time.
	ErrConfigFailure = errors.New("resolver: configuration failure")
)

// queryError wraps one of the taxonomy sentinels with the concrete
// condition that triggered it, preserving errors.Is compatibility.
type queryError struct {
	taxonomy error
	detail   string
}

func (e *queryError) Error() string {
	if e.detail == "" {
		return e.taxonomy.Error()
	}
	return e.taxonomy.Error() + ": " + e.detail
}

func (e *queryError) Is(target error) bool {
	return target == e.taxonomy
}

func (e *queryError) Unwrap() error {
	return e.taxonomy
}

func wrapErr(taxonomy error, detail string) error {
	return &queryError{taxonomy: taxonomy, detail: detail}
}

// extendedErrorCode maps a taxonomy error to an RFC 8914 Extended DNS Error
// code; any other error goes through the Go-stdlib error mapping in
// extendedrcode.go. A queryError keeps its triggering condition only as
// detail text, so a transport-level cause behind it is not mapped.
func extendedErrorCode(err error) uint16 {
	if err == nil {
		return ExtendedErrorCodeFromError(nil)
	}
	var qe *queryError
	if errors.As(err, &qe) {
		switch qe.taxonomy {
		case ErrCancelled:
			return dns.ExtendedErrorCodeNoReachableAuthority
		case ErrDelegationExhausted, ErrLoopOrDepth, ErrCNAMEChainTooDeep:
			return dns.ExtendedErrorCodeOther
		}
	}
	return ExtendedErrorCodeFromError(err)
}
