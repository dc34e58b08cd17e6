package forward

// ForwardingFilter is the policy hook consulted before a server honors an
// inbound forwarding request. A nil filter denies everything: a server that
// never installs one via WithFilter accepts no forwarding requests at all,
// matching the deny-by-default posture every forwarding filter in the
// retrieval pack takes when no policy is configured.
type ForwardingFilter interface {
	// Permitted reports whether mode may be started toward target on behalf
	// of originator. Returning an error denies the request; the error is
	// wrapped in *ErrFilterFailure and surfaced to the caller, the
	// underlying SSH request is replied to with failure.
	Permitted(mode ForwardingMode, target, originator SocketEndpoint) (bool, error)
}

// AllowAllFilter permits every request. Useful as an explicit default and in
// tests.
type AllowAllFilter struct{}

func (AllowAllFilter) Permitted(ForwardingMode, SocketEndpoint, SocketEndpoint) (bool, error) {
	return true, nil
}

// DenyAllFilter rejects every request.
type DenyAllFilter struct{}

func (DenyAllFilter) Permitted(ForwardingMode, SocketEndpoint, SocketEndpoint) (bool, error) {
	return false, nil
}

func (f *Forwarder) checkFilter(mode ForwardingMode, target, originator SocketEndpoint) error {
	if f.filter == nil {
		return &ErrRequestDenied{}
	}
	ok, err := f.filter.Permitted(mode, target, originator)
	if err != nil {
		return &ErrFilterFailure{Err: err}
	}
	if !ok {
		return &ErrRequestDenied{}
	}
	return nil
}
