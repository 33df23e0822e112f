package call

import "github.com/1ureka/duet/internal/signaling"

// resolveGlare decides the fate of an offer that arrives while the session
// already holds a connection, either because both sides called at once or
// because the offer is a stray duplicate.
//
// The policy is reject-and-report: the offer is dropped, the existing
// connection is kept, and the returned conflict is surfaced as a notice. No
// tie-break on connection ids is attempted, so a genuine simultaneous call
// ends with neither side connected and one of the users calling again.
//
// Candidates trickled for the rejected offer are dropped by the session, as
// they do not match the existing connection's remote description.
func resolveGlare(s *Session, offer signaling.Message) *GlareConflict {
	return &GlareConflict{
		Origin: offer.ConnectionID,
		Status: s.Status(),
	}
}
