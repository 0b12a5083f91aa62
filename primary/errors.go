package primary

import "github.com/pkg/errors"

// Errors returned when a message is rejected. They are logged and counted by the caller,
// never fatal.
var (
	ErrTooOld                    = errors.New("message is too old")
	ErrUnknownAuthority          = errors.New("unknown authority")
	ErrUnknownWorker             = errors.New("unknown worker id")
	ErrInvalidHeaderID           = errors.New("header id does not match its content")
	ErrInvalidSignature          = errors.New("invalid signature")
	ErrInvalidGenesis            = errors.New("invalid genesis certificate")
	ErrMalformedCertificate      = errors.New("malformed certificate")
	ErrMalformedHeader           = errors.New("malformed header")
	ErrAuthorityReuse            = errors.New("authority voted twice")
	ErrCertificateRequiresQuorum = errors.New("certificate requires a quorum")
	ErrHeaderRequiresQuorum      = errors.New("header parents require a quorum")
	ErrUnexpectedVote            = errors.New("vote is not for our current header")
	ErrEquivocation              = errors.New("authority equivocated")
	ErrAlreadyCertified          = errors.New("a certificate for this slot is already in the dag")
)

// reason names an error in the rejected messages metric.
func reason(err error) string {
	switch errors.Cause(err) {
	case ErrTooOld:
		return "too_old"
	case ErrUnknownAuthority:
		return "unknown_authority"
	case ErrUnknownWorker:
		return "unknown_worker"
	case ErrInvalidHeaderID:
		return "invalid_id"
	case ErrInvalidSignature:
		return "invalid_signature"
	case ErrInvalidGenesis:
		return "invalid_genesis"
	case ErrMalformedCertificate, ErrMalformedHeader:
		return "malformed"
	case ErrAuthorityReuse:
		return "authority_reuse"
	case ErrCertificateRequiresQuorum, ErrHeaderRequiresQuorum:
		return "no_quorum"
	case ErrUnexpectedVote:
		return "unexpected_vote"
	case ErrEquivocation:
		return "equivocation"
	case ErrAlreadyCertified:
		return "already_certified"
	default:
		return "other"
	}
}
