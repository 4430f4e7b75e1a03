package signer

import "fmt"

// Message builders produce the exact strings the marketplace expects to
// find a signature over. Field order and separators are part of the wire
// contract in spec §6 and must not change independently of the
// marketplace.

// BuildChallengeMessage is what gets signed to answer a login challenge.
func BuildChallengeMessage(challenge string) string {
	return challenge
}

// BuildAcceptMessage is signed to accept a requested job:
// "VAP-ACCEPT|Job:<jobHash>|Buyer:<buyerId>|Amt:<amount> <currency>|Ts:<unixSec>|I accept this job and commit to delivering the work."
func BuildAcceptMessage(jobHash, buyerID string, amount float64, currency string, timestampUnix int64) string {
	return fmt.Sprintf(
		"VAP-ACCEPT|Job:%s|Buyer:%s|Amt:%v %s|Ts:%d|I accept this job and commit to delivering the work.",
		jobHash, buyerID, amount, currency, timestampUnix,
	)
}

// BuildDeliverMessage is signed to mark a job delivered:
// "VAP-DELIVER|Job:<jobId>|Hash:<resultSha256Hex>"
func BuildDeliverMessage(jobID, resultSha256Hex string) string {
	return fmt.Sprintf("VAP-DELIVER|Job:%s|Hash:%s", jobID, resultSha256Hex)
}

// SignChallenge is a convenience wrapper: sign the literal challenge string
// returned by /auth/challenge.
func (s *Signer) SignChallenge(challenge string) (string, error) {
	return s.SignMessage(BuildChallengeMessage(challenge))
}

// SignAccept signs a job acceptance for the bound identity.
func (s *Signer) SignAccept(jobHash, buyerID string, amount float64, currency string, timestampUnix int64) (string, error) {
	return s.SignMessage(BuildAcceptMessage(jobHash, buyerID, amount, currency, timestampUnix))
}

// SignDeliver signs a job delivery for the bound identity.
func (s *Signer) SignDeliver(jobID, resultSha256Hex string) (string, error) {
	return s.SignMessage(BuildDeliverMessage(jobID, resultSha256Hex))
}
