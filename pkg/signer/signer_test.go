package signer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autobb888/vap-dispatcher/pkg/types"
)

// testWIF is a well-known test-only secp256k1 private key in WIF form
// (Bitcoin mainnet compressed), used only to exercise decode/sign/verify;
// it never corresponds to an identity on any real network.
const testWIF = "L1aW4aubDFB7yfras2S1mN3bqg9nwySY8nkoLmJebSLD5BWv3ENZ"

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity := &types.Identity{
		AgentID:      "agent-1",
		WIF:          testWIF,
		IAddress:     "iAddress1",
		IdentityName: "test@",
		Network:      "VRSC",
	}
	s, err := New(identity)
	require.NoError(t, err)
	return s
}

func TestSignAndVerifyMessageRoundTrip(t *testing.T) {
	s := newTestSigner(t)

	sig, err := s.SignMessage("hello job")
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	ok, err := VerifyMessage("hello job", sig, s.Address())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyMessageRejectsTamperedPayload(t *testing.T) {
	s := newTestSigner(t)

	sig, err := s.SignMessage("original")
	require.NoError(t, err)

	ok, err := VerifyMessage("tampered", sig, s.Address())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSignAcceptAndDeliverAreDistinct(t *testing.T) {
	s := newTestSigner(t)

	acceptSig, err := s.SignAccept("jobhash123", "buyer-1", 5.0, "VRSC", 1000)
	require.NoError(t, err)
	deliverSig, err := s.SignDeliver("job-1", "resulthash")
	require.NoError(t, err)

	require.NotEqual(t, acceptSig, deliverSig)
}

func TestCanonicalJSONOmitsSignatureAndIsDeterministic(t *testing.T) {
	payload := types.CreationAttestation{
		Type:        "creation",
		JobID:       "job-1",
		ContainerID: "c1",
		AgentID:     "agent-1",
		JobHash:     "hash1",
		Signature:   "should-not-appear",
	}

	a, err := CanonicalJSON(payload)
	require.NoError(t, err)
	require.NotContains(t, string(a), "should-not-appear")
	require.NotContains(t, string(a), `"signature"`)

	b, err := CanonicalJSON(payload)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestSignPayloadRoundTrip(t *testing.T) {
	s := newTestSigner(t)
	payload := types.DeletionAttestation{
		Type:           "deletion",
		JobID:          "job-1",
		ContainerID:    "c1",
		DeletionMethod: "docker-rm",
	}

	sig, err := s.SignPayload(payload)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	ok, err := VerifyPayload(payload, sig, s.Address())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyPayloadRejectsTamperedPayload(t *testing.T) {
	s := newTestSigner(t)
	payload := types.DeletionAttestation{
		Type:           "deletion",
		JobID:          "job-1",
		ContainerID:    "c1",
		DeletionMethod: "docker-rm",
	}

	sig, err := s.SignPayload(payload)
	require.NoError(t, err)

	payload.ContainerID = "c2"
	ok, err := VerifyPayload(payload, sig, s.Address())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyPayloadRejectsWrongAddress(t *testing.T) {
	s := newTestSigner(t)
	payload := types.DeletionAttestation{
		Type:           "deletion",
		JobID:          "job-1",
		ContainerID:    "c1",
		DeletionMethod: "docker-rm",
	}

	sig, err := s.SignPayload(payload)
	require.NoError(t, err)

	ok, err := VerifyPayload(payload, sig, "RWrongAddressNotMatchingThisKey1234")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBuildAcceptMessageFormat(t *testing.T) {
	got := BuildAcceptMessage("hash1", "buyer1", 5.5, "VRSC", 1700000000)
	require.Equal(t, "VAP-ACCEPT|Job:hash1|Buyer:buyer1|Amt:5.5 VRSC|Ts:1700000000|I accept this job and commit to delivering the work.", got)
}

func TestBuildDeliverMessageFormat(t *testing.T) {
	got := BuildDeliverMessage("job-1", "abcd1234")
	require.Equal(t, "VAP-DELIVER|Job:job-1|Hash:abcd1234", got)
}

func TestDecodeWIFRejectsGarbage(t *testing.T) {
	_, err := decodeWIF("not-a-valid-wif")
	require.Error(t, err)
}
