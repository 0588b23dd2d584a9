// Typed-data signing for redemption requests. The digest is a pure function
// of the domain and payload, fully decoupled from storage so it can be
// tested against fixed vectors. The scheme follows the EIP-712 layout:
// keccak256(0x19 0x01 || domainSeparator || structHash).
package redemption

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	vaulterrors "github.com/SovaNetwork/sova-prime-spbtc-sub005/pkg/errors"
)

var ErrInvalidSignature = vaulterrors.E(vaulterrors.KindAuthorization, "INVALID_SIGNATURE", "signature does not recover to the request owner")

var (
	domainTypeHash  = crypto.Keccak256Hash([]byte("VaultRedemptionDomain(uint256 chainId,address vault)"))
	payloadTypeHash = crypto.Keccak256Hash([]byte("RedemptionRequest(address owner,uint256 shareAmount,uint256 minAssetsOut,uint256 nonce,uint256 deadline)"))
)

// Domain binds signatures to one deployment: same payload signed for a
// different chain or vault produces a different digest.
type Domain struct {
	ChainID      int64
	VaultAddress common.Address
}

// Separator returns the domain separator hash.
func (d Domain) Separator() common.Hash {
	return crypto.Keccak256Hash(
		domainTypeHash.Bytes(),
		uint256Word(big.NewInt(d.ChainID)),
		common.LeftPadBytes(d.VaultAddress.Bytes(), 32),
	)
}

// Payload is the signed redemption request body. Deadline is unix seconds.
type Payload struct {
	Owner        common.Address
	ShareAmount  *big.Int
	MinAssetsOut *big.Int
	Nonce        uint64
	Deadline     int64
}

func (p Payload) structHash() common.Hash {
	return crypto.Keccak256Hash(
		payloadTypeHash.Bytes(),
		common.LeftPadBytes(p.Owner.Bytes(), 32),
		uint256Word(p.ShareAmount),
		uint256Word(p.MinAssetsOut),
		uint256Word(new(big.Int).SetUint64(p.Nonce)),
		uint256Word(big.NewInt(p.Deadline)),
	)
}

// Digest computes the signing digest for a payload under a domain.
func Digest(d Domain, p Payload) common.Hash {
	return crypto.Keccak256Hash(
		[]byte{0x19, 0x01},
		d.Separator().Bytes(),
		p.structHash().Bytes(),
	)
}

// Verifier checks that a signature over a digest was produced by the owner.
type Verifier interface {
	Verify(digest common.Hash, signature []byte, owner common.Address) error
}

// SecpVerifier recovers the secp256k1 public key from a 65-byte [R||S||V]
// signature and compares the derived address to the owner.
type SecpVerifier struct{}

// Verify implements Verifier.
func (SecpVerifier) Verify(digest common.Hash, signature []byte, owner common.Address) error {
	if len(signature) != crypto.SignatureLength {
		return ErrInvalidSignature.Explain("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	// Accept both 0/1 and 27/28 recovery ids.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return ErrInvalidSignature.Wrap(err)
	}
	if crypto.PubkeyToAddress(*pub) != owner {
		return ErrInvalidSignature
	}
	return nil
}

func uint256Word(v *big.Int) []byte {
	if v == nil {
		v = new(big.Int)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}
