package ticket

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignature = errors.New("invalid ticket signature")
	ErrInvalidAmount    = errors.New("invalid ticket amount")
	ErrChannelMismatch  = errors.New("ticket channel id mismatch")
	ErrInvalidChallenge = errors.New("response does not open ticket challenge")
)

var ticketTypeHash = crypto.Keccak256Hash([]byte(
	"Ticket(bytes32 channelId,uint96 amount,uint48 index,uint32 indexOffset,uint24 epoch,uint56 winProb,address challenge)",
))

// DomainSeparator computes the EIP-712 domain separator of a channels deployment.
func DomainSeparator(chainID *big.Int, contractAddr common.Address) common.Hash {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte("HoprChannels"))
	versionHash := crypto.Keccak256Hash([]byte("1"))

	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], contractAddr.Bytes()) // addr is right-aligned in 32-byte slot

	return crypto.Keccak256Hash(encoded)
}

// Hash returns the EIP-712 digest of t under the given domain separator.
func Hash(t *Ticket, domainSeparator common.Hash) (common.Hash, error) {
	if t.Amount == nil || t.Amount.Sign() < 0 || t.Amount.BitLen() > 96 {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrInvalidAmount, t.Amount)
	}
	if t.Index > MaxTicketIndex {
		return common.Hash{}, fmt.Errorf("ticket index %d out of range", t.Index)
	}
	if t.ChannelEpoch >= 1<<24 {
		return common.Hash{}, fmt.Errorf("ticket epoch %d out of range", t.ChannelEpoch)
	}

	// structHash = keccak256(typeHash || abi.encode(fields))
	encoded := make([]byte, 8*32)
	copy(encoded[0:32], ticketTypeHash[:])
	copy(encoded[32:64], t.ChannelID[:])
	t.Amount.FillBytes(encoded[64:96])
	binary.BigEndian.PutUint64(encoded[120:128], t.Index)
	binary.BigEndian.PutUint32(encoded[156:160], t.IndexOffset)
	binary.BigEndian.PutUint32(encoded[188:192], t.ChannelEpoch)
	copy(encoded[217:224], t.WinProb[:])
	copy(encoded[236:256], t.Challenge[:])
	structHash := crypto.Keccak256Hash(encoded)

	// Final digest: keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], domainSeparator[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg), nil
}

// Sign signs the ticket in-place with the issuer's key.
func Sign(t *Ticket, privKey *ecdsa.PrivateKey, domainSeparator common.Hash) error {
	digest, err := Hash(t, domainSeparator)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(digest[:], privKey)
	if err != nil {
		return err
	}
	// Convert V from 0/1 to 27/28 for Solidity ecrecover
	sig[64] += 27
	t.Signature = sig
	return nil
}

// RecoverSigner returns the address that signed t.
func RecoverSigner(t *Ticket, domainSeparator common.Hash) (common.Address, error) {
	if len(t.Signature) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(t.Signature))
	}
	digest, err := Hash(t, domainSeparator)
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, 65)
	copy(sig, t.Signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature checks that t was signed by issuer.
func VerifySignature(t *Ticket, issuer common.Address, domainSeparator common.Hash) error {
	signer, err := RecoverSigner(t, domainSeparator)
	if err != nil {
		return err
	}
	if signer != issuer {
		return fmt.Errorf("%w: signed by %s, expected %s", ErrInvalidSignature, signer.Hex(), issuer.Hex())
	}
	return nil
}

// Verify checks that the ticket was issued by issuer on the channel issuer → recipient and
// that the stored response opens its challenge.
func (a *AcknowledgedTicket) Verify(issuer, recipient common.Address, domainSeparator common.Hash) error {
	if want := ChannelID(issuer, recipient); a.Ticket.ChannelID != want {
		return fmt.Errorf("%w: got %s, expected %s", ErrChannelMismatch, a.Ticket.ChannelID.Hex(), want.Hex())
	}
	if err := VerifySignature(&a.Ticket, issuer, domainSeparator); err != nil {
		return err
	}
	challenge, err := a.Response.ToChallenge()
	if err != nil {
		return err
	}
	if challenge != a.Ticket.Challenge {
		return ErrInvalidChallenge
	}
	return nil
}

// IsWinning runs the deterministic lottery: the first 56 bits of
// keccak256(ticketHash || response || signature) must not exceed the win probability.
func (a *AcknowledgedTicket) IsWinning(domainSeparator common.Hash) (bool, error) {
	if a.Ticket.WinProb.IsAlwaysWinning() {
		return true, nil
	}
	if a.Ticket.WinProb == (WinProb{}) {
		return false, nil
	}
	digest, err := Hash(&a.Ticket, domainSeparator)
	if err != nil {
		return false, err
	}
	luck := crypto.Keccak256(digest[:], a.Response[:], a.Ticket.Signature)
	var buf [8]byte
	copy(buf[1:], luck[:7])
	return binary.BigEndian.Uint64(buf[:]) <= a.Ticket.WinProb.uint64(), nil
}
